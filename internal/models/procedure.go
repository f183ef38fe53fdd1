package models

import "time"

// ReferenceProcedure is the expected ordered sequence of steps for one
// category of multi-party interaction, loaded from the graph store.
type ReferenceProcedure struct {
	Name         string
	Spec         string
	Category     string
	Steps        []Step
	Participants []string
}

// StepByOrder returns the step with the given order position.
func (p ReferenceProcedure) StepByOrder(order int) (Step, bool) {
	for _, s := range p.Steps {
		if s.Order == order {
			return s, true
		}
	}
	return Step{}, false
}

// Step is one expected action within a reference procedure. Order defines
// the comparison sequence; Action is matched as a substring against
// observed text.
type Step struct {
	Order           int
	Participant     string
	Action          string
	Optional        bool
	SuccessPattern  string
	FailurePatterns []string
}

// ObservedEvent is one classified event within a captured trace. Order is
// assigned when the event is matched against a reference step, so it lines
// up numerically with Step.Order.
type ObservedEvent struct {
	Order       int
	Participant string
	Action      string
	Timestamp   time.Time
}

// Deviation marks the first order position where a captured trace's action
// text does not contain the expected action text.
type Deviation struct {
	TransactionID       string
	Order               int
	Expected            string
	Actual              string
	ExpectedParticipant string
	ActualParticipant   string
}
