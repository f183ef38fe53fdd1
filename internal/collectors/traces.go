package collectors

import (
	"regexp"
	"sort"
	"strings"

	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

// transactionIDPattern finds transaction identifiers embedded in log text,
// e.g. "txn=9f3a-42" or "transaction_id: 77001".
var transactionIDPattern = regexp.MustCompile(`(?i)(?:txn|transaction[_-]?id)[=: ]+([A-Za-z0-9\-]{3,})`)

// TraceCollector reconstructs per-transaction traces from log evidence by
// classifying each line against the reference procedure's steps.
type TraceCollector struct{}

// NewTraceCollector constructs a trace collector.
func NewTraceCollector() *TraceCollector {
	return &TraceCollector{}
}

// DiscoverTransactions extracts the distinct transaction identifiers active
// in the evidence window, in first-seen order.
func (t *TraceCollector) DiscoverTransactions(records []repo.LogRecord) []string {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, record := range records {
		for _, match := range transactionIDPattern.FindAllStringSubmatch(record.Text, -1) {
			id := match[1]
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// BuildTrace assembles the observed event sequence for one transaction.
// Each log line mentioning the transaction is classified against the
// procedure's steps; a match assigns the step's order to the event, which
// is what makes the deviation detector's order join meaningful.
func (t *TraceCollector) BuildTrace(transactionID string, records []repo.LogRecord, procedure *models.ReferenceProcedure) []models.ObservedEvent {
	if procedure == nil {
		return nil
	}

	events := make([]models.ObservedEvent, 0)
	for _, record := range records {
		if !strings.Contains(record.Text, transactionID) {
			continue
		}
		step, ok := classify(record.Text, procedure.Steps)
		if !ok {
			continue
		}
		events = append(events, models.ObservedEvent{
			Order:       step.Order,
			Participant: record.Participant,
			Action:      strings.TrimSpace(record.Text),
			Timestamp:   record.Timestamp,
		})
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Order < events[j].Order })
	return events
}

// classify matches a log line to the reference step it most plausibly
// belongs to: a failure pattern match wins, then the success pattern, then
// a case-insensitive containment check on the expected action text.
func classify(text string, steps []models.Step) (models.Step, bool) {
	for _, step := range steps {
		for _, pattern := range step.FailurePatterns {
			if WildcardMatch(pattern, text) {
				return step, true
			}
		}
	}
	for _, step := range steps {
		if step.SuccessPattern != "" && WildcardMatch(step.SuccessPattern, text) {
			return step, true
		}
	}
	lower := strings.ToLower(text)
	for _, step := range steps {
		if step.Action != "" && strings.Contains(lower, strings.ToLower(step.Action)) {
			return step, true
		}
	}
	return models.Step{}, false
}

// DiscoverParticipants lists the distinct canonical participants that
// produced any log evidence, in first-seen order.
func DiscoverParticipants(records []repo.LogRecord, known []string) []string {
	seen := make(map[string]struct{})
	participants := make([]string, 0)
	for _, record := range records {
		p := CanonicalParticipant(record.Participant, known)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		participants = append(participants, p)
	}
	return participants
}
