package models

import "time"

// FailureSignature is a recurring root-cause shape mined from completed
// triage reports.
type FailureSignature struct {
	ID            string
	Name          string
	Layer         string
	FailureMode   string
	Participants  []string
	Occurrences   int
	Prevalence    float64
	AvgConfidence float64
	LastSeen      time.Time
}
