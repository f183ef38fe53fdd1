package models

import "time"

// Critical event kinds surfaced by the infrastructure scorer.
const (
	CriticalOOMKill           = "oom_kill"
	CriticalExcessiveRestarts = "excessive_restarts"
	CriticalPodFailure        = "pod_failure"
)

// CriticalEvent is a single infrastructure anomaly worth citing in the
// final report.
type CriticalEvent struct {
	Kind        string
	Participant string
	Detail      string
}

// ResourceUsage holds per-pod resource saturation observations.
type ResourceUsage struct {
	CPUCores      float64
	MemoryPercent float64
}

// InfraFindings is the structured output of the infrastructure scorer.
type InfraFindings struct {
	Score              float64
	RestartCounts      map[string]int
	OOMEvents          map[string]int
	ResourceUsage      map[string]ResourceUsage
	PodHealth          map[string]string
	ConcurrentFailures int
	CriticalEvents     []CriticalEvent
}

// Hypothesis is the structured root-cause result of one decision attempt.
type Hypothesis struct {
	Layer           string
	RootParticipant string
	FailureMode     string
	Confidence      float64
	Citations       []string
	Alternatives    []AlternativeHypothesis
	Reasoning       string
}

// AlternativeHypothesis is a lower-ranked candidate explanation.
type AlternativeHypothesis struct {
	Layer       string
	Participant string
	FailureMode string
	Confidence  float64
}

// Report is the immutable snapshot assembled when a triage run finalizes.
type Report struct {
	IncidentID        string
	AlertName         string
	Severity          string
	Procedure         string
	MappingMethod     string
	MappingConfidence float64

	Layer           string
	RootParticipant string
	FailureMode     string
	Confidence      float64
	Citations       []string
	Alternatives    []AlternativeHypothesis
	Reasoning       string

	Degraded       bool
	DegradedReason string
	Attempts       int

	InfraScore      float64
	EvidenceQuality float64
	Participants    []string
	Deviations      []Deviation
	CriticalEvents  []CriticalEvent
	EvidenceGaps    []string
	Recommendations []string

	CreatedAt time.Time
	Duration  time.Duration
}
