package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/triagekit/triage-engine/internal/collectors"
	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

// ErrAnalyzerTimeout is returned by Analyzer implementations when the
// reasoning call exceeds its deadline. It triggers degraded-mode analysis.
var ErrAnalyzerTimeout = errors.New("analyzer timed out")

// EvidenceBundle aggregates everything collected for one incident.
type EvidenceBundle struct {
	Infra           models.InfraFindings
	Metrics         map[string][]repo.MetricSample
	Logs            map[string][]collectors.AnnotatedLog
	Participants    []string
	Deviations      []models.Deviation
	TracesCollected bool
	Quality         float64
}

// HasMetrics reports whether any service metrics were collected.
func (e EvidenceBundle) HasMetrics() bool {
	for _, samples := range e.Metrics {
		if len(samples) > 0 {
			return true
		}
	}
	return false
}

// HasLogs reports whether any log evidence was collected.
func (e EvidenceBundle) HasLogs() bool {
	for _, records := range e.Logs {
		if len(records) > 0 {
			return true
		}
	}
	return false
}

// Analyzer turns an evidence bundle into a structured root-cause
// hypothesis. Implementations must wrap deadline expiry in
// ErrAnalyzerTimeout.
type Analyzer interface {
	Analyze(ctx context.Context, alert models.Alert, procedure *models.ReferenceProcedure, evidence EvidenceBundle) (*models.Hypothesis, error)
}

// DecisionOutcome is the result of one decision attempt.
type DecisionOutcome struct {
	Hypothesis        models.Hypothesis
	Degraded          bool
	DegradedReason    string
	NeedsMoreEvidence bool
	EvidenceGaps      []string
}

// DecisionStep invokes the reasoning collaborator, applies the confidence
// gate, and falls back to deterministic rule-based analysis on timeout.
type DecisionStep struct {
	analyzer Analyzer
	gate     config.GateConfig
	logger   *slog.Logger
}

// NewDecisionStep constructs a decision step around the given analyzer.
func NewDecisionStep(analyzer Analyzer, gate config.GateConfig, logger *slog.Logger) *DecisionStep {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionStep{analyzer: analyzer, gate: gate, logger: logger}
}

// Decide runs one decision attempt over the evidence bundle.
func (d *DecisionStep) Decide(ctx context.Context, alert models.Alert, procedure *models.ReferenceProcedure, evidence EvidenceBundle, attempt int) DecisionOutcome {
	var outcome DecisionOutcome

	hypothesis, err := d.invoke(ctx, alert, procedure, evidence)
	if err != nil {
		reason := fmt.Sprintf("reasoning call failed: %v", err)
		if errors.Is(err, ErrAnalyzerTimeout) {
			reason = fmt.Sprintf("reasoning call timeout: %v", err)
		}
		d.logger.Warn("falling back to rule-based analysis",
			slog.Int("attempt", attempt), slog.Any("error", err))
		outcome.Degraded = true
		outcome.DegradedReason = reason
		outcome.Hypothesis = d.degradedAnalysis(evidence)
	} else {
		outcome.Hypothesis = *hypothesis
	}

	threshold := d.gate.MinConfidence
	if evidence.Quality >= d.gate.RichEvidenceQuality {
		threshold = d.gate.RichEvidenceConfidence
	}
	if outcome.Hypothesis.Confidence < threshold {
		outcome.NeedsMoreEvidence = true
		outcome.EvidenceGaps = d.evidenceGaps(evidence)
	}
	return outcome
}

func (d *DecisionStep) invoke(ctx context.Context, alert models.Alert, procedure *models.ReferenceProcedure, evidence EvidenceBundle) (*models.Hypothesis, error) {
	if d.analyzer == nil {
		return nil, fmt.Errorf("analyzer not configured: %w", ErrAnalyzerTimeout)
	}
	return d.analyzer.Analyze(ctx, alert, procedure, evidence)
}

// degradedAnalysis is the deterministic fallback used when the reasoning
// collaborator is unavailable: infrastructure explanation first, then a
// keyword scan of the logs, then undetermined at low confidence.
func (d *DecisionStep) degradedAnalysis(evidence EvidenceBundle) models.Hypothesis {
	if evidence.Infra.Score >= d.gate.InfraHighThreshold {
		return d.degradedInfra(evidence)
	}
	if hypothesis, ok := d.degradedKeywordScan(evidence); ok {
		return hypothesis
	}
	return models.Hypothesis{
		Layer:       "undetermined",
		FailureMode: "unknown",
		Confidence:  d.gate.DegradedUndetermined,
		Reasoning:   "rule-based analysis found no dominant infrastructure or application signal",
	}
}

func (d *DecisionStep) degradedInfra(evidence EvidenceBundle) models.Hypothesis {
	mode := "infrastructure_degraded"
	confidence := d.gate.DegradedGeneric
	participant := ""
	specific := false
	citations := make([]string, 0, len(evidence.Infra.CriticalEvents))

	// A specific failure mode discoverable in the findings raises the
	// fallback confidence. The first specific event wins.
	for _, event := range evidence.Infra.CriticalEvents {
		citations = append(citations, fmt.Sprintf("%s: %s", event.Participant, event.Detail))
		if specific {
			continue
		}
		switch event.Kind {
		case models.CriticalOOMKill:
			mode = "OOMKilled"
			confidence = d.gate.DegradedSpecific
			participant = event.Participant
			specific = true
		case models.CriticalPodFailure:
			if strings.Contains(event.Detail, "CrashLoopBackOff") {
				mode = "CrashLoopBackOff"
			} else {
				mode = "PodFailed"
			}
			confidence = d.gate.DegradedSpecific
			participant = event.Participant
			specific = true
		case models.CriticalExcessiveRestarts:
			if participant == "" {
				participant = event.Participant
			}
		}
	}

	return models.Hypothesis{
		Layer:           "infrastructure",
		RootParticipant: participant,
		FailureMode:     mode,
		Confidence:      confidence,
		Citations:       citations,
		Reasoning: fmt.Sprintf("rule-based analysis: infrastructure score %.2f above threshold %.2f",
			evidence.Infra.Score, d.gate.InfraHighThreshold),
	}
}

// degradedKeywordScan looks for known application-layer failure keywords
// in the collected logs, in priority order.
func (d *DecisionStep) degradedKeywordScan(evidence EvidenceBundle) (models.Hypothesis, bool) {
	keywords := []struct {
		keyword string
		mode    string
	}{
		{"timeout", "upstream_timeout"},
		{"auth", "authentication_failure"},
	}

	participants := make([]string, 0, len(evidence.Logs))
	for participant := range evidence.Logs {
		participants = append(participants, participant)
	}
	sort.Strings(participants)

	for _, kw := range keywords {
		for _, participant := range participants {
			for _, entry := range evidence.Logs[participant] {
				if entry.Level != "ERROR" && entry.Level != "FATAL" {
					continue
				}
				if !strings.Contains(strings.ToLower(entry.Text), kw.keyword) {
					continue
				}
				return models.Hypothesis{
					Layer:           "application",
					RootParticipant: participant,
					FailureMode:     kw.mode,
					Confidence:      d.gate.DegradedKeyword,
					Citations:       []string{strings.TrimSpace(entry.Text)},
					Reasoning:       fmt.Sprintf("rule-based analysis: %q keyword found in %s error logs", kw.keyword, participant),
				}, true
			}
		}
	}
	return models.Hypothesis{}, false
}

func (d *DecisionStep) evidenceGaps(evidence EvidenceBundle) []string {
	gaps := make([]string, 0, 4)
	if !evidence.HasMetrics() {
		gaps = append(gaps, "no service metrics collected")
	}
	if !evidence.HasLogs() {
		gaps = append(gaps, "no log evidence collected")
	}
	if !evidence.TracesCollected {
		gaps = append(gaps, "no transaction traces reconstructed")
	}
	if evidence.Quality < d.gate.LowQualityGap {
		gaps = append(gaps, fmt.Sprintf("overall evidence quality low (%.2f)", evidence.Quality))
	}
	if len(gaps) == 0 {
		gaps = append(gaps, "confidence below threshold with no specific evidence gap")
	}
	return gaps
}
