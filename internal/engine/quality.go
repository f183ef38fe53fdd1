package engine

import "github.com/triagekit/triage-engine/internal/config"

// QualityScorer maps the presence of each evidence category to a fixed
// quality score. A lookup table, not a formula: the eight combinations are
// ordered by how informative the composition is for root-cause analysis.
type QualityScorer struct {
	table config.QualityConfig
}

// NewQualityScorer constructs a scorer over the configured lookup table.
func NewQualityScorer(table config.QualityConfig) *QualityScorer {
	return &QualityScorer{table: table}
}

// Score returns the quality value for the given evidence composition.
// Callers must treat empty containers as absent before calling.
func (s *QualityScorer) Score(hasMetrics, hasLogs, hasTraces bool) float64 {
	switch {
	case hasMetrics && hasLogs && hasTraces:
		return s.table.AllSources
	case hasTraces && (hasMetrics || hasLogs):
		return s.table.TracesPlusOne
	case hasMetrics && hasLogs:
		return s.table.MetricsLogs
	case hasTraces:
		return s.table.TracesOnly
	case hasMetrics:
		return s.table.MetricsOnly
	case hasLogs:
		return s.table.LogsOnly
	default:
		return s.table.None
	}
}
