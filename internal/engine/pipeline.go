package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/triagekit/triage-engine/internal/collectors"
	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

// State identifies where a triage run is in its lifecycle.
type State int

const (
	StateCollecting State = iota
	StateDeciding
	StateRetrying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateDeciding:
		return "deciding"
	case StateRetrying:
		return "retrying"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ProcedureRepo describes the graph-store operations the pipeline needs.
type ProcedureRepo interface {
	LoadProcedure(ctx context.Context, name string) (*models.ReferenceProcedure, error)
	IngestTrace(ctx context.Context, incidentID, participantID string, events []models.ObservedEvent) error
	DetectDeviation(ctx context.Context, incidentID, participantID, procedureName string) (*models.Deviation, error)
	Cleanup(ctx context.Context, incidentID string) error
}

// TelemetrySource describes the evidence backend the pipeline collects from.
type TelemetrySource interface {
	QueryMetrics(ctx context.Context, queries []repo.MetricQuery, at time.Time) []repo.MetricSample
	QueryLogs(ctx context.Context, queries []string, start, end time.Time) []repo.LogRecord
}

// TriageRun is the mutable record of one in-flight triage.
type TriageRun struct {
	IncidentID        string
	Alert             models.Alert
	Procedure         *models.ReferenceProcedure
	ProcedureName     string
	MappingMethod     string
	MappingConfidence float64
	Evidence          EvidenceBundle
	Outcome           DecisionOutcome
	Attempts          int
	StartedAt         time.Time
}

// Pipeline orchestrates a triage run: evidence collection in parallel
// branches, evidence-quality scoring, the gated decision loop, and report
// assembly.
type Pipeline struct {
	logger    *slog.Logger
	telemetry TelemetrySource
	store     ProcedureRepo
	metrics   *collectors.MetricsCollector
	logs      *collectors.LogsCollector
	traces    *collectors.TraceCollector
	infra     *InfraScorer
	quality   *QualityScorer
	decision  *DecisionStep
	rules     *RuleEngine
	cfg       config.TriageConfig
}

// NewPipeline constructs a triage pipeline.
func NewPipeline(
	logger *slog.Logger,
	telemetry TelemetrySource,
	store ProcedureRepo,
	decision *DecisionStep,
	rules *RuleEngine,
	cfg config.TriageConfig,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:    logger,
		telemetry: telemetry,
		store:     store,
		metrics:   collectors.NewMetricsCollector(cfg.Namespace),
		logs:      collectors.NewLogsCollector(cfg.Namespace),
		traces:    collectors.NewTraceCollector(),
		infra:     NewInfraScorer(cfg.Scoring),
		quality:   NewQualityScorer(cfg.Quality),
		decision:  decision,
		rules:     rules,
		cfg:       cfg,
	}
}

// infraBranchResult is the infrastructure branch's contribution to the join.
type infraBranchResult struct {
	findings models.InfraFindings
}

// dataBranchResult is the data-plane branch's contribution to the join.
type dataBranchResult struct {
	metrics         map[string][]repo.MetricSample
	logs            map[string][]collectors.AnnotatedLog
	participants    []string
	deviations      []models.Deviation
	tracesCollected bool
}

// Run executes a full triage for one alert and returns the final report.
// Captured traces are removed from the graph store on the way out whether or
// not the run succeeds.
func (p *Pipeline) Run(ctx context.Context, incidentID string, alert models.Alert) (*models.Report, error) {
	if err := alert.Validate(); err != nil {
		return nil, fmt.Errorf("invalid alert: %w", err)
	}
	if p.telemetry == nil {
		return nil, fmt.Errorf("telemetry source not configured")
	}

	run := &TriageRun{
		IncidentID: incidentID,
		Alert:      alert,
		Attempts:   1,
		StartedAt:  time.Now().UTC(),
	}
	run.ProcedureName, run.MappingMethod, run.MappingConfidence = p.mapProcedure(alert)

	defer func() {
		if p.store == nil || !run.Evidence.TracesCollected {
			return
		}
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.store.Cleanup(cleanupCtx, incidentID); err != nil {
			p.logger.Warn("trace cleanup failed",
				slog.String("incident", incidentID), slog.Any("error", err))
		}
	}()

	state := StateCollecting
	for state != StateDone {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.logger.Debug("triage state",
			slog.String("incident", incidentID), slog.String("state", state.String()), slog.Int("attempt", run.Attempts))

		switch state {
		case StateCollecting:
			if err := p.collect(ctx, run); err != nil {
				return nil, err
			}
			state = StateDeciding

		case StateDeciding:
			run.Outcome = p.decision.Decide(ctx, run.Alert, run.Procedure, run.Evidence, run.Attempts)
			if run.Outcome.NeedsMoreEvidence && run.Attempts < p.cfg.MaxAttempts {
				state = StateRetrying
			} else {
				state = StateDone
			}

		case StateRetrying:
			run.Attempts++
			state = StateDeciding
		}
	}

	return p.finalize(run), nil
}

// collect runs the two evidence branches in parallel and merges their
// disjoint outputs. Each branch tolerates its own backend failures, so
// collect only fails on context cancellation.
func (p *Pipeline) collect(ctx context.Context, run *TriageRun) error {
	run.Procedure = p.loadProcedure(ctx, run.ProcedureName)

	var (
		infraOut infraBranchResult
		dataOut  dataBranchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		infraOut = p.infraBranch(gctx, run.Alert)
		return gctx.Err()
	})
	g.Go(func() error {
		dataOut = p.dataBranch(gctx, run)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	run.Evidence = EvidenceBundle{
		Infra:           infraOut.findings,
		Metrics:         dataOut.metrics,
		Logs:            dataOut.logs,
		Participants:    dataOut.participants,
		Deviations:      dataOut.deviations,
		TracesCollected: dataOut.tracesCollected,
	}
	run.Evidence.Quality = p.quality.Score(
		run.Evidence.HasMetrics(),
		run.Evidence.HasLogs(),
		run.Evidence.TracesCollected,
	)

	p.logger.Info("evidence collected",
		slog.String("incident", run.IncidentID),
		slog.Float64("infra_score", run.Evidence.Infra.Score),
		slog.Float64("quality", run.Evidence.Quality),
		slog.Int("participants", len(run.Evidence.Participants)),
		slog.Int("deviations", len(run.Evidence.Deviations)))
	return nil
}

func (p *Pipeline) loadProcedure(ctx context.Context, name string) *models.ReferenceProcedure {
	if p.store == nil || name == "" {
		return nil
	}
	procedure, err := p.store.LoadProcedure(ctx, name)
	if err != nil {
		p.logger.Warn("reference procedure unavailable, continuing without it",
			slog.String("procedure", name), slog.Any("error", err))
		return nil
	}
	return procedure
}

func (p *Pipeline) infraBranch(ctx context.Context, alert models.Alert) infraBranchResult {
	_, end := alert.Window(p.cfg.Lookback, p.cfg.Lookahead)
	samples := p.telemetry.QueryMetrics(ctx, p.metrics.InfraQueries(), end)
	return infraBranchResult{findings: p.infra.Score(samples)}
}

func (p *Pipeline) dataBranch(ctx context.Context, run *TriageRun) dataBranchResult {
	start, end := run.Alert.Window(p.cfg.Lookback, p.cfg.Lookahead)

	queried := run.Alert.Participants(p.cfg.Participants)
	if len(queried) == 0 {
		queried = p.cfg.Participants
	}

	samples := p.telemetry.QueryMetrics(ctx, p.metrics.ServiceQueries(queried), end)
	records := p.telemetry.QueryLogs(ctx, p.logs.Queries(queried, run.Procedure), start, end)

	out := dataBranchResult{
		metrics: collectors.GroupByParticipant(samples, p.cfg.Participants),
		logs:    p.logs.Organize(records, run.Procedure, p.cfg.Participants),
	}

	out.participants = mergeUnique(queried, collectors.DiscoverParticipants(records, p.cfg.Participants))
	out.deviations, out.tracesCollected = p.traceSubflow(ctx, run, records)
	return out
}

// traceSubflow reconstructs per-transaction traces, persists them, and asks
// the graph store for deviations from the reference procedure. Graph-store
// failures degrade the branch rather than failing the run.
func (p *Pipeline) traceSubflow(ctx context.Context, run *TriageRun, records []repo.LogRecord) ([]models.Deviation, bool) {
	if run.Procedure == nil || p.store == nil {
		return nil, false
	}

	deviations := make([]models.Deviation, 0)
	collected := false
	for _, txnID := range p.traces.DiscoverTransactions(records) {
		events := p.traces.BuildTrace(txnID, records, run.Procedure)
		if len(events) == 0 {
			continue
		}
		if err := p.store.IngestTrace(ctx, run.IncidentID, txnID, events); err != nil {
			p.logger.Warn("trace ingest failed",
				slog.String("incident", run.IncidentID), slog.String("transaction", txnID), slog.Any("error", err))
			continue
		}
		collected = true

		deviation, err := p.store.DetectDeviation(ctx, run.IncidentID, txnID, run.Procedure.Name)
		if err != nil {
			p.logger.Warn("deviation detection failed",
				slog.String("incident", run.IncidentID), slog.String("transaction", txnID), slog.Any("error", err))
			continue
		}
		if deviation != nil {
			deviations = append(deviations, *deviation)
		}
	}
	return deviations, collected
}

// mapProcedure resolves which reference procedure governs the alert. The
// procedure label wins outright; a configured alert-name mapping is next;
// the configured default catches the rest.
func (p *Pipeline) mapProcedure(alert models.Alert) (name, method string, confidence float64) {
	if v := alert.Labels["procedure"]; v != "" {
		return v, "label", 1.0
	}
	if v, ok := p.cfg.ProcedureMap[alert.Name]; ok && v != "" {
		return v, "alertmap", 0.9
	}
	return p.cfg.DefaultProcedure, "default", 0.5
}

// finalize assembles the immutable report snapshot. Pure over the run state.
func (p *Pipeline) finalize(run *TriageRun) *models.Report {
	hypothesis := run.Outcome.Hypothesis
	report := &models.Report{
		IncidentID:        run.IncidentID,
		AlertName:         run.Alert.Name,
		Severity:          run.Alert.Severity,
		Procedure:         run.ProcedureName,
		MappingMethod:     run.MappingMethod,
		MappingConfidence: run.MappingConfidence,

		Layer:           hypothesis.Layer,
		RootParticipant: hypothesis.RootParticipant,
		FailureMode:     hypothesis.FailureMode,
		Confidence:      hypothesis.Confidence,
		Citations:       hypothesis.Citations,
		Alternatives:    hypothesis.Alternatives,
		Reasoning:       hypothesis.Reasoning,

		Degraded:       run.Outcome.Degraded,
		DegradedReason: run.Outcome.DegradedReason,
		Attempts:       run.Attempts,

		InfraScore:      run.Evidence.Infra.Score,
		EvidenceQuality: run.Evidence.Quality,
		Participants:    run.Evidence.Participants,
		Deviations:      run.Evidence.Deviations,
		CriticalEvents:  run.Evidence.Infra.CriticalEvents,
		EvidenceGaps:    run.Outcome.EvidenceGaps,
		Recommendations: p.rules.Recommend(hypothesis),

		CreatedAt: time.Now().UTC(),
	}
	report.Duration = report.CreatedAt.Sub(run.StartedAt)
	return report
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	merged := make([]string, 0, len(base)+len(extra))
	for _, v := range base {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	for _, v := range extra {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		merged = append(merged, v)
	}
	return merged
}
