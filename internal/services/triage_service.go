package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triagekit/triage-engine/internal/metrics"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/utils"
)

// Run lifecycle states exposed to API consumers.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// TriagePipeline is the orchestration entry point the service drives.
type TriagePipeline interface {
	Run(ctx context.Context, incidentID string, alert models.Alert) (*models.Report, error)
}

// RunRecord is the externally visible state of one triage run.
type RunRecord struct {
	IncidentID string
	AlertName  string
	Status     string
	Report     *models.Report
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// TriageService accepts alerts, runs triage asynchronously, and keeps the
// resulting reports addressable by incident ID.
type TriageService struct {
	logger     *slog.Logger
	pipeline   TriagePipeline
	runTimeout time.Duration
	latencies  *utils.LatencyTracker

	mu   sync.RWMutex
	runs map[string]*RunRecord
}

// NewTriageService constructs the service facade. runTimeout bounds each
// background run; zero means no bound.
func NewTriageService(logger *slog.Logger, pipeline TriagePipeline, runTimeout time.Duration) *TriageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TriageService{
		logger:     logger,
		pipeline:   pipeline,
		runTimeout: runTimeout,
		latencies:  utils.NewLatencyTracker(1024),
		runs:       make(map[string]*RunRecord),
	}
}

// Start registers a new run for the alert and triages it in the background.
// Returns the incident ID immediately.
func (s *TriageService) Start(alert models.Alert) string {
	incidentID := uuid.NewString()
	record := &RunRecord{
		IncidentID: incidentID,
		AlertName:  alert.Name,
		Status:     StatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[incidentID] = record
	s.mu.Unlock()

	go s.execute(incidentID, alert)
	return incidentID
}

// Execute triages the alert synchronously under the given context and
// records the outcome. Exposed for callers that want to block on the result.
func (s *TriageService) Execute(ctx context.Context, incidentID string, alert models.Alert) (*models.Report, error) {
	start := time.Now()
	report, err := s.pipeline.Run(ctx, incidentID, alert)
	duration := time.Since(start)

	s.mu.Lock()
	record, ok := s.runs[incidentID]
	if !ok {
		record = &RunRecord{IncidentID: incidentID, AlertName: alert.Name, StartedAt: start.UTC()}
		s.runs[incidentID] = record
	}
	record.FinishedAt = time.Now().UTC()
	if err != nil {
		record.Status = StatusFailed
		record.Error = err.Error()
	} else {
		record.Status = StatusDone
		record.Report = report
	}
	s.mu.Unlock()

	if err != nil {
		metrics.ObserveRun(duration, metrics.OutcomeError, false, 0, 0)
		s.logger.Error("triage run failed",
			slog.String("incident", incidentID), slog.String("alert", alert.Name), slog.Any("error", err))
		return nil, err
	}

	metrics.ObserveRun(duration, metrics.OutcomeSuccess, report.Degraded, report.Attempts, report.EvidenceQuality)
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("triage latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
	s.logger.Info("triage run complete",
		slog.String("incident", incidentID),
		slog.String("alert", alert.Name),
		slog.String("layer", report.Layer),
		slog.String("failure_mode", report.FailureMode),
		slog.Float64("confidence", report.Confidence),
		slog.Bool("degraded", report.Degraded),
		slog.Duration("duration", duration))
	return report, nil
}

func (s *TriageService) execute(incidentID string, alert models.Alert) {
	ctx := context.Background()
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}
	_, _ = s.Execute(ctx, incidentID, alert)
}

// Get returns the run record for an incident ID.
func (s *TriageService) Get(incidentID string) (*RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.runs[incidentID]
	if !ok {
		return nil, false
	}
	snapshot := *record
	return &snapshot, true
}

// List returns every known run record, newest first.
func (s *TriageService) List() []*RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*RunRecord, 0, len(s.runs))
	for _, record := range s.runs {
		snapshot := *record
		records = append(records, &snapshot)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].StartedAt.After(records[j].StartedAt) })
	return records
}

// Reports returns the reports of every completed run.
func (s *TriageService) Reports() []*models.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports := make([]*models.Report, 0, len(s.runs))
	for _, record := range s.runs {
		if record.Status == StatusDone && record.Report != nil {
			reports = append(reports, record.Report)
		}
	}
	return reports
}

// LatencyP95 returns the current p95 triage latency.
func (s *TriageService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}
