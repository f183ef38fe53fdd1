package engine

import (
	"context"
	"testing"
	"time"

	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

type fakeTelemetry struct {
	samples []repo.MetricSample
	records []repo.LogRecord
}

func (f *fakeTelemetry) QueryMetrics(ctx context.Context, queries []repo.MetricQuery, at time.Time) []repo.MetricSample {
	return f.samples
}

func (f *fakeTelemetry) QueryLogs(ctx context.Context, queries []string, start, end time.Time) []repo.LogRecord {
	return f.records
}

type fakeStore struct {
	procedure    *models.ReferenceProcedure
	loadErr      error
	deviation    *models.Deviation
	ingests      int
	detections   int
	cleanupCalls int
}

func (f *fakeStore) LoadProcedure(ctx context.Context, name string) (*models.ReferenceProcedure, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.procedure, nil
}

func (f *fakeStore) IngestTrace(ctx context.Context, incidentID, participantID string, events []models.ObservedEvent) error {
	f.ingests++
	return nil
}

func (f *fakeStore) DetectDeviation(ctx context.Context, incidentID, participantID, procedureName string) (*models.Deviation, error) {
	f.detections++
	return f.deviation, nil
}

func (f *fakeStore) Cleanup(ctx context.Context, incidentID string) error {
	f.cleanupCalls++
	return nil
}

func testTriageConfig() config.TriageConfig {
	return config.TriageConfig{
		MaxAttempts:      2,
		Lookback:         5 * time.Minute,
		Lookahead:        time.Minute,
		Participants:     []string{"gateway", "session-manager", "auth-service"},
		Namespace:        "core",
		DefaultProcedure: "session-establishment",
		ProcedureMap:     map[string]string{"AuthFailureSpike": "client-authentication"},
		Scoring:          testScoring(),
		Quality:          testQuality(),
		Gate:             testGate(),
	}
}

func testProcedure() *models.ReferenceProcedure {
	return &models.ReferenceProcedure{
		Name:     "session-establishment",
		Spec:     "CORE-SESSION-1",
		Category: "session",
		Steps: []models.Step{
			{Order: 1, Participant: "gateway", Action: "forwarding session request", SuccessPattern: "forwarding session request*"},
			{Order: 2, Participant: "auth-service", Action: "credential validation", FailurePatterns: []string{"*validation failed*"}},
		},
		Participants: []string{"gateway", "auth-service"},
	}
}

func firingAlert() models.Alert {
	return models.Alert{
		Name:     "SessionSetupFailure",
		Severity: "critical",
		Labels:   map[string]string{"participant": "gateway,auth-service"},
		StartsAt: time.Now().Add(-2 * time.Minute),
	}
}

func testRecords() []repo.LogRecord {
	base := time.Now().Add(-3 * time.Minute)
	return []repo.LogRecord{
		{Timestamp: base, Participant: "gateway-0a11f", Text: "INFO txn=9f3a-42 forwarding session request to session-manager", Level: "INFO"},
		{Timestamp: base.Add(10 * time.Second), Participant: "auth-service-7f9c4", Text: "ERROR txn=9f3a-42 credential validation failed", Level: "ERROR"},
	}
}

func TestPipelineRunHappyPath(t *testing.T) {
	telemetry := &fakeTelemetry{
		samples: []repo.MetricSample{{Participant: "auth-service-7f9c4", Report: "error_rate", Value: 0.4}},
		records: testRecords(),
	}
	store := &fakeStore{
		procedure: testProcedure(),
		deviation: &models.Deviation{TransactionID: "9f3a-42", Order: 2, Expected: "credential validation", Actual: "credential validation failed"},
	}
	analyzer := &fakeAnalyzer{hypothesis: &models.Hypothesis{
		Layer: "application", RootParticipant: "auth-service", FailureMode: "authentication_failure", Confidence: 0.9,
	}}
	pipeline := NewPipeline(nil, telemetry, store, NewDecisionStep(analyzer, testGate(), nil), nil, testTriageConfig())

	report, err := pipeline.Run(context.Background(), "inc-1", firingAlert())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if report.Attempts != 1 {
		t.Fatalf("expected a single decision attempt, got %d", report.Attempts)
	}
	if report.Procedure != "session-establishment" || report.MappingMethod != "default" {
		t.Fatalf("unexpected mapping: %s via %s", report.Procedure, report.MappingMethod)
	}
	if report.FailureMode != "authentication_failure" || report.Confidence != 0.9 {
		t.Fatalf("unexpected verdict: %+v", report)
	}
	if report.EvidenceQuality != 0.95 {
		t.Fatalf("expected all-sources quality 0.95, got %.2f", report.EvidenceQuality)
	}
	if len(report.Deviations) != 1 || report.Deviations[0].TransactionID != "9f3a-42" {
		t.Fatalf("expected one deviation for txn 9f3a-42, got %+v", report.Deviations)
	}
	if store.ingests != 1 || store.detections != 1 {
		t.Fatalf("expected one ingest and one detection, got %d/%d", store.ingests, store.detections)
	}
	if store.cleanupCalls != 1 {
		t.Fatalf("expected trace cleanup after the run, got %d calls", store.cleanupCalls)
	}
	if len(report.Recommendations) == 0 {
		t.Fatalf("expected default recommendations with no rule pack")
	}
}

func TestPipelineRetriesUpToMaxAttempts(t *testing.T) {
	telemetry := &fakeTelemetry{records: testRecords()}
	store := &fakeStore{procedure: testProcedure()}
	analyzer := &fakeAnalyzer{hypothesis: &models.Hypothesis{Layer: "application", Confidence: 0.3}}
	pipeline := NewPipeline(nil, telemetry, store, NewDecisionStep(analyzer, testGate(), nil), nil, testTriageConfig())

	report, err := pipeline.Run(context.Background(), "inc-2", firingAlert())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Attempts != 2 {
		t.Fatalf("expected retry up to max attempts 2, got %d", report.Attempts)
	}
	if analyzer.calls != 2 {
		t.Fatalf("expected two analyzer invocations, got %d", analyzer.calls)
	}
	if len(report.EvidenceGaps) == 0 {
		t.Fatalf("expected evidence gaps on a low-confidence final verdict")
	}
}

func TestPipelineToleratesMissingProcedure(t *testing.T) {
	telemetry := &fakeTelemetry{
		samples: []repo.MetricSample{{Participant: "gateway-0a11f", Report: "error_rate", Value: 0.1}},
		records: testRecords(),
	}
	store := &fakeStore{loadErr: context.DeadlineExceeded}
	analyzer := &fakeAnalyzer{hypothesis: &models.Hypothesis{Layer: "application", Confidence: 0.9}}
	pipeline := NewPipeline(nil, telemetry, store, NewDecisionStep(analyzer, testGate(), nil), nil, testTriageConfig())

	report, err := pipeline.Run(context.Background(), "inc-3", firingAlert())
	if err != nil {
		t.Fatalf("run should tolerate procedure load failure: %v", err)
	}
	if report.EvidenceQuality != 0.80 {
		t.Fatalf("expected metrics+logs quality 0.80 without traces, got %.2f", report.EvidenceQuality)
	}
	if store.ingests != 0 {
		t.Fatalf("no traces should be ingested without a procedure")
	}
	if store.cleanupCalls != 0 {
		t.Fatalf("cleanup should be skipped when nothing was ingested")
	}
}

func TestPipelineRejectsInvalidAlert(t *testing.T) {
	pipeline := NewPipeline(nil, &fakeTelemetry{}, &fakeStore{}, NewDecisionStep(&fakeAnalyzer{}, testGate(), nil), nil, testTriageConfig())
	if _, err := pipeline.Run(context.Background(), "inc-4", models.Alert{}); err == nil {
		t.Fatalf("expected validation error for empty alert")
	}
}

func TestMapProcedure(t *testing.T) {
	pipeline := NewPipeline(nil, &fakeTelemetry{}, &fakeStore{}, NewDecisionStep(&fakeAnalyzer{}, testGate(), nil), nil, testTriageConfig())

	name, method, conf := pipeline.mapProcedure(models.Alert{Name: "Anything", Labels: map[string]string{"procedure": "custom-flow"}})
	if name != "custom-flow" || method != "label" || conf != 1.0 {
		t.Fatalf("label mapping failed: %s/%s/%.1f", name, method, conf)
	}

	name, method, conf = pipeline.mapProcedure(models.Alert{Name: "AuthFailureSpike", Labels: map[string]string{}})
	if name != "client-authentication" || method != "alertmap" || conf != 0.9 {
		t.Fatalf("alertmap mapping failed: %s/%s/%.1f", name, method, conf)
	}

	name, method, conf = pipeline.mapProcedure(models.Alert{Name: "UnknownAlert", Labels: map[string]string{}})
	if name != "session-establishment" || method != "default" || conf != 0.5 {
		t.Fatalf("default mapping failed: %s/%s/%.1f", name, method, conf)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateCollecting: "collecting",
		StateDeciding:   "deciding",
		StateRetrying:   "retrying",
		StateDone:       "done",
	} {
		if state.String() != want {
			t.Fatalf("state %d: expected %q, got %q", int(state), want, state.String())
		}
	}
}
