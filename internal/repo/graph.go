package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/triagekit/triage-engine/internal/cache"
	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/utils"
)

// ProcedureStore persists captured traces and compares them against
// reference procedures held in the graph store. Reads and writes retry on
// transient connectivity errors with exponential backoff; persistent
// failures propagate to the caller.
type ProcedureStore struct {
	querier      GraphQuerier
	cache        cache.Provider
	procedureTTL time.Duration
	maxAttempts  int
	backoffUnit  time.Duration
	logger       *slog.Logger
}

// NewProcedureStore constructs a store over the given querier. Reference
// procedures are read-only during triage, so lookups go through the cache.
func NewProcedureStore(querier GraphQuerier, cacheProvider cache.Provider, procedureTTL time.Duration, maxAttempts int, backoffUnit time.Duration, logger *slog.Logger) *ProcedureStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoffUnit <= 0 {
		backoffUnit = time.Second
	}
	return &ProcedureStore{
		querier:      querier,
		cache:        cacheProvider,
		procedureTTL: procedureTTL,
		maxAttempts:  maxAttempts,
		backoffUnit:  backoffUnit,
		logger:       logger,
	}
}

// HealthCheck verifies the graph store answers queries.
func (s *ProcedureStore) HealthCheck(ctx context.Context) error {
	_, err := s.querier.Query(ctx, "RETURN 1", nil)
	return err
}

// LoadProcedure fetches a reference procedure with its ordered steps.
func (s *ProcedureStore) LoadProcedure(ctx context.Context, name string) (*models.ReferenceProcedure, error) {
	cacheKey := "procedure:" + name
	if data, err := s.cache.Get(ctx, cacheKey); err == nil {
		var cached models.ReferenceProcedure
		if err := json.Unmarshal(data, &cached); err == nil {
			return &cached, nil
		}
	}

	const query = `
MATCH (p:ReferenceProcedure {name: $name})-[:STEP]->(s:Step)
RETURN p.spec, p.category, s.order, s.participant, s.action, s.optional, s.successPattern, s.failurePatterns
ORDER BY s.order`

	result, err := s.execute(ctx, "graph.load_procedure", query, map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, fmt.Errorf("reference procedure %q not found", name)
	}

	procedure := &models.ReferenceProcedure{Name: name}
	seen := make(map[string]struct{})
	for _, row := range result.Rows {
		if len(row) < 8 {
			continue
		}
		if procedure.Spec == "" {
			procedure.Spec = stringValue(row[0])
		}
		if procedure.Category == "" {
			procedure.Category = stringValue(row[1])
		}
		step := models.Step{
			Order:           intValue(row[2]),
			Participant:     stringValue(row[3]),
			Action:          stringValue(row[4]),
			Optional:        boolValue(row[5]),
			SuccessPattern:  stringValue(row[6]),
			FailurePatterns: stringSliceValue(row[7]),
		}
		procedure.Steps = append(procedure.Steps, step)
		if step.Participant != "" {
			if _, ok := seen[step.Participant]; !ok {
				seen[step.Participant] = struct{}{}
				procedure.Participants = append(procedure.Participants, step.Participant)
			}
		}
	}

	if data, err := json.Marshal(procedure); err == nil {
		if err := s.cache.Set(ctx, cacheKey, data, s.procedureTTL); err != nil {
			s.logger.Debug("procedure cache write failed", slog.Any("error", err))
		}
	}
	return procedure, nil
}

// IngestTrace persists one participant's ordered event list under the
// (incidentID, participantID) key. Repeated ingestion creates additional
// records; callers must not double-ingest.
func (s *ProcedureStore) IngestTrace(ctx context.Context, incidentID, participantID string, events []models.ObservedEvent) error {
	eventMaps := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		eventMaps = append(eventMaps, map[string]any{
			"order":       ev.Order,
			"participant": ev.Participant,
			"action":      ev.Action,
			"ts":          ev.Timestamp.UnixNano(),
		})
	}

	const query = `
CREATE (t:CapturedTrace {incidentId: $incident, participant: $participant, createdAt: $created})
WITH t
UNWIND $events AS ev
CREATE (t)-[:EVENT]->(:TraceEvent {order: ev.order, participant: ev.participant, action: ev.action, ts: ev.ts})`

	_, err := s.execute(ctx, "graph.ingest_trace", query, map[string]any{
		"incident":    incidentID,
		"participant": participantID,
		"created":     time.Now().UnixNano(),
		"events":      eventMaps,
	})
	return err
}

// DetectDeviation returns the smallest-order position shared between the
// captured trace and the reference procedure where the observed action text
// does not contain the expected action text, or nil when every shared
// position matches.
func (s *ProcedureStore) DetectDeviation(ctx context.Context, incidentID, participantID, procedureName string) (*models.Deviation, error) {
	const query = `
MATCH (t:CapturedTrace {incidentId: $incident, participant: $participant})-[:EVENT]->(ev:TraceEvent)
MATCH (p:ReferenceProcedure {name: $procedure})-[:STEP]->(ref:Step)
WHERE ev.order = ref.order AND NOT ev.action CONTAINS ref.action
RETURN ev.order, ref.action, ev.action, ref.participant, ev.participant
ORDER BY ev.order
LIMIT 1`

	result, err := s.execute(ctx, "graph.detect_deviation", query, map[string]any{
		"incident":    incidentID,
		"participant": participantID,
		"procedure":   procedureName,
	})
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}

	row := result.Rows[0]
	if len(row) < 5 {
		return nil, fmt.Errorf("deviation row has %d columns, want 5", len(row))
	}
	return &models.Deviation{
		TransactionID:       participantID,
		Order:               intValue(row[0]),
		Expected:            stringValue(row[1]),
		Actual:              stringValue(row[2]),
		ExpectedParticipant: stringValue(row[3]),
		ActualParticipant:   stringValue(row[4]),
	}, nil
}

// Cleanup removes every captured trace for the incident. Traces belonging
// to other incidents are untouched.
func (s *ProcedureStore) Cleanup(ctx context.Context, incidentID string) error {
	const query = `
MATCH (t:CapturedTrace {incidentId: $incident})
OPTIONAL MATCH (t)-[:EVENT]->(ev:TraceEvent)
DETACH DELETE t, ev`

	_, err := s.execute(ctx, "graph.cleanup", query, map[string]any{"incident": incidentID})
	return err
}

// Close releases the underlying graph connection.
func (s *ProcedureStore) Close() error {
	return s.querier.Close()
}

func (s *ProcedureStore) execute(ctx context.Context, op, query string, params map[string]any) (*GraphResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * s.backoffUnit
			s.logger.Warn("graph operation retrying",
				slog.String("op", op), slog.Int("attempt", attempt), slog.Duration("backoff", delay), slog.Any("error", lastErr))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := s.querier.Query(ctx, query, params)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return nil, utils.NewAppError(op, "graph store operation failed", lastErr)
}

// isTransient reports whether an error looks like a connectivity blip worth
// retrying rather than a query or cancellation error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "EOF"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func boolValue(v any) bool {
	b, _ := v.(bool)
	return b
}

func stringSliceValue(v any) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if value == "" {
			return nil
		}
		return strings.Split(value, "|")
	}
	return nil
}
