//go:build integration

package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/triagekit/triage-engine/internal/cache"
	"github.com/triagekit/triage-engine/internal/models"
)

// startGraphStore boots a throwaway FalkorDB container and returns a store
// connected to a unique graph for this test.
func startGraphStore(t *testing.T) (*ProcedureStore, GraphQuerier) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "falkordb/falkordb:latest",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
			AutoRemove:   true,
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start falkordb container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	querier, err := NewFalkorQuerier(FalkorConfig{
		Host:        host,
		Port:        port.Int(),
		GraphName:   fmt.Sprintf("triage-test-%s", uuid.NewString()[:8]),
		PoolSize:    2,
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("connect graph store: %v", err)
	}

	store := NewProcedureStore(querier, cache.NoopProvider{}, 0, 3, 100*time.Millisecond, nil)
	t.Cleanup(func() { _ = store.Close() })

	// The container may accept connections before it answers queries.
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err := store.HealthCheck(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("graph store not ready within deadline")
		}
		time.Sleep(500 * time.Millisecond)
	}
	return store, querier
}

func seedProcedure(t *testing.T, querier GraphQuerier, name string, steps []models.Step) {
	t.Helper()
	stepMaps := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		stepMaps = append(stepMaps, map[string]any{
			"order":       s.Order,
			"participant": s.Participant,
			"action":      s.Action,
		})
	}

	const query = `
CREATE (p:ReferenceProcedure {name: $name, spec: 'signaling', category: 'session'})
WITH p
UNWIND $steps AS st
CREATE (p)-[:STEP]->(:Step {order: st.order, participant: st.participant, action: st.action, optional: false, successPattern: '', failurePatterns: ''})`

	if _, err := querier.Query(context.Background(), query, map[string]any{"name": name, "steps": stepMaps}); err != nil {
		t.Fatalf("seed procedure: %v", err)
	}
}

func sessionSteps() []models.Step {
	return []models.Step{
		{Order: 5, Participant: "gateway", Action: "Session request"},
		{Order: 9, Participant: "auth-service", Action: "Authentication"},
		{Order: 12, Participant: "registry", Action: "Registration accepted"},
	}
}

// Containment is the comparison, not equality: an observed action that
// contains the expected text matches even when the surrounding words signal
// a failure.
func TestDetectDeviationContainmentMatches(t *testing.T) {
	store, querier := startGraphStore(t)
	seedProcedure(t, querier, "session-establishment", sessionSteps())
	ctx := context.Background()
	now := time.Now().UTC()

	events := []models.ObservedEvent{
		{Order: 5, Participant: "gateway", Action: "Session request forwarded to core", Timestamp: now},
		{Order: 9, Participant: "auth-service", Action: "Authentication FAILED - SUCI decryption error", Timestamp: now.Add(time.Second)},
		{Order: 12, Participant: "registry", Action: "Registration accepted by registry", Timestamp: now.Add(2 * time.Second)},
	}
	if err := store.IngestTrace(ctx, "inc-contain", "txn-1", events); err != nil {
		t.Fatalf("ingest trace: %v", err)
	}

	deviation, err := store.DetectDeviation(ctx, "inc-contain", "txn-1", "session-establishment")
	if err != nil {
		t.Fatalf("detect deviation: %v", err)
	}
	if deviation != nil {
		t.Fatalf("every observed action contains its expected text, got deviation %+v", deviation)
	}
}

func TestDetectDeviationSmallestOrderWins(t *testing.T) {
	store, querier := startGraphStore(t)
	seedProcedure(t, querier, "session-establishment", sessionSteps())
	ctx := context.Background()
	now := time.Now().UTC()

	// Orders 9 and 12 both mismatch; the detector must report order 9.
	events := []models.ObservedEvent{
		{Order: 5, Participant: "gateway", Action: "Session request forwarded to core", Timestamp: now},
		{Order: 9, Participant: "auth-service", Action: "Ciphering mode command rejected", Timestamp: now.Add(time.Second)},
		{Order: 12, Participant: "registry", Action: "Registration rejected - policy denied", Timestamp: now.Add(2 * time.Second)},
	}
	if err := store.IngestTrace(ctx, "inc-order", "txn-2", events); err != nil {
		t.Fatalf("ingest trace: %v", err)
	}

	deviation, err := store.DetectDeviation(ctx, "inc-order", "txn-2", "session-establishment")
	if err != nil {
		t.Fatalf("detect deviation: %v", err)
	}
	if deviation == nil {
		t.Fatalf("expected a deviation for the mismatched trace")
	}
	if deviation.Order != 9 {
		t.Fatalf("expected smallest mismatched order 9, got %d", deviation.Order)
	}
	if deviation.Expected != "Authentication" {
		t.Fatalf("unexpected expected action: %q", deviation.Expected)
	}
	if deviation.Actual != "Ciphering mode command rejected" {
		t.Fatalf("unexpected observed action: %q", deviation.Actual)
	}
	if deviation.ExpectedParticipant != "auth-service" {
		t.Fatalf("unexpected expected participant: %q", deviation.ExpectedParticipant)
	}
}

func TestCleanupRemovesOnlyOwnIncident(t *testing.T) {
	store, querier := startGraphStore(t)
	seedProcedure(t, querier, "session-establishment", sessionSteps())
	ctx := context.Background()
	now := time.Now().UTC()

	mismatch := []models.ObservedEvent{
		{Order: 9, Participant: "auth-service", Action: "Ciphering mode command rejected", Timestamp: now},
	}
	if err := store.IngestTrace(ctx, "inc-a", "txn-a", mismatch); err != nil {
		t.Fatalf("ingest inc-a: %v", err)
	}
	if err := store.IngestTrace(ctx, "inc-b", "txn-b", mismatch); err != nil {
		t.Fatalf("ingest inc-b: %v", err)
	}

	if err := store.Cleanup(ctx, "inc-a"); err != nil {
		t.Fatalf("cleanup inc-a: %v", err)
	}

	gone, err := store.DetectDeviation(ctx, "inc-a", "txn-a", "session-establishment")
	if err != nil {
		t.Fatalf("detect after cleanup: %v", err)
	}
	if gone != nil {
		t.Fatalf("cleaned-up incident should have no trace rows, got %+v", gone)
	}

	kept, err := store.DetectDeviation(ctx, "inc-b", "txn-b", "session-establishment")
	if err != nil {
		t.Fatalf("detect surviving incident: %v", err)
	}
	if kept == nil || kept.Order != 9 {
		t.Fatalf("other incident's trace must survive cleanup, got %+v", kept)
	}
}
