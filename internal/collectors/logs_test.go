package collectors

import (
	"strings"
	"testing"

	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

func TestWildcardMatch(t *testing.T) {
	cases := []struct {
		pattern string
		text    string
		want    bool
	}{
		{"*validation failed*", "ERROR credential validation failed for client", true},
		{"*validation failed*", "ERROR VALIDATION FAILED", true},
		{"*auth*fail*", "auth handshake did fail", true},
		{"*auth*fail*", "handshake ok", false},
		{"token issued*", "token issued for session 42", true},
		{"plain text", "contains plain text somewhere", true},
		{"a+b", "literal a+b chars", true},
	}
	for _, tc := range cases {
		if got := WildcardMatch(tc.pattern, tc.text); got != tc.want {
			t.Fatalf("WildcardMatch(%q, %q): expected %v, got %v", tc.pattern, tc.text, tc.want, got)
		}
	}
}

func TestLogsCollectorQueries(t *testing.T) {
	collector := NewLogsCollector("core")
	procedure := &models.ReferenceProcedure{
		Name: "session-establishment",
		Steps: []models.Step{
			{Order: 1, Participant: "gateway", Action: "forward"},
			{Order: 2, Participant: "auth-service", Action: "validate", FailurePatterns: []string{"*validation failed*"}},
		},
	}

	queries := collector.Queries([]string{"gateway", "auth-service"}, procedure)
	// one severity sweep per participant plus one failure-pattern query
	if len(queries) != 3 {
		t.Fatalf("expected 3 queries, got %d: %v", len(queries), queries)
	}
	for _, q := range queries {
		if !strings.Contains(q, `namespace="core"`) {
			t.Fatalf("query missing namespace selector: %s", q)
		}
	}
}

func TestOrganizeGroupsAndAnnotates(t *testing.T) {
	collector := NewLogsCollector("core")
	known := []string{"gateway", "auth-service"}
	procedure := &models.ReferenceProcedure{
		Steps: []models.Step{
			{Order: 2, Participant: "auth-service", Action: "validate", FailurePatterns: []string{"*validation failed*"}},
		},
	}
	records := []repo.LogRecord{
		{Participant: "auth-service-7f9c4", Text: "ERROR credential validation failed", Level: "ERROR"},
		{Participant: "gateway-0a11f", Text: "INFO request forwarded", Level: "INFO"},
	}

	grouped := collector.Organize(records, procedure, known)
	if len(grouped["auth-service"]) != 1 || len(grouped["gateway"]) != 1 {
		t.Fatalf("grouping failed: %+v", grouped)
	}

	annotated := grouped["auth-service"][0]
	if !annotated.Matched || annotated.MatchedOrder != 2 {
		t.Fatalf("expected failure-pattern annotation at order 2, got %+v", annotated)
	}
	if grouped["gateway"][0].Matched {
		t.Fatalf("unmatched line should not be annotated")
	}
}
