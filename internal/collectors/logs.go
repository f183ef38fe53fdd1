package collectors

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/triagekit/triage-engine/internal/models"
	"github.com/triagekit/triage-engine/internal/repo"
)

// AnnotatedLog is a fetched log record plus the reference step it matched,
// if any.
type AnnotatedLog struct {
	repo.LogRecord
	MatchedOrder   int
	MatchedPattern string
	Matched        bool
}

// LogsCollector builds log queries for a triage run and annotates the
// results against the reference procedure's step patterns.
type LogsCollector struct {
	namespace string
}

// NewLogsCollector constructs a collector scoped to one namespace.
func NewLogsCollector(namespace string) *LogsCollector {
	return &LogsCollector{namespace: namespace}
}

// Queries builds the per-participant log queries: a base severity sweep
// plus one query per failure pattern owned by the participant's steps.
func (c *LogsCollector) Queries(participants []string, procedure *models.ReferenceProcedure) []string {
	queries := make([]string, 0, len(participants))
	for _, p := range participants {
		selector := fmt.Sprintf(`{namespace=%q, pod=~"%s.*"}`, c.namespace, p)
		queries = append(queries, selector+` |~ "(?i)(error|warn|fatal)"`)

		if procedure == nil {
			continue
		}
		for _, step := range procedure.Steps {
			if step.Participant != p {
				continue
			}
			for _, pattern := range step.FailurePatterns {
				queries = append(queries, fmt.Sprintf(`%s |~ %q`, selector, wildcardToRegex(pattern)))
			}
		}
	}
	return queries
}

// Organize groups records by canonical participant and annotates each with
// the first matching step failure pattern.
func (c *LogsCollector) Organize(records []repo.LogRecord, procedure *models.ReferenceProcedure, known []string) map[string][]AnnotatedLog {
	grouped := make(map[string][]AnnotatedLog)
	for _, record := range records {
		participant := CanonicalParticipant(record.Participant, known)
		if participant == "" {
			continue
		}
		entry := AnnotatedLog{LogRecord: record}
		if procedure != nil {
			if order, pattern, ok := matchStep(record.Text, procedure.Steps); ok {
				entry.MatchedOrder = order
				entry.MatchedPattern = pattern
				entry.Matched = true
			}
		}
		grouped[participant] = append(grouped[participant], entry)
	}
	return grouped
}

func matchStep(text string, steps []models.Step) (int, string, bool) {
	for _, step := range steps {
		for _, pattern := range step.FailurePatterns {
			if WildcardMatch(pattern, text) {
				return step.Order, pattern, true
			}
		}
		if step.SuccessPattern != "" && WildcardMatch(step.SuccessPattern, text) {
			return step.Order, step.SuccessPattern, true
		}
	}
	return 0, "", false
}

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// WildcardMatch reports whether text matches a `*` wildcard pattern,
// case-insensitively and anywhere in the string.
func WildcardMatch(pattern, text string) bool {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()

	if !ok {
		compiled, err := regexp.Compile("(?i)" + wildcardToRegex(pattern))
		if err != nil {
			return false
		}
		patternMu.Lock()
		patternCache[pattern] = compiled
		patternMu.Unlock()
		re = compiled
	}
	return re.MatchString(text)
}

// wildcardToRegex converts a `*` wildcard pattern into a regular
// expression, escaping everything else.
func wildcardToRegex(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return strings.Join(parts, ".*")
}
