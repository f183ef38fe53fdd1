package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/triagekit/triage-engine/internal/models"
)

// RuleEngine maps a finalized hypothesis to remediation recommendations via
// an operator-editable rule pack.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty attributes
// match anything.
type RuleMatch struct {
	Layer               string `yaml:"layer"`
	Participant         string `yaml:"participant"`
	FailureModeContains string `yaml:"failure_mode_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// NewRuleEngine loads rules from the provided path. If path is empty or the
// file is absent, returns a nil engine.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend produces remediation recommendations for the hypothesis.
func (e *RuleEngine) Recommend(hypothesis models.Hypothesis) []string {
	if e == nil {
		return defaultRecommendations()
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if rule.Match.Layer != "" && !strings.EqualFold(rule.Match.Layer, hypothesis.Layer) {
			continue
		}
		if rule.Match.Participant != "" && !strings.EqualFold(rule.Match.Participant, hypothesis.RootParticipant) {
			continue
		}
		if kw := rule.Match.FailureModeContains; kw != "" {
			if !strings.Contains(strings.ToLower(hypothesis.FailureMode), strings.ToLower(kw)) {
				continue
			}
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	if len(matched) == 0 {
		return defaultRecommendations()
	}
	return matched
}

func defaultRecommendations() []string {
	return []string{
		"Review recent deployments for regressions",
		"Check upstream dependencies for correlated errors",
	}
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
