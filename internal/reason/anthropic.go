package reason

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/triagekit/triage-engine/internal/config"
	"github.com/triagekit/triage-engine/internal/engine"
	"github.com/triagekit/triage-engine/internal/models"
)

const systemPrompt = `You are a root-cause analysis engine for a distributed service platform.
You receive an alert, an optional reference procedure, and collected evidence
(infrastructure findings, per-participant metrics and logs, and procedure
deviations). Identify the most likely root cause.

Respond with a single JSON object and nothing else:
{
  "layer": "infrastructure" | "application" | "network" | "undetermined",
  "root_participant": "<participant id or empty>",
  "failure_mode": "<short snake_case or CamelCase failure mode>",
  "confidence": <0.0-1.0>,
  "citations": ["<verbatim evidence lines supporting the conclusion>"],
  "alternatives": [{"layer": "...", "participant": "...", "failure_mode": "...", "confidence": <0.0-1.0>}],
  "reasoning": "<two or three sentences>"
}

Cite only evidence you were given. If the evidence is thin, say so in the
reasoning and lower the confidence rather than inventing detail.`

// Analyzer calls the Anthropic Messages API to produce a structured
// root-cause hypothesis. Implements engine.Analyzer.
type Analyzer struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	timeout   time.Duration
	logger    *slog.Logger
}

// NewAnalyzer constructs an analyzer from reasoner configuration.
func NewAnalyzer(cfg config.ReasonerConfig, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:     anthropic.Model(cfg.Model),
		maxTokens: int64(cfg.MaxTokens),
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Analyze sends the evidence to the model and parses the structured verdict.
// Deadline expiry maps to engine.ErrAnalyzerTimeout so the pipeline can fall
// back to rule-based analysis.
func (a *Analyzer) Analyze(ctx context.Context, alert models.Alert, procedure *models.ReferenceProcedure, evidence engine.EvidenceBundle) (*models.Hypothesis, error) {
	callCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	started := time.Now()
	message, err := a.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(alert, procedure, evidence))),
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", engine.ErrAnalyzerTimeout, time.Since(started).Round(time.Millisecond))
		}
		return nil, fmt.Errorf("reasoning call: %w", err)
	}

	text := extractText(message)
	if text == "" {
		return nil, fmt.Errorf("reasoning call returned no text content")
	}
	hypothesis, err := parseVerdict(text)
	if err != nil {
		a.logger.Warn("unparseable reasoning response", slog.Any("error", err))
		return nil, err
	}
	a.logger.Debug("reasoning call complete",
		slog.Duration("elapsed", time.Since(started)),
		slog.Float64("confidence", hypothesis.Confidence))
	return hypothesis, nil
}

// buildPrompt renders the alert and evidence into the user message. Bulky
// raw evidence is truncated; the model gets the most recent entries.
func buildPrompt(alert models.Alert, procedure *models.ReferenceProcedure, evidence engine.EvidenceBundle) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Alert\nname: %s\nseverity: %s\nfiring_at: %s\n",
		alert.Name, alert.Severity, alert.StartsAt.UTC().Format(time.RFC3339))
	if alert.Description != "" {
		fmt.Fprintf(&b, "description: %s\n", alert.Description)
	}
	for key, value := range alert.Labels {
		fmt.Fprintf(&b, "label %s: %s\n", key, value)
	}

	if procedure != nil {
		fmt.Fprintf(&b, "\n## Reference procedure: %s (%s)\n", procedure.Name, procedure.Category)
		for _, step := range procedure.Steps {
			fmt.Fprintf(&b, "step %d: %s performs %q\n", step.Order, step.Participant, step.Action)
		}
	}

	fmt.Fprintf(&b, "\n## Infrastructure findings\nscore: %.2f\nconcurrent_failures: %d\n",
		evidence.Infra.Score, evidence.Infra.ConcurrentFailures)
	for _, event := range evidence.Infra.CriticalEvents {
		fmt.Fprintf(&b, "critical: [%s] %s: %s\n", event.Kind, event.Participant, event.Detail)
	}
	for pod, count := range evidence.Infra.RestartCounts {
		fmt.Fprintf(&b, "restarts: %s=%d\n", pod, count)
	}
	for pod, phase := range evidence.Infra.PodHealth {
		fmt.Fprintf(&b, "pod_phase: %s=%s\n", pod, phase)
	}

	fmt.Fprintf(&b, "\n## Service metrics\n")
	for participant, samples := range evidence.Metrics {
		for _, sample := range tail(samples, 8) {
			fmt.Fprintf(&b, "%s %s=%.4f at %s\n",
				participant, sample.Report, sample.Value, sample.Timestamp.Format(time.RFC3339))
		}
	}

	fmt.Fprintf(&b, "\n## Logs\n")
	for participant, entries := range evidence.Logs {
		for _, entry := range tail(entries, 15) {
			marker := ""
			if entry.Matched {
				marker = fmt.Sprintf(" [matched step %d: %s]", entry.MatchedOrder, entry.MatchedPattern)
			}
			fmt.Fprintf(&b, "%s [%s]%s %s\n", participant, entry.Level, marker, truncate(entry.Text, 300))
		}
	}

	if len(evidence.Deviations) > 0 {
		fmt.Fprintf(&b, "\n## Procedure deviations\n")
		for _, dev := range evidence.Deviations {
			fmt.Fprintf(&b, "transaction %s step %d: expected %q from %s, observed %q from %s\n",
				dev.TransactionID, dev.Order, dev.Expected, dev.ExpectedParticipant, truncate(dev.Actual, 200), dev.ActualParticipant)
		}
	}

	fmt.Fprintf(&b, "\nEvidence quality: %.2f. Participants in scope: %s.\n",
		evidence.Quality, strings.Join(evidence.Participants, ", "))
	return b.String()
}

type verdict struct {
	Layer           string   `json:"layer"`
	RootParticipant string   `json:"root_participant"`
	FailureMode     string   `json:"failure_mode"`
	Confidence      float64  `json:"confidence"`
	Citations       []string `json:"citations"`
	Alternatives    []struct {
		Layer       string  `json:"layer"`
		Participant string  `json:"participant"`
		FailureMode string  `json:"failure_mode"`
		Confidence  float64 `json:"confidence"`
	} `json:"alternatives"`
	Reasoning string `json:"reasoning"`
}

// parseVerdict decodes the model's JSON verdict, tolerating surrounding
// prose and markdown code fences.
func parseVerdict(text string) (*models.Hypothesis, error) {
	payload := stripFences(text)
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reasoning response")
	}

	var v verdict
	if err := json.Unmarshal([]byte(payload[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("decode reasoning response: %w", err)
	}
	if v.Layer == "" {
		return nil, fmt.Errorf("reasoning response missing layer")
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, fmt.Errorf("reasoning response confidence %.2f out of range", v.Confidence)
	}

	hypothesis := &models.Hypothesis{
		Layer:           v.Layer,
		RootParticipant: v.RootParticipant,
		FailureMode:     v.FailureMode,
		Confidence:      v.Confidence,
		Citations:       v.Citations,
		Reasoning:       v.Reasoning,
	}
	for _, alt := range v.Alternatives {
		hypothesis.Alternatives = append(hypothesis.Alternatives, models.AlternativeHypothesis{
			Layer:       alt.Layer,
			Participant: alt.Participant,
			FailureMode: alt.FailureMode,
			Confidence:  alt.Confidence,
		})
	}
	return hypothesis, nil
}

func extractText(message *anthropic.Message) string {
	var b strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func tail[T any](items []T, max int) []T {
	if len(items) <= max {
		return items
	}
	return items[len(items)-max:]
}
