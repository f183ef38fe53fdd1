package models

import (
	"fmt"
	"strings"
	"time"
)

// Alert is an inbound alert event as delivered by the monitoring stack.
// Immutable once received.
type Alert struct {
	Name        string
	Severity    string
	Labels      map[string]string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
}

// Validate rejects alerts that cannot drive a triage run.
func (a Alert) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("alert name is required")
	}
	if a.StartsAt.IsZero() {
		return fmt.Errorf("alert %q has no firing timestamp", a.Name)
	}
	return nil
}

// Resolved reports whether the alert has stopped firing. Alertmanager uses
// the zero time as the "still firing" sentinel for endsAt.
func (a Alert) Resolved() bool {
	return !a.EndsAt.IsZero() && a.EndsAt.After(a.StartsAt)
}

// Window returns the evidence-collection window around the firing timestamp.
func (a Alert) Window(lookback, lookahead time.Duration) (time.Time, time.Time) {
	return a.StartsAt.Add(-lookback), a.StartsAt.Add(lookahead)
}

// PrimaryParticipant resolves the participant an alert points at. The
// participant label may carry a comma-separated list; the first entry wins.
// Without the label, the pod name prefix is matched against the known
// participant identifiers.
func (a Alert) PrimaryParticipant(known []string) string {
	if v := a.Labels["participant"]; v != "" {
		parts := strings.Split(v, ",")
		return strings.TrimSpace(parts[0])
	}
	pod := a.Labels["pod"]
	if pod == "" {
		return ""
	}
	for _, id := range known {
		if strings.HasPrefix(pod, id) {
			return id
		}
	}
	return ""
}

// Participants lists every participant named by the alert labels, falling
// back to PrimaryParticipant when the label is absent.
func (a Alert) Participants(known []string) []string {
	if v := a.Labels["participant"]; v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	if p := a.PrimaryParticipant(known); p != "" {
		return []string{p}
	}
	return nil
}
