package models

import (
	"testing"
	"time"
)

func TestAlertValidate(t *testing.T) {
	valid := Alert{Name: "SessionSetupFailure", StartsAt: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid alert rejected: %v", err)
	}

	if err := (Alert{StartsAt: time.Now()}).Validate(); err == nil {
		t.Fatalf("expected error for missing name")
	}
	if err := (Alert{Name: "  ", StartsAt: time.Now()}).Validate(); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if err := (Alert{Name: "X"}).Validate(); err == nil {
		t.Fatalf("expected error for zero firing timestamp")
	}
}

func TestAlertResolved(t *testing.T) {
	start := time.Now()
	firing := Alert{Name: "X", StartsAt: start}
	if firing.Resolved() {
		t.Fatalf("zero endsAt means still firing")
	}
	resolved := Alert{Name: "X", StartsAt: start, EndsAt: start.Add(time.Minute)}
	if !resolved.Resolved() {
		t.Fatalf("endsAt after startsAt means resolved")
	}
}

func TestAlertWindow(t *testing.T) {
	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	alert := Alert{Name: "X", StartsAt: start}

	lo, hi := alert.Window(5*time.Minute, time.Minute)
	if !lo.Equal(start.Add(-5 * time.Minute)) {
		t.Fatalf("unexpected window start: %v", lo)
	}
	if !hi.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected window end: %v", hi)
	}
}

func TestPrimaryParticipant(t *testing.T) {
	known := []string{"gateway", "auth-service"}

	labelled := Alert{Labels: map[string]string{"participant": " auth-service , gateway"}}
	if got := labelled.PrimaryParticipant(known); got != "auth-service" {
		t.Fatalf("expected first labelled participant, got %q", got)
	}

	podOnly := Alert{Labels: map[string]string{"pod": "gateway-0a11f"}}
	if got := podOnly.PrimaryParticipant(known); got != "gateway" {
		t.Fatalf("expected pod prefix match, got %q", got)
	}

	unknown := Alert{Labels: map[string]string{"pod": "mystery-1"}}
	if got := unknown.PrimaryParticipant(known); got != "" {
		t.Fatalf("expected empty for unknown pod, got %q", got)
	}
}

func TestParticipants(t *testing.T) {
	known := []string{"gateway"}

	multi := Alert{Labels: map[string]string{"participant": "gateway, auth-service"}}
	got := multi.Participants(known)
	if len(got) != 2 || got[0] != "gateway" || got[1] != "auth-service" {
		t.Fatalf("unexpected participants: %v", got)
	}

	empty := Alert{Labels: map[string]string{}}
	if got := empty.Participants(known); got != nil {
		t.Fatalf("expected nil for label-free alert, got %v", got)
	}
}
