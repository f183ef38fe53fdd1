package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()

	if _, err := provider.Get(ctx, "missing"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}

	if err := provider.Set(ctx, "proc:session-establishment", []byte(`{"name":"x"}`), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, err := provider.Get(ctx, "proc:session-establishment")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != `{"name":"x"}` {
		t.Fatalf("unexpected value: %s", got)
	}

	if err := provider.Del(ctx, "proc:session-establishment"); err != nil {
		t.Fatalf("del failed: %v", err)
	}
	if _, err := provider.Get(ctx, "proc:session-establishment"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}

func TestMemoryProviderTTLExpiry(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()

	if err := provider.Set(ctx, "k", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := provider.Get(ctx, "k"); err != nil {
		t.Fatalf("value expired too early: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := provider.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestMemoryProviderCopiesValue(t *testing.T) {
	ctx := context.Background()
	provider := NewMemoryProvider()

	src := []byte("original")
	if err := provider.Set(ctx, "k", src, 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	src[0] = 'X'

	got, err := provider.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored value aliases caller buffer: %s", got)
	}
}

func TestNoopProviderAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	var provider Provider = NoopProvider{}

	if err := provider.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("noop set should not fail: %v", err)
	}
	if _, err := provider.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop cache must always miss, got %v", err)
	}
	if err := provider.Del(ctx, "k"); err != nil {
		t.Fatalf("noop del should not fail: %v", err)
	}
	if err := provider.Close(); err != nil {
		t.Fatalf("noop close should not fail: %v", err)
	}
}
