package logging

import (
	"context"
	"testing"
)

func TestCycleIDRoundTrip(t *testing.T) {
	id := NewCycleID()
	if len(id) != 8 {
		t.Fatalf("expected 8 hex chars, got %q", id)
	}

	ctx := WithCycleID(context.Background(), id)
	if got := CycleID(ctx); got != id {
		t.Fatalf("got %q, want %q", got, id)
	}
}

func TestCycleIDMissing(t *testing.T) {
	if got := CycleID(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestCycleIDsDiffer(t *testing.T) {
	if NewCycleID() == NewCycleID() {
		t.Fatal("cycle ids should not repeat")
	}
}
