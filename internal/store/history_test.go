package store

import (
	"testing"
	"time"
)

func TestAppendAndRecentSamples(t *testing.T) {
	st := testStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := st.AppendSamples([]QuotaSample{{
			AccountID:         "acc-1",
			Model:             "gemini-3-pro",
			RemainingFraction: float64(5-i) / 10,
			Timestamp:         base.Add(time.Duration(i) * time.Minute),
		}})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// Another account's samples must not leak into the query.
	if err := st.AppendSamples([]QuotaSample{{
		AccountID: "acc-2", Model: "credits", RemainingFraction: 0.9, Timestamp: base,
	}}); err != nil {
		t.Fatalf("append other: %v", err)
	}

	samples, err := st.RecentSamples("acc-1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp.After(samples[i-1].Timestamp) {
			t.Fatal("samples must be newest first")
		}
	}
	for _, s := range samples {
		if s.AccountID != "acc-1" {
			t.Fatalf("foreign sample returned: %+v", s)
		}
	}
}

func TestAppendSamplesEmpty(t *testing.T) {
	st := testStore(t)
	if err := st.AppendSamples(nil); err != nil {
		t.Fatalf("empty append must be a no-op: %v", err)
	}
}
