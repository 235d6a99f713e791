package quota

import (
	"context"
	"testing"
	"time"

	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/store"
)

// fakeClock returns a fixed instant, advanced explicitly between assertions.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeQueueDepth struct{ n int }

func (f *fakeQueueDepth) Len() int { return f.n }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Tiers[job.TierT0] = TierCaps{RequestsPerDay: 2, RequestsPerHour: 2, TokensPerDay: 1000, MaxConcurrent: 1, Priority: 0}
	cfg.MaxQueueSize = 10
	cfg.GlobalRequestsPerMinute = 120
	cfg.GlobalTokensPerMinute = 2_000_000
	return cfg
}

func TestEvaluateAdmitsWithinCaps(t *testing.T) {
	st := store.NewMemoryStore()
	clk := &fakeClock{now: time.Now()}
	ev := NewEvaluator(testConfig(), st, clk, &fakeQueueDepth{n: 0})

	decision, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Admit {
		t.Fatalf("expected admission, got reject reason %q", decision.Reason)
	}
}

func TestEvaluateRejectsQueueFull(t *testing.T) {
	st := store.NewMemoryStore()
	clk := &fakeClock{now: time.Now()}
	ev := NewEvaluator(testConfig(), st, clk, &fakeQueueDepth{n: 10})

	decision, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonQueueFull {
		t.Fatalf("expected queue-full rejection, got %+v", decision)
	}
}

func TestEvaluateRejectsSubjectConcurrency(t *testing.T) {
	st := store.NewMemoryStore()
	clk := &fakeClock{now: time.Now()}
	ev := NewEvaluator(testConfig(), st, clk, &fakeQueueDepth{n: 0})
	ev.Concurrency().Inc("sub-1")

	decision, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonSubjectConcurrency {
		t.Fatalf("expected subject-concurrency rejection, got %+v", decision)
	}
}

func TestEvaluateRejectsSubjectHourlyExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	clk := &fakeClock{now: now}
	ev := NewEvaluator(testConfig(), st, clk, &fakeQueueDepth{n: 0})

	for i := 0; i < 2; i++ {
		if err := st.AppendUsage(context.Background(), job.UsageRecord{Subject: "sub-1", Timestamp: now, Success: true}); err != nil {
			t.Fatalf("append usage: %v", err)
		}
	}

	decision, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Admit || decision.Reason != ReasonSubjectHourlyExhausted {
		t.Fatalf("expected subject-hourly-exhausted rejection, got %+v", decision)
	}
}

func TestInvalidateSubjectDropsCachedAggregate(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now()
	clk := &fakeClock{now: now}
	ev := NewEvaluator(testConfig(), st, clk, &fakeQueueDepth{n: 0})

	// Prime the cache with zero usage, then append usage after the fact —
	// without invalidation the cached zero-count snapshot would still admit.
	if _, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 2; i++ {
		st.AppendUsage(context.Background(), job.UsageRecord{Subject: "sub-1", Timestamp: now, Success: true})
	}
	ev.InvalidateSubject("sub-1")

	decision, err := ev.Evaluate(context.Background(), job.Subject{Key: "sub-1", Tier: job.TierT0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Admit {
		t.Fatalf("expected rejection after invalidation picks up fresh usage")
	}
}

func TestConcurrencyTrackerIncDec(t *testing.T) {
	ct := NewConcurrencyTracker()
	ct.Inc("a")
	ct.Inc("a")
	if ct.Get("a") != 2 {
		t.Fatalf("expected count 2, got %d", ct.Get("a"))
	}
	ct.Dec("a")
	if ct.Get("a") != 1 {
		t.Fatalf("expected count 1, got %d", ct.Get("a"))
	}
	ct.Dec("a")
	ct.Dec("a") // decrementing past zero must not go negative
	if ct.Get("a") != 0 {
		t.Fatalf("expected count 0, got %d", ct.Get("a"))
	}
}
