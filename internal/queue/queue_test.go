package queue

import (
	"testing"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

func TestQueueOrdering(t *testing.T) {
	q := New(0)
	now := time.Now()

	// Lower priority, admitted first.
	q.Push(&job.Job{ID: "low-old", Priority: 0, AdmittedAt: now.Add(-time.Minute)})
	// Higher priority, admitted later — must still come out first.
	q.Push(&job.Job{ID: "high-recent", Priority: 10, AdmittedAt: now})
	// Same priority as high-recent, admitted even later.
	q.Push(&job.Job{ID: "high-later", Priority: 10, AdmittedAt: now.Add(time.Second)})

	first := q.Pop()
	if first.ID != "high-recent" {
		t.Fatalf("expected high-recent first, got %s", first.ID)
	}
	second := q.Pop()
	if second.ID != "high-later" {
		t.Fatalf("expected high-later second (earlier-admitted same-priority item first), got %s", second.ID)
	}
	third := q.Pop()
	if third.ID != "low-old" {
		t.Fatalf("expected low-old last, got %s", third.ID)
	}
	if q.Pop() != nil {
		t.Fatalf("expected empty queue")
	}
}

func TestQueueFullAtCapacity(t *testing.T) {
	q := New(1)
	if q.Full() {
		t.Fatalf("empty queue should not be full")
	}
	q.Push(&job.Job{ID: "a", AdmittedAt: time.Now()})
	if !q.Full() {
		t.Fatalf("queue at capacity should report full")
	}
}

func TestQueueRemove(t *testing.T) {
	q := New(0)
	q.Push(&job.Job{ID: "a", AdmittedAt: time.Now()})
	q.Push(&job.Job{ID: "b", AdmittedAt: time.Now()})

	if !q.Remove("a") {
		t.Fatalf("expected to remove a")
	}
	if q.Remove("a") {
		t.Fatalf("second removal of a should report not found")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 item left, got %d", q.Len())
	}
}

func TestQueueWaitTimeoutWakesOnPush(t *testing.T) {
	q := New(0)
	done := make(chan struct{})
	woke := make(chan struct{})
	go func() {
		q.WaitTimeout(2*time.Second, done)
		close(woke)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Push(&job.Job{ID: "a", AdmittedAt: time.Now()})

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatalf("WaitTimeout did not wake on Push")
	}
}

func TestRetryQueuePopReadyRespectsVisibleAt(t *testing.T) {
	rq := NewRetry()
	now := time.Now()
	rq.PushDelayed(&job.Job{ID: "later"}, now.Add(time.Minute))
	rq.PushDelayed(&job.Job{ID: "now"}, now)

	if j := rq.PopReady(now); j == nil || j.ID != "now" {
		t.Fatalf("expected 'now' job to be ready")
	}
	if j := rq.PopReady(now); j != nil {
		t.Fatalf("expected no ready job, got %s", j.ID)
	}
	if j := rq.PopReady(now.Add(2 * time.Minute)); j == nil || j.ID != "later" {
		t.Fatalf("expected 'later' job to become ready")
	}
}

func TestRetryQueueRemove(t *testing.T) {
	rq := NewRetry()
	rq.PushDelayed(&job.Job{ID: "a"}, time.Now().Add(time.Minute))
	if !rq.Remove("a") {
		t.Fatalf("expected to remove a")
	}
	if rq.Len() != 0 {
		t.Fatalf("expected empty retry queue")
	}
}
