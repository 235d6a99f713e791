package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

// retryItem holds a job awaiting re-dispatch after a retryable failure,
// along with the time at which it becomes eligible again.
type retryItem struct {
	Job       *job.Job
	VisibleAt time.Time
}

type delayHeap []*retryItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].VisibleAt.Before(h[j].VisibleAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x interface{}) { *h = append(*h, x.(*retryItem)) }
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// RetryQueue is C7: jobs that failed with a retryable error wait here until
// their backoff delay elapses (spec §4.3 step 8), then flow back into C6 in
// dispatch-order alongside newly admitted jobs.
type RetryQueue struct {
	mu     sync.Mutex
	h      delayHeap
	notify chan struct{}
}

// NewRetry creates an empty retry queue.
func NewRetry() *RetryQueue {
	return &RetryQueue{h: make(delayHeap, 0), notify: make(chan struct{}, 1)}
}

// PushDelayed schedules j to become eligible for re-dispatch at visibleAt.
func (r *RetryQueue) PushDelayed(j *job.Job, visibleAt time.Time) {
	r.mu.Lock()
	heap.Push(&r.h, &retryItem{Job: j, VisibleAt: visibleAt})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until PushDelayed is called, timeout elapses, or done closes.
func (r *RetryQueue) Wait(timeout time.Duration, done <-chan struct{}) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.notify:
	case <-t.C:
	case <-done:
	}
}

// PopReady removes and returns the earliest-visible job if it is already
// due, or nil if the queue is empty or the earliest item is still pending.
func (r *RetryQueue) PopReady(now time.Time) *job.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.h) == 0 {
		return nil
	}
	if r.h[0].VisibleAt.After(now) {
		return nil
	}
	it := heap.Pop(&r.h).(*retryItem)
	return it.Job
}

// NextVisibleAt reports when the earliest-scheduled job becomes eligible,
// and whether the queue holds anything at all.
func (r *RetryQueue) NextVisibleAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.h) == 0 {
		return time.Time{}, false
	}
	return r.h[0].VisibleAt, true
}

// Remove removes the job with the given ID if present (used by cancel).
func (r *RetryQueue) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.h {
		if it.Job.ID == id {
			heap.Remove(&r.h, i)
			return true
		}
	}
	return false
}

// Len returns the current retry-queue depth.
func (r *RetryQueue) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.h)
}
