// Package queue implements the admission queue (C6) and retry queue (C7):
// bounded priority-ordered holding areas for jobs awaiting dispatch.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

// Item wraps a Job with the fields the queue orders on.
type Item struct {
	Job        *job.Job
	AdmittedAt time.Time
}

// readyHeap orders items per spec I6: higher priority strictly precedes
// lower; ties broken by earlier AdmittedAt; further ties by ID. Unlike the
// teacher's TaskQueue, there is no aging term here — I6 requires a strict
// total order, not a probabilistically-reordered one.
type readyHeap []*Item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Job.Priority != b.Job.Priority {
		return a.Job.Priority > b.Job.Priority
	}
	if !a.AdmittedAt.Equal(b.AdmittedAt) {
		return a.AdmittedAt.Before(b.AdmittedAt)
	}
	return a.Job.ID < b.Job.ID
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is C6: the bounded admission queue.
type Queue struct {
	mu       sync.Mutex
	h        readyHeap
	capacity int
	notify   chan struct{}
}

// New creates an admission queue bounded at capacity (maxQueueSize).
func New(capacity int) *Queue {
	return &Queue{
		h:        make(readyHeap, 0),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Full reports whether the queue is at capacity.
func (q *Queue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity > 0 && len(q.h) >= q.capacity
}

// Push admits a job into the queue. It is the caller's (broker's)
// responsibility to have already checked Full() as part of admission.
func (q *Queue) Push(j *job.Job) {
	q.mu.Lock()
	heap.Push(&q.h, &Item{Job: j, AdmittedAt: j.AdmittedAt})
	q.mu.Unlock()
	q.wake()
}

// Pop removes and returns the highest-priority ready item, or nil if empty.
func (q *Queue) Pop() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	it := heap.Pop(&q.h).(*Item)
	return it.Job
}

// Peek returns the highest-priority item without removing it, or nil.
func (q *Queue) Peek() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].Job
}

// Remove removes the job with the given ID if present, reporting whether it
// was found (used by cancel on a still-Queued job).
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.h {
		if it.Job.ID == id {
			heap.Remove(&q.h, i)
			return true
		}
	}
	return false
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until Push is called or the context is cancelled.
func (q *Queue) Wait(done <-chan struct{}) {
	select {
	case <-q.notify:
	case <-done:
	}
}

// WaitTimeout blocks until Push is called, timeout elapses, or done closes.
func (q *Queue) WaitTimeout(timeout time.Duration, done <-chan struct{}) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-q.notify:
	case <-t.C:
	case <-done:
	}
}
