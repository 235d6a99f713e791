// Package statusbus implements C5: an in-process publish/subscribe facility
// over job-state events, one topic per job. Generalized from the teacher's
// ws_hub.go register/unregister/broadcast pattern — there, one hub ticked
// every second and broadcast dashboard metrics to every client of a tenant;
// here, each subscription is scoped to one job and pushed immediately on
// every state transition instead of polled.
package statusbus

import (
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/observability"
)

// EventKind is the kind tag on a status event (spec §4.5).
type EventKind string

const (
	EventQueued     EventKind = "queued"
	EventDispatched EventKind = "dispatched"
	EventInProgress EventKind = "in-progress"
	EventRetry      EventKind = "retry"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
)

// Event is one job-state transition, published exactly once per transition.
type Event struct {
	JobID     string
	Kind      EventKind
	Data      map[string]any
	Timestamp time.Time
}

// subscriberBufferSize bounds per-subscriber delivery; a slow subscriber
// drops events rather than delaying the publisher (spec §5).
const subscriberBufferSize = 32

// subscription is one live client's channel for a single job's events.
type subscription struct {
	ch     chan Event
	closed bool
}

// Bus is C5: per-job pub/sub. A publish with no subscribers is a no-op.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscription
	next int
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[int]*subscription)}
}

// Subscription is a handle returned to callers: read Events, call Close
// when done.
type Subscription struct {
	bus   *Bus
	jobID string
	id    int
	sub   *subscription
}

// Events returns the channel of events for this subscription.
func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Close unregisters the subscription and releases its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.jobID, s.id)
}

// Subscribe registers a new listener for jobID's events.
func (b *Bus) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]*subscription)
	}
	id := b.next
	b.next++
	sub := &subscription{ch: make(chan Event, subscriberBufferSize)}
	b.subs[jobID][id] = sub

	observability.StatusBusSubscribers.Inc()
	return &Subscription{bus: b, jobID: jobID, id: id, sub: sub}
}

func (b *Bus) unsubscribe(jobID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subsForJob, ok := b.subs[jobID]
	if !ok {
		return
	}
	sub, ok := subsForJob[id]
	if !ok {
		return
	}
	delete(subsForJob, id)
	if len(subsForJob) == 0 {
		delete(b.subs, jobID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	observability.StatusBusSubscribers.Dec()
}

// Publish delivers evt to every live subscriber of evt.JobID. Delivery is
// best-effort and non-blocking: a subscriber whose buffer is full drops the
// event rather than stalling the publisher. The send happens under b.mu,
// gated on sub.closed, so it can never race a concurrent unsubscribe's
// close(sub.ch) (that race would otherwise panic on a closed channel and,
// via Executor.Run's recover, kill the dispatch loop).
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[evt.JobID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			observability.StatusBusDropped.Inc()
		}
	}
}

// PublishTransition is a convenience wrapper building an Event from a
// job.State, used by the executor and broker at every transition.
func PublishTransition(b *Bus, jobID string, kind EventKind, data map[string]any, now time.Time) {
	b.Publish(Event{JobID: jobID, Kind: kind, Data: data, Timestamp: now})
}

// KindForState maps a terminal/non-terminal job.State to its event kind,
// used where a caller already has a State and wants the matching Kind.
func KindForState(s job.State) EventKind {
	switch s {
	case job.StateQueued:
		return EventQueued
	case job.StateDispatched:
		return EventDispatched
	case job.StateInProgress:
		return EventInProgress
	case job.StateCompleted:
		return EventCompleted
	case job.StateFailed:
		return EventFailed
	case job.StateCancelled:
		return EventCancelled
	default:
		return EventQueued
	}
}
