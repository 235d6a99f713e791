// Package broker implements C9: the public submit/cancel/query/restore
// operations, wiring admission (C4), persistence (C3), the queue (C6/C7),
// and the status bus (C5) together. Grounded on the teacher's jobs.go
// Dispatcher plus main.go's rehydrate-on-leadership wiring, generalized from
// "dispatch a shell command to a remote agent" to "admit and track a
// diagram-generation job."
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/clock"
	"github.com/diagramforge/broker/internal/executor"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/observability"
	"github.com/diagramforge/broker/internal/queue"
	"github.com/diagramforge/broker/internal/quota"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/diagramforge/broker/internal/store"
)

// ErrNotFound is returned by Query when a job doesn't exist or belongs to a
// different subject (spec §4.4: "no information leak about other subjects'
// job existence").
var ErrNotFound = errors.New("broker: job not found")

// AdmissionError wraps a C4 rejection, surfaced synchronously to the caller
// of Submit (spec §4.4).
type AdmissionError struct {
	Reason     quota.Reason
	RetryAfter time.Duration
}

func (e *AdmissionError) Error() string { return "broker: admission denied: " + string(e.Reason) }

// SubmitResult is the synchronous response to a successful Submit.
type SubmitResult struct {
	JobID         string
	Position      int
	EstimatedWait time.Duration
}

// Broker is C9.
type Broker struct {
	store     store.Store
	ids       *clock.IDSource
	clock     clock.Clock
	evaluator *quota.Evaluator
	caps      quota.Config
	queue     *queue.Queue
	retry     *queue.RetryQueue
	bus       *statusbus.Bus
	exec      *executor.Executor

	avgJobDuration time.Duration

	mu              sync.Mutex
	cancelRequested map[string]bool
}

// New builds a Broker wired to its collaborators.
func New(st store.Store, ids *clock.IDSource, c clock.Clock, ev *quota.Evaluator, caps quota.Config, q *queue.Queue, rq *queue.RetryQueue, bus *statusbus.Bus, exec *executor.Executor) *Broker {
	return &Broker{
		store:           st,
		ids:             ids,
		clock:           c,
		evaluator:       ev,
		caps:            caps,
		queue:           q,
		retry:           rq,
		bus:             bus,
		exec:            exec,
		avgJobDuration:  15 * time.Second,
		cancelRequested: make(map[string]bool),
	}
}

// Submit is C9's submit operation (spec §4.4).
func (b *Broker) Submit(ctx context.Context, subject job.Subject, spec job.Spec) (SubmitResult, error) {
	if err := spec.Normalize(); err != nil {
		return SubmitResult{}, err
	}

	decision, err := b.evaluator.Evaluate(ctx, subject)
	if err != nil {
		return SubmitResult{}, err
	}
	if !decision.Admit {
		return SubmitResult{}, &AdmissionError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}
	b.evaluator.Concurrency().Inc(subject.Key)

	now := b.clock.Now()
	tierCaps := b.caps.CapsFor(subject.Tier)
	j := &job.Job{
		ID:          b.ids.NewID(),
		Subject:     subject.Key,
		Tier:        subject.Tier,
		SubmittedAt: now,
		AdmittedAt:  now,
		Spec:        spec,
		State:       job.StateQueued,
		Priority:    tierCaps.Priority,
	}

	if err := b.store.CreateJob(ctx, j); err != nil {
		return SubmitResult{}, err
	}
	b.queue.Push(j)
	observability.QueueDepth.Set(float64(b.queue.Len()))
	observability.JobTransitions.WithLabelValues(string(job.StateQueued)).Inc()
	statusbus.PublishTransition(b.bus, j.ID, statusbus.EventQueued, nil, now)

	position := b.queue.Len()
	concurrency := tierCaps.MaxConcurrent
	if concurrency < 1 {
		concurrency = 1
	}
	estimatedWait := time.Duration(position/concurrency) * b.avgJobDuration

	return SubmitResult{JobID: j.ID, Position: position, EstimatedWait: estimatedWait}, nil
}

// Cancel is C9's cancel operation: idempotent, returns true exactly once
// (spec §4.4).
func (b *Broker) Cancel(ctx context.Context, subject job.Subject, jobID string) (bool, error) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j == nil || j.Subject != subject.Key {
		return false, nil
	}
	if j.State.Terminal() {
		return false, nil
	}

	b.mu.Lock()
	if b.cancelRequested[jobID] {
		b.mu.Unlock()
		return false, nil
	}
	b.cancelRequested[jobID] = true
	b.mu.Unlock()

	if j.State == job.StateQueued {
		removed := b.queue.Remove(jobID) || b.retry.Remove(jobID)
		if !removed {
			// Already popped for dispatch between our GetJob and Remove
			// attempts; fall through to signalling the in-flight executor.
			if b.exec.Cancel(jobID) {
				return true, nil
			}
			return false, nil
		}
		j.State = job.StateCancelled
		j.Error = &job.Error{Kind: job.ErrorKindCancelled, Message: "cancelled"}
		if err := b.store.UpdateJob(ctx, j); err != nil {
			return false, err
		}
		b.evaluator.Concurrency().Dec(j.Subject)
		observability.JobTransitions.WithLabelValues(string(job.StateCancelled)).Inc()
		statusbus.PublishTransition(b.bus, jobID, statusbus.EventCancelled, nil, b.clock.Now())
		return true, nil
	}

	// Dispatched/InProgress: signal the executor to abort the in-flight call.
	b.exec.Cancel(jobID)
	return true, nil
}

// Query is C9's query operation (spec §4.4).
func (b *Broker) Query(ctx context.Context, subject job.Subject, jobID string) (job.View, error) {
	j, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return job.View{}, err
	}
	if j == nil || j.Subject != subject.Key {
		return job.View{}, ErrNotFound
	}
	return j.ToView(), nil
}

// Restore is C9's restore operation, run at startup and whenever this
// replica newly becomes leader (spec §4.4, generalized per SPEC_FULL §4.4
// for multi-replica leadership handoffs).
func (b *Broker) Restore(ctx context.Context) error {
	nonTerminal, err := b.store.ListNonTerminalJobs(ctx)
	if err != nil {
		return err
	}
	retryScheduled, err := b.store.ListRetryScheduledJobs(ctx)
	if err != nil {
		return err
	}
	isRetryScheduled := make(map[string]bool, len(retryScheduled))
	for _, j := range retryScheduled {
		isRetryScheduled[j.ID] = true
	}

	now := b.clock.Now()
	for _, j := range nonTerminal {
		if j.State == job.StateDispatched || j.State == job.StateInProgress {
			j.State = job.StateQueued
			if err := b.store.UpdateJob(ctx, j); err != nil {
				return err
			}
		}

		// The concurrency tracker is in-process and empty on a fresh
		// replica; every non-terminal job rehydrated here was already
		// counted at its original admission, so restore it here too.
		b.evaluator.Concurrency().Inc(j.Subject)

		if isRetryScheduled[j.ID] {
			b.retry.PushDelayed(j, now)
		} else {
			b.queue.Push(j)
		}
	}

	observability.QueueDepth.Set(float64(b.queue.Len()))
	observability.RetryQueueDepth.Set(float64(b.retry.Len()))
	return nil
}
