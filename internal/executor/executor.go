// Package executor implements C8: the single logical serial worker that
// drives jobs from admission through LLM call, render, and terminal state.
// Grounded on the teacher's scheduler.go worker/processNextTask loop
// (ticker-driven polling, logDecision-style structured logging), generalized
// from "reconcile desired state" to "call an LLM then a renderer."
package executor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/diagramforge/broker/internal/clock"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/llm"
	"github.com/diagramforge/broker/internal/observability"
	"github.com/diagramforge/broker/internal/queue"
	"github.com/diagramforge/broker/internal/quota"
	"github.com/diagramforge/broker/internal/render"
	"github.com/diagramforge/broker/internal/statusbus"
	"github.com/diagramforge/broker/internal/store"
)

// Config carries the tunables spec §5 and §7 name.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	LLMTimeout  time.Duration
	PollInterval time.Duration
}

// DefaultConfig matches the spec's named defaults exactly.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    5 * time.Second,
		MaxDelay:     60 * time.Second,
		LLMTimeout:   120 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// PromptBuilder selects the fixed system prompt for a style and builds the
// model identifier + chat messages for a job (spec §6.2: "fixed model, fixed
// system prompt selected from style, plus the user prompt").
type PromptBuilder interface {
	Build(j *job.Job) llm.ChatRequest
}

// decisionLog mirrors the teacher's SchedulingDecision/logDecision pattern.
type decisionLog struct {
	Component string `json:"component"`
	JobID     string `json:"job_id"`
	Decision  string `json:"decision"`
	Attempt   int    `json:"attempt,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func logDecision(d decisionLog) {
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	log.Println(string(b))
}

// Executor is C8.
type Executor struct {
	cfg       Config
	store     store.Store
	clock     clock.Clock
	queue     *queue.Queue
	retry     *queue.RetryQueue
	evaluator *quota.Evaluator
	bus       *statusbus.Bus
	provider  llm.Provider
	renderer  *render.Invoker
	prompts   PromptBuilder

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	cancelledJobs map[string]bool
}

// New builds an Executor wired to its collaborators.
func New(cfg Config, st store.Store, c clock.Clock, q *queue.Queue, rq *queue.RetryQueue, ev *quota.Evaluator, bus *statusbus.Bus, provider llm.Provider, renderer *render.Invoker, prompts PromptBuilder) *Executor {
	return &Executor{
		cfg:           cfg,
		store:         st,
		clock:         c,
		queue:         q,
		retry:         rq,
		evaluator:     ev,
		bus:           bus,
		provider:      provider,
		renderer:      renderer,
		prompts:       prompts,
		cancels:       make(map[string]context.CancelFunc),
		cancelledJobs: make(map[string]bool),
	}
}

// Cancel aborts jobID's in-flight outbound call if it is currently dispatched
// (spec §4.3 "Cancellation"), returning true if an in-flight call was found
// and signalled. A Queued-only cancel is the caller's (broker's) job via
// C6/C7 Remove.
func (e *Executor) Cancel(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelledJobs[jobID] = true
	cancel, ok := e.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Run drives the dispatch loop (spec §4.3) until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: executor loop panicked: %v", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		j := e.waitForReady(ctx)
		if j == nil {
			continue
		}

		e.dispatch(ctx, j)
	}
}

// waitForReady implements spec §4.3 steps 1-3: block until C6 or C7 has a
// ready item, re-checking global caps before every pop.
func (e *Executor) waitForReady(ctx context.Context) *job.Job {
	for {
		if ctx.Err() != nil {
			return nil
		}

		now := e.clock.Now()
		if j := e.retry.PopReady(now); j != nil {
			observability.RetryQueueDepth.Set(float64(e.retry.Len()))
			return j
		}

		if e.queue.Peek() != nil {
			ok, _, retryAfter := e.evaluator.PeekGlobal()
			if !ok {
				sleepCtx(ctx, retryAfter)
				continue
			}
			if j := e.queue.Pop(); j != nil {
				observability.QueueDepth.Set(float64(e.queue.Len()))
				return j
			}
			continue
		}

		e.queue.WaitTimeout(e.cfg.PollInterval, ctx.Done())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// dispatch runs steps 4-9 of spec §4.3 for one job.
func (e *Executor) dispatch(ctx context.Context, j *job.Job) {
	attemptCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	if e.cancelledJobs[j.ID] {
		e.mu.Unlock()
		cancel()
		e.finishCancelled(ctx, j)
		return
	}
	e.cancels[j.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, j.ID)
		e.mu.Unlock()
		cancel()
	}()

	// Step 4: transition to Dispatched, publish, increment attempts, persist.
	now := e.clock.Now()
	j.State = job.StateDispatched
	j.Attempts++
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.Printf("executor: persist dispatched job %s: %v", j.ID, err)
	}
	observability.JobTransitions.WithLabelValues(string(job.StateDispatched)).Inc()
	statusbus.PublishTransition(e.bus, j.ID, statusbus.EventDispatched, map[string]any{"attempt": j.Attempts}, now)
	logDecision(decisionLog{Component: "executor", JobID: j.ID, Decision: "dispatched", Attempt: j.Attempts})

	j.State = job.StateInProgress
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.Printf("executor: persist in-progress job %s: %v", j.ID, err)
	}
	observability.JobTransitions.WithLabelValues(string(job.StateInProgress)).Inc()
	statusbus.PublishTransition(e.bus, j.ID, statusbus.EventInProgress, nil, e.clock.Now())

	estimatedTokens := len(j.Spec.Prompt) / 4
	e.evaluator.ConsumeGlobal(estimatedTokens)

	// Step 5: invoke the LLM.
	llmCtx, llmCancel := context.WithTimeout(attemptCtx, e.cfg.LLMTimeout)
	start := e.clock.Now()
	chatResp, chatErr := e.provider.Chat(llmCtx, e.prompts.Build(j))
	observability.LLMCallSeconds.Observe(e.clock.Now().Sub(start).Seconds())
	llmCancel()

	if attemptCtx.Err() != nil && isCancelled(attemptCtx) {
		llmCancel()
		e.finishCancelled(ctx, j)
		return
	}

	if chatErr != nil {
		kind := classifyLLMError(llmCtx, chatErr)
		e.finishAttempt(ctx, j, kind, chatErr.Error(), job.UsageRecord{})
		return
	}

	observability.LLMTokens.WithLabelValues("in").Add(float64(chatResp.Usage.PromptTokens))
	observability.LLMTokens.WithLabelValues("out").Add(float64(chatResp.Usage.CompletionTokens))

	// Step 6: extract payload, invoke renderer.
	raw := llm.ConcatSegments(chatResp.Segments)
	source := llm.ExtractPayload(raw)

	renderStart := e.clock.Now()
	renderResult, renderErr := e.renderer.Render(attemptCtx, render.Request{
		RequestID:    j.ID,
		Source:       source,
		Style:        j.Spec.Style,
		Quality:      string(j.Spec.Quality),
		OutputFormat: j.Spec.OutputFormat,
	})
	observability.RenderSeconds.Observe(e.clock.Now().Sub(renderStart).Seconds())

	usage := job.UsageRecord{
		Subject:   j.Subject,
		Timestamp: e.clock.Now(),
		TokensIn:  chatResp.Usage.PromptTokens,
		TokensOut: chatResp.Usage.CompletionTokens,
	}

	if renderErr != nil {
		if isCancelled(attemptCtx) {
			e.finishCancelled(ctx, j)
			return
		}
		e.finishAttempt(ctx, j, job.ErrorKindRenderFailure, renderErr.Error(), usage)
		return
	}

	// Step 7: full success.
	j.Result = &job.Result{
		Raster:           renderResult.Raster,
		Source:           renderResult.Source,
		ExchangeDocument: renderResult.ExchangeDocument,
		TokensConsumed:   chatResp.Usage.PromptTokens + chatResp.Usage.CompletionTokens,
	}
	j.State = job.StateCompleted
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.Printf("executor: persist completed job %s: %v", j.ID, err)
	}
	usage.Success = true
	if err := e.store.AppendUsage(ctx, usage); err != nil {
		log.Printf("executor: append usage for job %s: %v", j.ID, err)
	}
	e.evaluator.InvalidateSubject(j.Subject)
	e.evaluator.Concurrency().Dec(j.Subject)
	observability.JobTransitions.WithLabelValues(string(job.StateCompleted)).Inc()
	observability.JobAttempts.WithLabelValues("completed").Inc()
	statusbus.PublishTransition(e.bus, j.ID, statusbus.EventCompleted, nil, e.clock.Now())
	logDecision(decisionLog{Component: "executor", JobID: j.ID, Decision: "completed", Attempt: j.Attempts})
}

// finishAttempt implements step 8: classify the failure and either schedule
// a retry or transition to Failed.
func (e *Executor) finishAttempt(ctx context.Context, j *job.Job, kind job.ErrorKind, message string, usage job.UsageRecord) {
	if kind.Retryable() && j.Attempts < e.cfg.MaxAttempts {
		backoff := e.cfg.BaseDelay * time.Duration(1<<uint(j.Attempts-1))
		if backoff > e.cfg.MaxDelay {
			backoff = e.cfg.MaxDelay
		}
		visibleAt := e.clock.Now().Add(backoff)
		j.State = job.StateQueued
		if err := e.store.UpdateJob(ctx, j); err != nil {
			log.Printf("executor: persist retry job %s: %v", j.ID, err)
		}
		e.retry.PushDelayed(j, visibleAt)
		observability.RetryQueueDepth.Set(float64(e.retry.Len()))
		observability.JobAttempts.WithLabelValues("retry").Inc()
		statusbus.PublishTransition(e.bus, j.ID, statusbus.EventRetry, map[string]any{"attempt": j.Attempts, "reason": string(kind)}, e.clock.Now())
		logDecision(decisionLog{Component: "executor", JobID: j.ID, Decision: "retry", Attempt: j.Attempts, Reason: string(kind)})
		return
	}

	j.State = job.StateFailed
	j.Error = &job.Error{Kind: kind, Message: message}
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.Printf("executor: persist failed job %s: %v", j.ID, err)
	}
	usage.Subject = j.Subject
	usage.Timestamp = e.clock.Now()
	usage.Success = false
	usage.ErrorKind = kind
	if err := e.store.AppendUsage(ctx, usage); err != nil {
		log.Printf("executor: append usage for job %s: %v", j.ID, err)
	}
	e.evaluator.InvalidateSubject(j.Subject)
	e.evaluator.Concurrency().Dec(j.Subject)
	observability.JobTransitions.WithLabelValues(string(job.StateFailed)).Inc()
	observability.JobAttempts.WithLabelValues("failed").Inc()
	statusbus.PublishTransition(e.bus, j.ID, statusbus.EventFailed, map[string]any{"errorKind": string(kind), "message": message}, e.clock.Now())
	logDecision(decisionLog{Component: "executor", JobID: j.ID, Decision: "failed", Attempt: j.Attempts, Reason: string(kind)})
}

func (e *Executor) finishCancelled(ctx context.Context, j *job.Job) {
	j.State = job.StateCancelled
	j.Error = &job.Error{Kind: job.ErrorKindCancelled, Message: "cancelled"}
	if err := e.store.UpdateJob(ctx, j); err != nil {
		log.Printf("executor: persist cancelled job %s: %v", j.ID, err)
	}
	e.evaluator.InvalidateSubject(j.Subject)
	e.evaluator.Concurrency().Dec(j.Subject)
	observability.JobTransitions.WithLabelValues(string(job.StateCancelled)).Inc()
	statusbus.PublishTransition(e.bus, j.ID, statusbus.EventCancelled, nil, e.clock.Now())
	logDecision(decisionLog{Component: "executor", JobID: j.ID, Decision: "cancelled", Attempt: j.Attempts})

	e.mu.Lock()
	delete(e.cancelledJobs, j.ID)
	e.mu.Unlock()
}

func isCancelled(ctx context.Context) bool {
	return ctx.Err() == context.Canceled
}

// classifyLLMError maps a Chat error to a job.ErrorKind per spec §7.
func classifyLLMError(ctx context.Context, err error) job.ErrorKind {
	if ctx.Err() == context.DeadlineExceeded {
		observability.JobTimeouts.WithLabelValues("llm").Inc()
		return job.ErrorKindUpstreamTransient
	}
	var statusErr *llm.StatusError
	if errAs(err, &statusErr) {
		if statusErr.StatusCode == 401 || statusErr.StatusCode == 403 || statusErr.StatusCode == 400 {
			return job.ErrorKindUpstreamPermanent
		}
	}
	if llm.IsRetryable(err) {
		return job.ErrorKindUpstreamTransient
	}
	return job.ErrorKindUpstreamPermanent
}

func errAs(err error, target **llm.StatusError) bool {
	se, ok := err.(*llm.StatusError)
	if !ok {
		return false
	}
	*target = se
	return true
}
