package quota

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/diagramforge/broker/internal/clock"
	"github.com/diagramforge/broker/internal/job"
	"github.com/diagramforge/broker/internal/observability"
	"github.com/diagramforge/broker/internal/store"
)

// QueueDepthProvider is the narrow capability the evaluator needs from C6 —
// just its current length, to keep this package independent of internal/queue.
type QueueDepthProvider interface {
	Len() int
}

// decisionLog mirrors the teacher's SchedulingDecision / logDecision
// pattern: one structured JSON line per admission outcome.
type decisionLog struct {
	Component string `json:"component"`
	Subject   string `json:"subject"`
	Tier      string `json:"tier"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
}

func logDecision(d decisionLog) {
	bytes, err := json.Marshal(d)
	if err != nil {
		return
	}
	log.Println(string(bytes))
}

// Evaluator is C4: the admission decision point.
type Evaluator struct {
	config      Config
	store       store.Store
	clock       clock.Clock
	concurrency *ConcurrencyTracker
	aggs        *aggCache
	global      *globalWindow
	queue       QueueDepthProvider
}

// NewEvaluator builds an Evaluator. queue provides the live C6 depth.
func NewEvaluator(cfg Config, st store.Store, c clock.Clock, queue QueueDepthProvider) *Evaluator {
	return &Evaluator{
		config:      cfg,
		store:       st,
		clock:       c,
		concurrency: NewConcurrencyTracker(),
		aggs:        newAggCache(60 * time.Second),
		global:      newGlobalWindow(cfg.GlobalRequestsPerMinute, cfg.GlobalTokensPerMinute),
		queue:       queue,
	}
}

// Concurrency exposes the tracker so the broker/executor can Inc/Dec it on
// admission and terminal transitions.
func (e *Evaluator) Concurrency() *ConcurrencyTracker { return e.concurrency }

// InvalidateSubject drops cached aggregates for subject, called after a C2
// append for that subject.
func (e *Evaluator) InvalidateSubject(subject string) {
	e.aggs.invalidate(subject)
}

// ConsumeGlobal is called by the dispatcher right before its one in-flight
// outbound call (spec §9, single-writer discipline).
func (e *Evaluator) ConsumeGlobal(estimatedTokens int) {
	e.global.Consume(e.clock.Now(), estimatedTokens)
}

// PeekGlobal is the dispatcher's step-2 check ("evaluate global caps via C4,
// not subject caps") before popping a job, using the same cached snapshot
// ingress uses.
func (e *Evaluator) PeekGlobal() (bool, Reason, time.Duration) {
	return e.global.Peek(e.clock.Now())
}

// Evaluate runs the fail-fast, cheapest-checks-first admission order of
// spec §4.1: queue depth, subject concurrency, subject windows, global caps.
func (e *Evaluator) Evaluate(ctx context.Context, subject job.Subject) (Decision, error) {
	now := e.clock.Now()
	caps := e.config.CapsFor(subject.Tier)

	// 1. Queue depth.
	if e.config.MaxQueueSize > 0 && e.queue.Len() >= e.config.MaxQueueSize {
		return e.deny(subject, ReasonQueueFull, 0), nil
	}

	// 2. Subject concurrency.
	if caps.MaxConcurrent > 0 && e.concurrency.Get(subject.Key) >= caps.MaxConcurrent {
		return e.deny(subject, ReasonSubjectConcurrency, 0), nil
	}

	// 3. Subject per-hour and per-day windows.
	hourAgg, err := e.aggs.get(ctx, e.store, subject.Key, hourWindow(now), now)
	if err != nil {
		return Decision{}, err
	}
	if caps.RequestsPerHour > 0 && hourAgg.Count >= caps.RequestsPerHour {
		return e.deny(subject, ReasonSubjectHourlyExhausted, untilWindowEnd(hourWindow(now), now)), nil
	}

	dayAgg, err := e.aggs.get(ctx, e.store, subject.Key, dayWindow(now), now)
	if err != nil {
		return Decision{}, err
	}
	if caps.RequestsPerDay > 0 && dayAgg.Count >= caps.RequestsPerDay {
		return e.deny(subject, ReasonSubjectDailyExhausted, untilWindowEnd(dayWindow(now), now)), nil
	}
	if caps.TokensPerDay > 0 && dayAgg.Tokens >= caps.TokensPerDay {
		return e.deny(subject, ReasonSubjectDailyExhausted, untilWindowEnd(dayWindow(now), now)), nil
	}

	// 4. Global per-minute caps.
	if ok, reason, retryAfter := e.global.Peek(now); !ok {
		return e.deny(subject, reason, retryAfter), nil
	}

	logDecision(decisionLog{Component: "quota", Subject: subject.Key, Tier: string(subject.Tier), Decision: "admit"})
	observability.AdmissionDecisions.WithLabelValues("admit", "").Inc()
	return Decision{Admit: true}, nil
}

func (e *Evaluator) deny(subject job.Subject, reason Reason, retryAfter time.Duration) Decision {
	logDecision(decisionLog{Component: "quota", Subject: subject.Key, Tier: string(subject.Tier), Decision: "reject", Reason: string(reason)})
	observability.AdmissionDecisions.WithLabelValues("reject", string(reason)).Inc()
	return Decision{Admit: false, Reason: reason, RetryAfter: retryAfter}
}
