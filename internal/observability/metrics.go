// Package observability exposes the broker's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of jobs waiting in the admitted queue (C6).
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_queue_depth",
		Help: "Current number of jobs in the admission queue",
	})

	// RetryQueueDepth tracks the number of jobs waiting in the retry queue (C7).
	RetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_retry_queue_depth",
		Help: "Current number of jobs in the retry queue",
	})

	// QueueOldestJobAge tracks how long the oldest queued job has waited.
	QueueOldestJobAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_queue_oldest_job_age_seconds",
		Help: "Age of the oldest job in the admission queue",
	})

	// AdmissionDecisions counts C4 admit/reject decisions by reason.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_admission_decisions_total",
		Help: "Total admission decisions by outcome and reason",
	}, []string{"outcome", "reason"})

	// AdmissionWaitSeconds tracks time a job spends queued before dispatch.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagbroker_admission_wait_seconds",
		Help:    "Time a job waits in queue before being dispatched",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// ActiveDispatch reports whether this replica currently owns the single
	// logical dispatcher (1) or not (0).
	ActiveDispatch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_active_dispatch",
		Help: "1 if this replica owns the serial dispatcher, 0 otherwise",
	})

	// JobTransitions counts every job state transition.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_job_transitions_total",
		Help: "Total job state transitions",
	}, []string{"state"})

	// JobAttempts counts executor invocations, labeled by outcome.
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_job_attempts_total",
		Help: "Total executor invocations by outcome",
	}, []string{"outcome"}) // completed, retry, failed

	// LLMCallSeconds tracks outbound LLM call latency.
	LLMCallSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagbroker_llm_call_seconds",
		Help:    "Outbound LLM call latency",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// LLMTokens tracks tokens consumed, labeled by direction.
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_llm_tokens_total",
		Help: "Total tokens consumed by direction (in, out)",
	}, []string{"direction"})

	// RenderSeconds tracks renderer child-process wall-clock duration.
	RenderSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagbroker_render_seconds",
		Help:    "Renderer child-process wall-clock duration",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// JobTimeouts counts forced terminations by phase.
	JobTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_job_timeouts_total",
		Help: "Jobs forcibly terminated due to timeout",
	}, []string{"phase"}) // llm, render

	// LeadershipEpoch tracks the current fencing epoch for this replica.
	LeadershipEpoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "diagbroker_leader_epoch",
		Help: "Current fencing epoch of the leader",
	}, []string{"node_id"})

	// LeadershipTransitions tracks leadership acquisition and loss events.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "diagbroker_leader_transitions_total",
		Help: "Total number of leadership transitions",
	}, []string{"node_id", "event"})

	// LeadershipTransitionDuration tracks how long a node spent as a
	// follower before re-acquiring leadership.
	LeadershipTransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagbroker_leader_transition_duration_seconds",
		Help:    "Time spent as follower before re-acquiring leadership",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// LeaderStatus reports whether this replica currently holds leadership.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_leader_status",
		Help: "Current leader status (1 = leader, 0 = follower)",
	})

	// StatusBusSubscribers tracks the number of live status-bus subscriptions.
	StatusBusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_statusbus_subscribers",
		Help: "Current number of live status-bus subscriptions",
	})

	// StatusBusDropped counts events dropped because a subscriber's buffer was full.
	StatusBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "diagbroker_statusbus_dropped_total",
		Help: "Total status events dropped due to a slow subscriber",
	})

	// RedisLatency tracks Redis round-trip latency for coordination/idempotency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagbroker_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// WebSocketClients tracks currently connected status-stream WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "diagbroker_websocket_clients",
		Help: "Current number of connected status-stream WebSocket clients",
	})
)
