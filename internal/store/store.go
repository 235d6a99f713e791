// Package store implements the durable Job store (C3) and Usage store (C2),
// plus the coordination primitives (distributed lease, idempotency backend,
// durable fencing epoch) the rest of the broker builds on.
package store

import (
	"context"
	"time"

	"github.com/diagramforge/broker/internal/job"
)

// UsageWindow names the aggregation window C4 queries against.
type UsageWindow struct {
	Start time.Time
	End   time.Time
}

// UsageAggregate is the result of summing usage records for a subject over a window.
type UsageAggregate struct {
	Count  int
	Tokens int
}

// Store is the durable backend interface consumed by the broker, quota
// evaluator, and executor. It abstracts over Postgres (durable) and an
// in-memory implementation (dev/tests); Redis backs the narrower Coordinator
// and Idempotency interfaces below, not the full Store.
type Store interface {
	// Job operations (C3).
	CreateJob(ctx context.Context, j *job.Job) error
	UpdateJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListNonTerminalJobs(ctx context.Context) ([]*job.Job, error)
	ListRetryScheduledJobs(ctx context.Context) ([]*job.Job, error)

	// Usage operations (C2).
	AppendUsage(ctx context.Context, rec job.UsageRecord) error
	AggregateUsage(ctx context.Context, subject string, w UsageWindow) (UsageAggregate, error)

	// Coordination (durable fencing epoch for leader election).
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// Coordinator is the distributed-lease interface leader election needs.
// Implemented by RedisStore; a single-replica deployment can run without one.
type Coordinator interface {
	AcquireLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, value string) error
}

// IdempotencyBackend is the key/value interface the idempotency package needs.
type IdempotencyBackend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
