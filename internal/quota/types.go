// Package quota implements the rate/quota evaluator (C4): the admission
// decision for new submissions given subject tier, usage aggregates, and
// global per-minute budgets.
package quota

import (
	"time"

	"github.com/diagramforge/broker/internal/job"
)

// TierCaps is the recognized cap-table shape from spec §4.1.
type TierCaps struct {
	RequestsPerDay  int
	RequestsPerHour int
	TokensPerDay    int
	MaxConcurrent   int
	Priority        int
}

// Config is the full cap table plus the global per-minute budgets and the
// admission queue's bound.
type Config struct {
	Tiers                   map[job.Tier]TierCaps
	MaxQueueSize            int
	GlobalRequestsPerMinute int
	GlobalTokensPerMinute   int
}

// DefaultConfig supplies the T0 default tier spec.md requires, plus
// T1–T3 scaled up, matching the concurrency/window shape used in S1–S3.
func DefaultConfig() Config {
	return Config{
		Tiers: map[job.Tier]TierCaps{
			job.TierT0: {RequestsPerDay: 50, RequestsPerHour: 5, TokensPerDay: 200_000, MaxConcurrent: 1, Priority: 0},
			job.TierT1: {RequestsPerDay: 500, RequestsPerHour: 50, TokensPerDay: 2_000_000, MaxConcurrent: 3, Priority: 1},
			job.TierT2: {RequestsPerDay: 5_000, RequestsPerHour: 500, TokensPerDay: 5_000_000, MaxConcurrent: 5, Priority: 2},
			job.TierT3: {RequestsPerDay: 50_000, RequestsPerHour: 5_000, TokensPerDay: 50_000_000, MaxConcurrent: 20, Priority: 3},
		},
		MaxQueueSize:            1_000,
		GlobalRequestsPerMinute: 120,
		GlobalTokensPerMinute:   2_000_000,
	}
}

// CapsFor returns the TierCaps for tier, falling back to T0 if unrecognized.
func (c Config) CapsFor(tier job.Tier) TierCaps {
	if caps, ok := c.Tiers[tier]; ok {
		return caps
	}
	return c.Tiers[job.TierT0]
}

// Reason is a C4 rejection reason, per spec §4.1's recognized set.
type Reason string

const (
	ReasonQueueFull              Reason = "queue-full"
	ReasonSubjectConcurrency     Reason = "subject-concurrency-exceeded"
	ReasonSubjectHourlyExhausted Reason = "subject-hourly-exhausted"
	ReasonSubjectDailyExhausted  Reason = "subject-daily-exhausted"
	ReasonGlobalRequests         Reason = "global-requests-exhausted"
	ReasonGlobalTokens           Reason = "global-tokens-exhausted"
)

// Decision is C4's verdict on a submission.
type Decision struct {
	Admit      bool
	Reason     Reason
	RetryAfter time.Duration
}
