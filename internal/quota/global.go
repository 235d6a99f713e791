package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// globalWindow enforces the global per-minute request/token budgets (spec
// §4.1 item 4) with two token-bucket limiters sized to the per-minute caps —
// the same rate.Limiter primitive the teacher uses for per-node/per-tenant
// limiting in scheduler/limiter.go, repurposed here to two global counters.
//
// Per §9's single-writer note, only the dispatcher actually consumes budget
// (Consume); ingress only peeks a snapshot cached for up to 5s.
type globalWindow struct {
	mu         sync.Mutex
	reqLimiter *rate.Limiter
	tokLimiter *rate.Limiter

	cacheTTL         time.Duration
	cachedAt         time.Time
	cachedOK         bool
	cachedReason     Reason
	cachedRetryAfter time.Duration
}

func newGlobalWindow(reqPerMinute, tokensPerMinute int) *globalWindow {
	return &globalWindow{
		reqLimiter: rate.NewLimiter(rate.Limit(float64(reqPerMinute)/60.0), reqPerMinute),
		tokLimiter: rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute),
		cacheTTL:   5 * time.Second,
	}
}

// Peek reports whether the global budget currently has headroom, refreshing
// the cached snapshot at most once per cacheTTL.
func (g *globalWindow) Peek(now time.Time) (bool, Reason, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.cachedAt) < g.cacheTTL {
		return g.cachedOK, g.cachedReason, g.cachedRetryAfter
	}

	ok, reason, retryAfter := g.checkLocked(now)
	g.cachedAt = now
	g.cachedOK = ok
	g.cachedReason = reason
	g.cachedRetryAfter = retryAfter
	return ok, reason, retryAfter
}

// checkLocked peeks both limiters without consuming a reservation.
func (g *globalWindow) checkLocked(now time.Time) (bool, Reason, time.Duration) {
	reqRes := g.reqLimiter.ReserveN(now, 1)
	reqDelay := reqRes.DelayFrom(now)
	reqRes.CancelAt(now)
	if reqDelay > 0 {
		return false, ReasonGlobalRequests, untilMinuteEnd(now)
	}

	tokRes := g.tokLimiter.ReserveN(now, 1)
	tokDelay := tokRes.DelayFrom(now)
	tokRes.CancelAt(now)
	if tokDelay > 0 {
		return false, ReasonGlobalTokens, untilMinuteEnd(now)
	}

	return true, "", 0
}

// Consume is the dispatcher's real-time, consuming check: it actually
// reserves one request slot and estimatedTokens of the token budget. Called
// only from the single serial dispatcher goroutine (spec §9).
func (g *globalWindow) Consume(now time.Time, estimatedTokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqLimiter.ReserveN(now, 1)
	if estimatedTokens > 0 {
		g.tokLimiter.ReserveN(now, estimatedTokens)
	}
}

// untilMinuteEnd returns the retryAfter advertised on a global-*-exhausted
// rejection: seconds remaining in the current minute (fixed-boundary, per
// spec §4.1's window arithmetic rule).
func untilMinuteEnd(now time.Time) time.Duration {
	return time.Duration(60-now.Second())*time.Second - time.Duration(now.Nanosecond())
}
