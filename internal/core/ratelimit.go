package core

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound API calls process-wide. One instance is shared
// by every AnalysisClient in the process.
type RateLimiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	limiter  *rate.Limiter
	interval time.Duration
	last     time.Time
}

func NewRateLimiter(clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
}

// Wait blocks until at least interval has passed since the previous slot was
// claimed, then claims a new slot and returns how long it slept. The check,
// the sleep and the claim happen under one lock so concurrent callers queue
// instead of sharing a too-short gap. An interval of zero never blocks.
func (r *RateLimiter) Wait(interval time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if interval < 0 {
		interval = 0
	}
	if interval != r.interval {
		r.reset(interval)
	}

	now := r.clock.Now()
	if r.limiter.AllowN(now, 1) {
		r.last = now
		return 0
	}

	delay := interval - now.Sub(r.last)
	if delay > 0 {
		r.clock.Sleep(delay)
	} else {
		delay = 0
	}
	r.last = r.clock.Now()
	r.limiter.ReserveN(r.last, 1)
	return delay
}

// reset rebuilds the bucket for a new interval. The previous claim is replayed
// so the next call is spaced from it at the new interval.
func (r *RateLimiter) reset(interval time.Duration) {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	r.limiter = rate.NewLimiter(limit, 1)
	if !r.last.IsZero() {
		r.limiter.ReserveN(r.last, 1)
	}
	r.interval = interval
}
