package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket refilled at a fixed rate per second.
// The bucket holds at most one second of tokens, with a floor of one.
type RateLimiter struct {
	mu sync.Mutex

	perSecond float64

	tokens     float64
	lastUpdate time.Time

	totalConsumed int64
	totalWaited   time.Duration
	last429Time   time.Time
}

// RateLimiterStatus reports current limiter state.
type RateLimiterStatus struct {
	TokensAvailable float64       `json:"tokens_available"`
	RatePerSecond   float64       `json:"rate_per_second"`
	TotalConsumed   int64         `json:"total_consumed"`
	TotalWaited     time.Duration `json:"total_waited"`
	Last429Time     time.Time     `json:"last_429_time,omitempty"`
}

// NewRateLimiter creates a limiter allowing perSecond requests per second.
func NewRateLimiter(perSecond float64) *RateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	r := &RateLimiter{
		perSecond:  perSecond,
		lastUpdate: time.Now(),
	}
	r.tokens = r.capacity()
	return r
}

func (r *RateLimiter) capacity() float64 {
	if r.perSecond < 1 {
		return 1
	}
	return r.perSecond
}

// SetRate changes the refill rate, keeping accumulated tokens up to the new capacity.
func (r *RateLimiter) SetRate(perSecond float64) {
	if perSecond <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	r.perSecond = perSecond
	if c := r.capacity(); r.tokens > c {
		r.tokens = c
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1.0 {
			r.tokens--
			r.totalConsumed++
			r.mu.Unlock()
			return nil
		}
		waitTime := time.Duration((1.0 - r.tokens) / r.perSecond * float64(time.Second))
		r.mu.Unlock()

		timer := time.NewTimer(waitTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.mu.Lock()
			r.totalWaited += waitTime
			r.mu.Unlock()
		}
	}
}

// TryConsume takes a token if one is available.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1.0 {
		r.tokens--
		r.totalConsumed++
		return true
	}
	return false
}

// Record429 drains the bucket after a rate-limit response.
func (r *RateLimiter) Record429(retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last429Time = time.Now()
	r.tokens = 0
	if retryAfter > 0 {
		// Push the refill clock forward so no token appears before retryAfter.
		r.lastUpdate = time.Now().Add(retryAfter)
	}
}

// Status returns current limiter state.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return RateLimiterStatus{
		TokensAvailable: r.tokens,
		RatePerSecond:   r.perSecond,
		TotalConsumed:   r.totalConsumed,
		TotalWaited:     r.totalWaited,
		Last429Time:     r.last429Time,
	}
}

// refill adds tokens for elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	if now.Before(r.lastUpdate) {
		return
	}
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now
	r.tokens += elapsed * r.perSecond
	if c := r.capacity(); r.tokens > c {
		r.tokens = c
	}
}
