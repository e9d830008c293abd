// Package ratelimit implements token-bucket rate limiting for the exchange
// adapter. The exchange enforces separate limits for general request
// weight and for order placement; this package provides a smooth
// token-bucket implementation that refills continuously rather than in
// fixed windows, so callers never see artificial bursts at window
// boundaries.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a token-bucket rate limiter with continuous refill.
// Callers block in Acquire until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given burst capacity and
// refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Acquire(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Limiter groups the two token buckets the Exchange Adapter must respect:
// a general-purpose request budget and a stricter order-placement budget.
type Limiter struct {
	General *TokenBucket // every REST call
	Orders  *TokenBucket // PlaceOrder only; CancelOrder draws from General
}

// NewLimiter builds a Limiter from requests-per-second / orders-per-second
// settings. Burst capacity is set to 2 seconds worth of the steady rate,
// giving headroom for a tick's worth of calls without unbounded bursts.
func NewLimiter(requestsPerSecond, ordersPerSecond float64) *Limiter {
	return &Limiter{
		General: NewTokenBucket(requestsPerSecond*2, requestsPerSecond),
		Orders:  NewTokenBucket(ordersPerSecond*2, ordersPerSecond),
	}
}
