package exchange

import (
	"sync"
	"time"
)

// rateLimiter is a token-bucket limiter shared by all REST calls. Bybit
// throttles at roughly 10 requests/second per endpoint group; one
// conservative bucket for the whole client keeps us well under the IP ban
// threshold.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newRateLimiter(burst int, perSecond float64) *rateLimiter {
	return &rateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// wait blocks until a token is available.
func (r *rateLimiter) wait() {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		time.Sleep(time.Duration(float64(time.Second) / r.refillRate))
	}
}

// refill adds tokens based on elapsed time. Caller holds the mutex.
func (r *rateLimiter) refill() {
	now := time.Now()
	r.tokens += now.Sub(r.lastRefill).Seconds() * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

const (
	backoffBase = 1 * time.Second
	backoffMax  = 30 * time.Second
)

// retryBackoff returns the exponential backoff delay for a given attempt,
// capped at backoffMax.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	if attempt > 20 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
