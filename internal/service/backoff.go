package service

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the delay before the next attempt of a failed
// operation: min(base*2^n + jitter, max), jitter in [0, base*2^n/2).
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// jitter returns a value in [0, n). Replaced in tests.
	jitter func(n int64) int64
}

func NewRetryPolicy(base, maxDelay time.Duration, maxAttempts int) *RetryPolicy {
	return &RetryPolicy{
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		MaxAttempts: maxAttempts,
		jitter:      rand.Int63n,
	}
}

// Delay returns the wait after the attempt-th consecutive failure (attempt
// starts at 1).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exp := p.BaseDelay
	for i := 1; i < attempt; i++ {
		exp *= 2
		if exp >= p.MaxDelay || exp <= 0 {
			return p.MaxDelay
		}
	}

	delay := exp
	if half := int64(exp / 2); half > 0 && p.jitter != nil {
		delay += time.Duration(p.jitter(half))
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has used up the retry budget.
func (p *RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
