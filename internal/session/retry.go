package session

import (
	"math/rand/v2"
	"time"
)

// RetryConfig controls reconnect backoff after a non-terminal close.
type RetryConfig struct {
	MaxAttempts int           // reconnect attempts before giving up (0 = unbounded)
	BaseDelay   time.Duration // first backoff delay (default 5s)
	MaxDelay    time.Duration // backoff cap (default 2m)
}

// DefaultRetryConfig returns the reconnect defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   5 * time.Second,
		MaxDelay:    2 * time.Minute,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	def := DefaultRetryConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

// exhausted reports whether attempt (1-based) exceeds the budget.
func (c RetryConfig) exhausted(attempt int) bool {
	return c.MaxAttempts > 0 && attempt > c.MaxAttempts
}

// delay returns the wait before reconnect attempt number attempt (0-based).
func (c RetryConfig) delay(attempt int) time.Duration {
	return backoffWithJitter(c.BaseDelay, c.MaxDelay, attempt)
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}

	return delay
}
