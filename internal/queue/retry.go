// Package queue provides the durable outbound operation queue.
package queue

import "time"

// RetryPolicy bounds delivery attempts and spaces them with exponential
// backoff. One policy instance is shared by all queue consumers.
type RetryPolicy struct {
	// MaxAttempts is the total number of delivery attempts before an
	// operation is permanently dropped.
	MaxAttempts int

	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration

	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the engine's standard bounded-retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Minute,
		MaxDelay:    time.Hour,
	}
}

// NextDelay returns the backoff delay after the given failure count.
// Formula: BaseDelay * 2^(failures-1), capped at MaxDelay.
func (p RetryPolicy) NextDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := p.BaseDelay << uint(failures-1)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether an operation with the given failure count has
// used up all its attempts.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}
