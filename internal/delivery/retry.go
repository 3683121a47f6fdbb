package delivery

import (
	"time"

	"github.com/shohag/calrelay/internal/provider"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Backoff returns the wait before the next attempt once attempts attempts have
// been made: min(BaseDelay * 2^attempts, MaxDelay).
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempts; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

type Decision string

const (
	DecisionComplete Decision = "complete"
	DecisionRetry    Decision = "retry"
	DecisionDead     Decision = "dead"
)

// Decide picks the next job state from the attempt result. attempts already
// includes the attempt that produced res; maxAttempts <= 0 uses the policy's.
func (p RetryPolicy) Decide(res provider.Result, attempts, maxAttempts int) Decision {
	if res.Success {
		return DecisionComplete
	}
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	if !res.Retryable || attempts >= maxAttempts {
		return DecisionDead
	}
	return DecisionRetry
}
