package engine

import (
	"context"
	"time"
)

// Backoff policies between retry attempts of a step.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy is the engine-wide delay policy between step attempts.
// The zero value retries immediately.
type RetryPolicy struct {
	Backoff  string
	Delay    time.Duration
	MaxDelay time.Duration
}

// ValidBackoff reports whether name is a known backoff policy.
func ValidBackoff(name string) bool {
	switch name {
	case "", BackoffNone, BackoffConstant, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// ComputeBackoff calculates the delay before retry number attempt (1-based).
// Supports none, constant, linear, and exponential backoff with optional max delay cap.
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 || attempt < 1 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		// 2^(attempt-1) * base, stop doubling once past the cap
		delay = policy.Delay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				break
			}
		}
	case BackoffLinear:
		delay = policy.Delay * time.Duration(attempt)
	case BackoffConstant:
		delay = policy.Delay
	default: // "none" or empty
		return 0
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
