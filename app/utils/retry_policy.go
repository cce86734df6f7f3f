package utils

import (
	"math"
	"time"
)

// RetryPolicy defines exponential backoff retry behavior. Used for the
// startup database ping; remote shell operations deliberately do not
// retry (operators re-trigger explicitly).
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a default retry policy.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// CalculateDelay calculates the backoff delay for a retry attempt.
func (r *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= r.MaxRetries {
		return r.MaxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * r.BaseDelay
	if delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// Execute runs fn until it succeeds or the retry budget is exhausted.
func (r *RetryPolicy) Execute(fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt < r.MaxRetries-1 {
			time.Sleep(r.CalculateDelay(attempt))
		}
	}
	return lastErr
}
