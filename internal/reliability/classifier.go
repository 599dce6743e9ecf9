// Package reliability classifies failures as retryable and paces retries.
package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus reports whether a downstream answered with a status
// that may succeed on a later attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableAgentError classifies error codes reported by the realtime agent.
func IsRetryableAgentError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "server_error", "internal_error", "overloaded":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Wait sleeps for the backoff of attempt, returning early with ctx's error.
func Wait(ctx context.Context, attempt int, base, cap time.Duration) error {
	t := time.NewTimer(ExponentialBackoff(attempt, base, cap))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
