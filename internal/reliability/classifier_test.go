package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{408, true},
		{422, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableAgentError(t *testing.T) {
	if !IsRetryableAgentError("rate_limit_exceeded") {
		t.Fatalf("rate limits should be retryable")
	}
	if IsRetryableAgentError("invalid_request_error") {
		t.Fatalf("invalid requests should not be retryable")
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestWaitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	started := time.Now()
	if err := Wait(ctx, 5, time.Second, time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	if time.Since(started) > 500*time.Millisecond {
		t.Fatalf("Wait() did not return promptly")
	}
	if err := Wait(context.Background(), 0, time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}
