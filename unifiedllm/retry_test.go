package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, expected := range want {
		if got := policy.Delay(i); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i, expected, got)
		}
	}
}

func TestRetryPolicyDelayWithJitter(t *testing.T) {
	policy := RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute, Jitter: true}
	for i := 0; i < 100; i++ {
		got := policy.Delay(0)
		if got < 500*time.Millisecond || got > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, BaseDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func serverErr() error {
	return &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "overloaded"}, Retryable: true}}
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		retries   int
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds after transient failures", 3, 2, serverErr(), 3, false},
		{"no failures", 2, 0, nil, 1, false},
		{"exhausted", 2, 10, serverErr(), 3, true},
		{"non retryable", 3, 10, &AuthenticationError{}, 1, true},
		{"wrapped non retryable", 3, 10, fmt.Errorf("call: %w", &InvalidRequestError{}), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := Retry(context.Background(), fastPolicy(tt.retries), func(ctx context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", tt.err
				}
				return "ok", nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != "ok" {
				t.Errorf("result = %q", got)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	long := 120.0
	policy := fastPolicy(3)
	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", &RateLimitError{ProviderError: ProviderError{Retryable: true, RetryAfter: &long}}
	})
	if err == nil || calls != 1 {
		t.Errorf("Retry-After beyond MaxDelay should fail immediately, calls=%d err=%v", calls, err)
	}
}

func TestRetryCancelled(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, Multiplier: 1, MaxDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	calls := 0
	_, err := Retry(ctx, policy, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("always fails")
	})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single call before cancellation, got %d", calls)
	}
}

func TestRetryMiddleware(t *testing.T) {
	calls := 0
	flaky := &mockAdapter{name: "p"}
	client := NewClient(
		WithProvider("p", flaky),
		WithMiddleware(RetryMiddleware(fastPolicy(2))),
		WithMiddleware(func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			calls++
			if calls == 1 {
				return nil, serverErr()
			}
			return &Response{ID: "second"}, nil
		}),
	)
	resp, err := client.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "second" || calls != 2 {
		t.Errorf("resp=%q calls=%d", resp.ID, calls)
	}
}
