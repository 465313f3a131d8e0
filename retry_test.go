package skiff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
	}
}

func TestRetryCallSucceedsAfterFailures(t *testing.T) {
	calls := 0
	got, err := RetryCall(context.Background(), fastRetry(5), "m", nil, func() (string, error) {
		calls++
		if calls < 3 {
			return "", &ErrHTTP{Status: 500, Body: "server error"}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryCall() error = %v", err)
	}
	if got != "ok" || calls != 3 {
		t.Errorf("got = %q after %d calls", got, calls)
	}
}

func TestRetryCallExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := RetryCall(context.Background(), fastRetry(3), "m", nil, func() (int, error) {
		calls++
		return 0, &ErrHTTP{Status: 429, Body: "rate limited"}
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryCallAbortsOnAuthError(t *testing.T) {
	calls := 0
	_, err := RetryCall(context.Background(), fastRetry(5), "m", nil, func() (int, error) {
		calls++
		return 0, &ErrHTTP{Status: 401, Body: "invalid api key"}
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d, want 1 call", err, calls)
	}
}

func TestRetryCallRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := RetryCall(ctx, cfg, "m", nil, func() (int, error) {
			return 0, &ErrHTTP{Status: 500}
		})
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RetryCall did not observe cancellation")
	}
}

func TestDefaultAbort(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{context.Canceled, true},
		{&ErrHTTP{Status: 400}, true},
		{&ErrHTTP{Status: 404}, true},
		{&ErrHTTP{Status: 429}, false},
		{&ErrHTTP{Status: 500}, false},
		{errors.New("context window exceeded"), true},
		{errors.New("prompt is too long for this model"), true},
		{errors.New("connection reset by peer"), false},
	}
	for _, tc := range cases {
		if got := DefaultAbort(tc.err); got != tc.want {
			t.Errorf("DefaultAbort(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestRetryDelayFloorsOnRetryAfter(t *testing.T) {
	cfg := fastRetry(3)
	err := &ErrHTTP{Status: 429, RetryAfter: 500 * time.Millisecond}
	if d := retryDelay(cfg, 0, err); d != 500*time.Millisecond {
		t.Errorf("delay = %v, want the Retry-After floor", d)
	}
}

func TestRetryBackoffCapped(t *testing.T) {
	for i := 0; i < 10; i++ {
		if d := retryBackoff(4*time.Second, 60*time.Second, i); d > 60*time.Second {
			t.Errorf("backoff(%d) = %v exceeds cap", i, d)
		}
	}
}

func TestRetryBackoffLargeAttemptIndex(t *testing.T) {
	for _, i := range []int{34, 40, 64, 1000} {
		d := retryBackoff(4*time.Second, 60*time.Second, i)
		if d <= 0 || d > 60*time.Second {
			t.Errorf("backoff(%d) = %v, want in (0, 60s]", i, d)
		}
	}
	// No configured cap still yields a bounded positive delay.
	if d := retryBackoff(4*time.Second, 0, 64); d <= 0 {
		t.Errorf("backoff without cap = %v, want positive", d)
	}
}
