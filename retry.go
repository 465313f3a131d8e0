package skiff

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the model query retry driver.
type RetryConfig struct {
	// MaxAttempts bounds the total number of attempts (default 10,
	// overridable via MSWEA_MODEL_RETRY_STOP_AFTER_ATTEMPT).
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; each retry
	// doubles it up to MaxDelay, plus up to 50% jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Abort decides which errors bypass retry entirely. Nil means
	// DefaultAbort.
	Abort func(error) bool
}

// DefaultRetryConfig returns the standard discipline: at most 10 attempts,
// exponential backoff base 4s capped at 60s.
func DefaultRetryConfig() RetryConfig {
	attempts := 10
	if v := os.Getenv("MSWEA_MODEL_RETRY_STOP_AFTER_ATTEMPT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			attempts = n
		}
	}
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   4 * time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// RetryCall calls fn up to cfg.MaxAttempts times, sleeping between
// retryable failures. Abort-class errors return immediately. The server's
// Retry-After value, when present on the error, floors the backoff delay.
func RetryCall[T any](ctx context.Context, cfg RetryConfig, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	abort := cfg.Abort
	if abort == nil {
		abort = DefaultAbort
	}
	if logger == nil {
		logger = nopLogger
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	for i := 0; i < cfg.MaxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if abort(err) {
			return zero, err
		}
		last = err
		logger.Warn("retrying model query",
			"model", name,
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", cfg.MaxAttempts)
		if i < cfg.MaxAttempts-1 {
			timer := time.NewTimer(retryDelay(cfg, i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"model", name,
		"attempts", cfg.MaxAttempts,
		"error", last)
	return zero, last
}

// DefaultAbort reports whether err must bypass retry: user cancellation,
// authentication and permission failures, unknown models, unsupported
// parameters, and context-window overflows. Transient transport, 5xx and
// rate-limit errors stay retryable.
func DefaultAbort(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *ErrHTTP
	if errors.As(err, &he) {
		switch he.Status {
		case 400, 401, 403, 404, 413, 422:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"context window",
		"context length",
		"maximum context",
		"prompt is too long",
		"unsupported parameter",
		"invalid api key",
		"authentication",
		"permission denied",
		"model not found",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the sleep before retry i, using capped exponential
// backoff with jitter as a floor and the server's Retry-After value (if
// present) as a minimum.
func retryDelay(cfg RetryConfig, i int, err error) time.Duration {
	backoff := retryBackoff(cfg.BaseDelay, cfg.MaxDelay, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed): base * 2^i capped
// at max (an hour when max is unset), plus up to 50% random jitter (the
// jittered value is capped too). Growth saturates at the cap regardless of
// the attempt index.
func retryBackoff(base, max time.Duration, i int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	ceil := max
	if ceil <= 0 {
		ceil = time.Hour
	}
	exp := base
	for n := 0; n < i && exp < ceil; n++ {
		exp *= 2
	}
	if exp > ceil {
		exp = ceil
	}
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	d := exp + jitter
	if max > 0 && d > max {
		d = max
	}
	return d
}
