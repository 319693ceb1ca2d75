package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryConfig tunes [Retry]'s linear backoff loop.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 4.
	MaxAttempts int

	// BaseDelay is the backoff unit. The Nth retry (N starting at 1) sleeps
	// BaseDelay * N before trying again. Default: 2s.
	BaseDelay time.Duration
}

// ErrMaxAttemptsExhausted wraps the last error returned by fn when [Retry]
// gives up after MaxAttempts tries.
var ErrMaxAttemptsExhausted = errors.New("resilience: max retry attempts exhausted")

// retryableStatusCodes mirrors the original connector's retryable_codes
// set: transient server/throttling responses are worth retrying, anything
// else (4xx validation errors, auth failures, etc.) is fatal and should
// surface immediately.
var retryableStatusCodes = map[int]struct{}{
	408: {},
	429: {},
	500: {},
	502: {},
	503: {},
	504: {},
}

// RetryableStatus reports whether an HTTP response with the given status
// code should be retried, per the policy above. Call sites still retry
// network-level errors (status == 0) regardless of this check.
func RetryableStatus(status int) bool {
	_, ok := retryableStatusCodes[status]
	return ok
}

// Retry calls fn up to cfg.MaxAttempts times, applying linear backoff
// between attempts: the sleep before attempt N (N >= 2) is
// cfg.BaseDelay * (N-1). fn's returned bool reports whether the error (if
// any) is retryable; a non-retryable error is returned immediately without
// further attempts.
//
// The backoff sleep is implemented as a ticking select on a short interval
// rather than a single time.Sleep so that ctx cancellation is observed
// promptly (within ~200ms) instead of blocking for the full delay.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (retryable bool, err error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		retryable, err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == cfg.MaxAttempts {
			break
		}
		delay := cfg.BaseDelay * time.Duration(attempt)
		if err := sleepCancelable(ctx, delay); err != nil {
			return err
		}
	}
	return errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

// sleepCancelable blocks for d or until ctx is done, whichever comes first,
// polling ctx.Done() every 200ms so shutdown signals are honored promptly.
func sleepCancelable(ctx context.Context, d time.Duration) error {
	const tick = 200 * time.Millisecond

	deadline := time.Now().Add(d)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil
			}
		}
	}
}
