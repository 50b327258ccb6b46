package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"linguacall/pkg/logger"
)

// ErrAttemptsExhausted is returned when every attempt of a bounded retry failed
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// BackoffKind selects how the wait between attempts grows
type BackoffKind string

const (
	BackoffFixed  BackoffKind = "fixed"
	BackoffLinear BackoffKind = "linear"
)

// Policy bounds a retry loop. MaxAttempts counts the first attempt.
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
	Backoff     BackoffKind
}

// FixedPolicy retries every interval, up to attempts times
func FixedPolicy(interval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxAttempts: attempts, Backoff: BackoffFixed}
}

// LinearPolicy waits attempt*interval between attempts, capped at maxInterval
func LinearPolicy(interval, maxInterval time.Duration, attempts int) Policy {
	return Policy{Interval: interval, MaxInterval: maxInterval, MaxAttempts: attempts, Backoff: BackoffLinear}
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.Interval
	if p.Backoff == BackoffLinear {
		d = time.Duration(attempt) * p.Interval
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// Execute runs fn until it succeeds, the attempts are exhausted or ctx is done.
// The returned error wraps ErrAttemptsExhausted and the last failure.
func Execute(ctx context.Context, operation string, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			logger.Debug("Retrying operation",
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, errors.Join(ErrAttemptsExhausted, lastErr))
}

// Poll calls ready immediately and then every interval until it reports true, the
// attempts run out, or ctx is done. It is Execute for checks that have no error value.
func Poll(ctx context.Context, operation string, p Policy, ready func() bool) error {
	return Execute(ctx, operation, p, func(context.Context) error {
		if ready() {
			return nil
		}
		return errNotReady
	})
}

var errNotReady = errors.New("not ready")
