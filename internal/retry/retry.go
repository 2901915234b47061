// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"order-sync/internal/util"
)

// Options configures a retried operation.
type Options struct {
	// Name labels metrics and log lines.
	Name         string
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry decides whether err is worth another attempt. Nil retries nothing.
	ShouldRetry func(err error) bool
	// OnRetry is called before sleeping for the given attempt (zero-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// sleep is replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the backoff before retry number attempt (zero-based).
func (o Options) Delay(attempt int) time.Duration {
	d := o.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if o.MaxDelay > 0 && d >= o.MaxDelay {
			return o.MaxDelay
		}
	}
	if o.MaxDelay > 0 && d > o.MaxDelay {
		return o.MaxDelay
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out of
// retries. The last error is returned unchanged.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= opts.MaxRetries || opts.ShouldRetry == nil || !opts.ShouldRetry(err) {
			return zero, err
		}

		delay := opts.Delay(attempt)
		util.RetryAttemptsTotal.WithLabelValues(opts.Name).Inc()
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, delay, err)
		} else {
			util.GetLogger().Debug("Retrying operation",
				zap.String("operation", opts.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}

		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	_, err := Do(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Always retries every error.
func Always(error) bool { return true }
