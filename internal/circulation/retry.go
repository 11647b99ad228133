package circulation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultRetryAttempts        = 5
	defaultRetryInitialInterval = 20 * time.Millisecond
	defaultRetryMaxInterval     = 500 * time.Millisecond
)

// RetryPolicy configures caller-side retries of isolation aborts. The
// coordinator never retries on its own: each attempt re-runs the whole command
// so preconditions are validated again.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(err error, wait time.Duration)
}

// DefaultRetryPolicy is used when a zero policy is supplied.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultRetryAttempts,
		InitialInterval: defaultRetryInitialInterval,
		MaxInterval:     defaultRetryMaxInterval,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts == 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(d.MaxInterval, p.InitialInterval)
	}
	return p
}

// Retry runs fn until it succeeds, fails with anything other than
// ErrRetryableConflict, or the policy is exhausted. The last error is
// returned unchanged, so callers can still classify it.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	policy = policy.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	op := func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxAttempts),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(policy.OnRetry))
	}
	return backoff.Retry(ctx, op, opts...)
}

// RetryCommand is Retry for commands without a result.
func RetryCommand(ctx context.Context, policy RetryPolicy, fn func(context.Context) error) error {
	_, err := Retry(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
