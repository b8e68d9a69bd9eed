package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures exponential backoff for the blocking stages
type RetryPolicy struct {
	MaxEmitAttempts       int           `json:"max_emit_attempts"`
	MaxFetchAttempts      int           `json:"max_fetch_attempts"`
	MaxCheckpointAttempts int           `json:"max_checkpoint_attempts"`
	InitialBackoff        time.Duration `json:"initial_backoff"`
	MaxBackoff            time.Duration `json:"max_backoff"`
	Multiplier            float64       `json:"multiplier"`
	Jitter                float64       `json:"jitter"`

	// AttemptTimeout bounds a single fetch, emit, route or checkpoint call.
	// Zero leaves attempts bounded only by the caller's context.
	AttemptTimeout time.Duration `json:"attempt_timeout"`
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxEmitAttempts:       5,
		MaxFetchAttempts:      10,
		MaxCheckpointAttempts: 3,
		InitialBackoff:        1 * time.Second,
		MaxBackoff:            30 * time.Second,
		Multiplier:            2,
		Jitter:                0.2,
		AttemptTimeout:        30 * time.Second,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// retry runs op until it succeeds, returns a permanent error, or attempts run
// out. Each attempt gets its own context bounded by policy.AttemptTimeout; an
// attempt that times out counts as a transient failure. notify is called
// before each backoff sleep with the attempt that failed.
func retry(ctx context.Context, policy RetryPolicy, attempts int, op func(ctx context.Context, attempt int) error, notify func(attempt int, err error, wait time.Duration)) error {
	if attempts <= 0 {
		attempts = 1
	}

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := runAttempt(ctx, policy.AttemptTimeout, attempt, op); err != nil {
			if IsPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			if notify != nil {
				notify(attempt, err, wait)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if IsPermanent(err) || ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, op func(ctx context.Context, attempt int) error) error {
	if timeout <= 0 {
		return op(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := op(attemptCtx, attempt)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("attempt %d timed out after %s: %w", attempt, timeout, err)
	}
	return err
}
