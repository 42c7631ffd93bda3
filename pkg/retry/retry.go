package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config describes an exponential retry policy.
type Config struct {
	Enabled      bool
	MaxAttempts  int           // total attempts including the first, 0 means unlimited
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on a single delay
	Multiplier   float64
	Jitter       float64       // randomization factor in [0,1)
	MaxElapsed   time.Duration // give up after this much time, 0 means no limit
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// BackOff builds the cenkalti policy described by c, bound to ctx.
func (c Config) BackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.InitialDelay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = c.Multiplier
	eb.RandomizationFactor = c.Jitter
	eb.MaxElapsedTime = c.MaxElapsed
	eb.Reset()

	var b backoff.BackOff = eb
	if c.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	return DoNotify(ctx, cfg, fn, nil)
}

// DoNotify is Do with a hook invoked before every wait.
func DoNotify(ctx context.Context, cfg Config, fn func() error, notify func(err error, next time.Duration)) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, notify)
	return err
}

// DoValue is Do for operations returning a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error), notify func(err error, next time.Duration)) (T, error) {
	if !cfg.Enabled {
		return fn()
	}

	attempts := 0
	var permanent bool
	op := func() (T, error) {
		attempts++
		v, err := fn()
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			permanent = true
		}
		return v, err
	}

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}

	v, err := backoff.RetryNotifyWithData(op, cfg.BackOff(ctx), n)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return v, fmt.Errorf("retry cancelled after %d attempts: %w", attempts, err)
	}
	if permanent {
		return v, err
	}
	return v, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// Poll calls cond every interval until it returns true or timeout passes.
func Poll(ctx context.Context, interval, timeout time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errNotYet
	}, b)
	return err == nil
}

var errNotYet = errors.New("condition not met")
