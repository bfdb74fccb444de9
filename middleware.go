package xfedmsg

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/trickstertwo/xlog"
)

// RetryConfig controls how RetryMiddleware re-runs a failing handler.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int
	// Backoff returns the wait after the given failed attempt. Nil retries immediately.
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether err is worth another attempt. Nil uses Retryable.
	RetryIf func(err error) bool
	// Jitter adds a random wait in [0, Jitter).
	Jitter time.Duration
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so that RetryMiddleware returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retryable is the default RetryIf. Errors marked Permanent, context errors and
// failures in the signing pipeline are final: the same signed message would
// fail the same way again.
func Retryable(err error) bool {
	var p permanentError
	switch {
	case errors.As(err, &p):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCrypto), errors.Is(err, ErrParse), errors.Is(err, ErrSerialization):
		return false
	}
	return true
}

// ExponentialBackoff doubles base after every attempt, capped at limit.
func ExponentialBackoff(base, limit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < limit; i++ {
			d *= 2
		}
		return min(d, limit)
	}
}

// RetryMiddleware re-runs the handler until it succeeds, the error is not
// retryable, attempts run out or ctx ends. The last error is returned.
func RetryMiddleware(cfg RetryConfig) Middleware {
	attempts := max(cfg.MaxAttempts, 1)
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = Retryable
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *SignedMessage) error {
			for attempt := 1; ; attempt++ {
				err := next(ctx, msg)
				if err == nil || attempt >= attempts || ctx.Err() != nil || !retryIf(err) {
					return err
				}
				if werr := wait(ctx, cfg.delay(attempt)); werr != nil {
					return err
				}
			}
		}
	}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	var d time.Duration
	if c.Backoff != nil {
		d = c.Backoff(attempt)
	}
	if c.Jitter > 0 {
		d += rand.N(c.Jitter)
	}
	return d
}

func wait(ctx context.Context, d time.Duration) error {
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

// TimeoutMiddleware bounds handler runtime. A handler that outlives d keeps
// running in the background but its result is discarded and
// context.DeadlineExceeded is returned, which nacks the delivery.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		guarded := RecoveryMiddleware()(next)
		return func(ctx context.Context, msg *SignedMessage) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- guarded(ctx, msg) }()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// RecoveryMiddleware turns a handler panic into an error wrapping ErrHandlerPanic.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *SignedMessage) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs every verified message handed to the handler.
func LoggingMiddleware(l *xlog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *SignedMessage) error {
			start := time.Now()
			err := next(ctx, msg)

			lg := l.With(
				xlog.Str("topic", msg.Topic()),
				xlog.Str("msg_id", msg.ID()),
				xlog.Dur("dur", time.Since(start)),
			)
			if err != nil {
				lg.Warn().Err(err).Msg("xfedmsg: handler failed")
				return err
			}
			lg.Debug().Msg("xfedmsg: handled")
			return nil
		}
	}
}

// Chain wraps h so that mws[0] runs first. Nil entries are skipped.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
