package redisstream

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xfedmsg"
	"github.com/trickstertwo/xlog"
)

// Option configures the xfedmsg.Bus construction when calling Use.
type Option func(*xfedmsg.BusBuilder)

// WithCredentials signs published messages with the given certificate and key.
func WithCredentials(c xfedmsg.Credentials) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithCredentials(c) }
}

// WithVerify toggles signature verification on consume.
func WithVerify(v bool) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithVerify(v) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
func WithCodec(name string) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xfedmsg.Middleware) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xfedmsg.Observer) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithObserver(obs...) }
}
