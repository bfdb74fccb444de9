package memory

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xfedmsg"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus over the in-memory transport, installs it as the
// process-wide default and returns it.
//
//	bus := memory.Use(memory.Defaults(),
//	    memory.WithCredentials(xfedmsg.Credentials{CertPath: "svc.crt", KeyPath: "svc.key"}),
//	    memory.WithLogger(logger),
//	)
func Use(cfg Config, opts ...Option) *xfedmsg.Bus {
	bb := xfedmsg.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}

	xfedmsg.SetDefault(bus)
	return bus
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"buffer_size":      c.BufferSize,
		"concurrency":      c.Concurrency,
		"redelivery_delay": c.RedeliveryDelay,
		"assign_ids":       c.AssignIDs,
	}
}

// Option configures the xfedmsg.Bus when calling Use.
type Option func(*xfedmsg.BusBuilder)

// WithCredentials signs published messages with the given certificate and key.
func WithCredentials(c xfedmsg.Credentials) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithCredentials(c) }
}

// WithSigner signs published messages with s.
func WithSigner(s *xfedmsg.Signer) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithSigner(s) }
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

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares (retry, timeout, etc).
func WithMiddleware(mw ...xfedmsg.Middleware) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xfedmsg.Observer) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool sizes the async observer pool.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
