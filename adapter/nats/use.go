package nats

import (
	"fmt"

	"github.com/trickstertwo/xfedmsg"
)

const TransportName = "nats"

func init() {
	if err := xfedmsg.RegisterTransport(TransportName, func(cfg map[string]any) (xfedmsg.Transport, error) {
		t, err := NewTransport(ConfigFromMap(cfg))
		if err != nil {
			return nil, err
		}
		return t, nil
	}); err != nil {
		panic(fmt.Errorf("xfedmsg: failed to register transport %q: %w", TransportName, err))
	}
}

// Option configures the xfedmsg.Bus construction when calling Use.
type Option func(*xfedmsg.BusBuilder)

// WithCredentials signs published messages with the given certificate and key.
func WithCredentials(c xfedmsg.Credentials) Option {
	return func(b *xfedmsg.BusBuilder) { b.WithCredentials(c) }
}

// WithBuilder applies arbitrary builder settings (logger, codec, observers).
func WithBuilder(fn func(*xfedmsg.BusBuilder)) Option {
	return Option(fn)
}

// Use builds a Bus over NATS, installs it as the process-wide default and
// returns it. It panics when the bus cannot be built.
//
//	bus := nats.Use(nats.Config{URL: "nats://nats:4222"},
//	    nats.WithCredentials(xfedmsg.Credentials{CertPath: "svc.crt", KeyPath: "svc.key"}),
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
		panic(fmt.Errorf("nats.Use: %w", err))
	}

	xfedmsg.SetDefault(bus)
	return bus
}
