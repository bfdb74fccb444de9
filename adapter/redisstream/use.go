package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xfedmsg"
)

const TransportName = "redis-streams"

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

// Use builds a Bus over Redis Streams, installs it as the process-wide
// default and returns it. It panics when the bus cannot be built.
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
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}

	xfedmsg.SetDefault(bus)
	return bus
}
