package xfedmsg

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() error { return bus.Close(context.Background()) }, nil
}

// Default returns the process-wide Bus installed by SetDefault or an
// adapter's Use. It returns ErrNoTransportConfigured when none is installed.
func Default() (*Bus, error) {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus == nil {
		return nil, ErrNoTransportConfigured
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xfedmsg: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish signs and publishes msg on the default bus.
func Publish(ctx context.Context, msg *Message) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg)
}

// Subscribe subscribes on the default bus.
func Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	b, err := Default()
	if err != nil {
		return nil, err
	}
	return b.Subscribe(ctx, topic, group, handler)
}
