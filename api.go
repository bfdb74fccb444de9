package xfedmsg

import (
	"context"
)

// Handler processes a verified signed message. Return error to trigger Nack/Retry.
type Handler func(ctx context.Context, msg *SignedMessage) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active subscription that can be closed.
type Subscription interface {
	Close() error
}

// Delivery encapsulates a received envelope with Ack/Nack semantics.
type Delivery interface {
	Envelope() *Envelope
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Publish sends envelopes to a topic/stream.
	Publish(ctx context.Context, topic string, envs ...*Envelope) error
	// Subscribe binds a handler to a topic/stream within a consumer group.
	// The transport drives delivery in background and honors ctx.
	Subscribe(ctx context.Context, topic, group string, handler func(Delivery)) (Subscription, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding signed messages on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete bus surface.
type API interface {
	Publish(ctx context.Context, msg *Message) error
	PublishSigned(ctx context.Context, msg *SignedMessage) error
	PublishBatch(ctx context.Context, msgs ...*Message) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
