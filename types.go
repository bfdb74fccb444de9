package xfedmsg

import (
	"time"
)

// Envelope is what travels the transport: an encoded SignedMessage plus
// routing metadata.
type Envelope struct {
	ID         string            // Transport identifier (transport may assign if empty)
	Key        string            // msg_id of the carried message
	Payload    []byte            // Codec-encoded SignedMessage
	Metadata   map[string]string // Headers: codec, algorithm, tracing
	ProducedAt time.Time         // Production timestamp (from injected clock)
}

// Metadata keys set by the bus on every envelope.
const (
	MetaCodec     = "codec"
	MetaAlgorithm = "algorithm"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	SignFailed   EventType = "sign_failed"
	ConsumeStart EventType = "consume_start"
	ConsumeDone  EventType = "consume_done"
	Ack          EventType = "ack"
	Nack         EventType = "nack"
	Rejected     EventType = "rejected"
	ErrorEvent   EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type      EventType
	Topic     string
	Group     string
	MessageID string
	Duration  time.Duration
	Err       error
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Published           uint64
	SignFailures        uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Rejected            uint64
	Errors              uint64
	EventsDropped       uint64
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
