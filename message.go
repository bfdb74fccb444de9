package xfedmsg

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
)

// Message is an unsigned bus message. It is immutable once constructed: the
// payload is copied on the way in and on the way out. Convert it to a
// SignedMessage with Sign or a Signer.
type Message struct {
	topic     string
	payload   map[string]any
	timestamp int64 // epoch milliseconds
	sequence  int64
	id        string
}

// MessageOption configures NewMessage.
type MessageOption func(*messageOptions)

type messageOptions struct {
	clock xclock.Clock
	at    time.Time
}

// WithClock takes the construction instant from c instead of xclock.Default().
func WithClock(c xclock.Clock) MessageOption {
	return func(o *messageOptions) { o.clock = c }
}

// WithTime pins the construction instant. Useful for replays and tests.
func WithTime(t time.Time) MessageOption {
	return func(o *messageOptions) { o.at = t }
}

// NewMessage builds a Message for topic. The id is generated here as
// "<year>-<uuid>" and the timestamp is the current time in milliseconds.
func NewMessage(topic string, payload map[string]any, sequence int64, opts ...MessageOption) (*Message, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrInvalidTopic
	}

	var o messageOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	now := o.at
	if now.IsZero() {
		clk := o.clock
		if clk == nil {
			clk = xclock.Default()
		}
		now = clk.Now()
	}

	return &Message{
		topic:     topic,
		payload:   copyPayload(payload),
		timestamp: now.UnixMilli(),
		sequence:  sequence,
		id:        newMessageID(now),
	}, nil
}

func newMessageID(now time.Time) string {
	return strconv.Itoa(now.Year()) + "-" + uuid.NewString()
}

// Topic returns the message topic.
func (m *Message) Topic() string { return m.topic }

// Payload returns a copy of the payload.
func (m *Message) Payload() map[string]any { return copyPayload(m.payload) }

// Timestamp returns the construction instant at millisecond precision.
func (m *Message) Timestamp() time.Time { return time.UnixMilli(m.timestamp) }

// TimestampMillis returns the construction instant in epoch milliseconds.
func (m *Message) TimestampMillis() int64 { return m.timestamp }

// Sequence returns the caller-supplied counter ("i" on the wire).
func (m *Message) Sequence() int64 { return m.sequence }

// ID returns the message id ("msg_id" on the wire).
func (m *Message) ID() string { return m.id }

// Canonical returns the canonical serialization of m. See Canonical.
func (m *Message) Canonical() ([]byte, error) { return Canonical(m) }

// clone returns an independent copy of m.
func (m *Message) clone() Message {
	c := *m
	c.payload = copyPayload(m.payload)
	return c
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyPayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []byte:
		if t == nil {
			return t
		}
		out := make([]byte, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}
