package redisstream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xfedmsg"
)

// delivery implements xfedmsg.Delivery for one stream entry.
type delivery struct {
	t      *Transport
	stream string
	group  string
	id     string
	env    *xfedmsg.Envelope

	// Ack/Nack happen at most once
	onceAck *sync.Once
}

func (d *delivery) reset() {
	d.t = nil
	d.stream = ""
	d.group = ""
	d.id = ""
	d.env = nil
	d.onceAck = &sync.Once{}
}

func (d *delivery) Envelope() *xfedmsg.Envelope { return d.env }

// Ack acknowledges the entry, deleting it when AutoDeleteOnAck is set.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.onceAck.Do(func() {
		err = d.t.client.XAck(ctx, d.stream, d.group, d.id).Err()
		if err != nil {
			return
		}
		d.t.metrics.acked.Add(1)
		if d.t.cfg.AutoDeleteOnAck {
			_ = d.t.client.XDel(ctx, d.stream, d.id).Err()
		}
	})
	return err
}

// Nack has no native Redis counterpart. With a dead-letter stream the entry
// is copied there and acked; otherwise it stays pending for the claim loop.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	values := encodeEntry(d.env)
	values["orig_stream"] = d.stream
	values["orig_id"] = d.id
	values["error"] = fmt.Sprintf("%v", reason)

	if err := d.t.client.XAdd(ctx, &redis.XAddArgs{Stream: dl, ID: "*", Values: values}).Err(); err != nil {
		return fmt.Errorf("redisstream: dead-letter %s: %w", d.id, err)
	}
	d.t.metrics.deadLettered.Add(1)
	return d.Ack(ctx)
}

// encodeEntry flattens an envelope into XADD field/value pairs.
func encodeEntry(e *xfedmsg.Envelope) map[string]any {
	vals := make(map[string]any, 4+len(e.Metadata))
	if e.ID != "" {
		vals[fieldID] = e.ID
	}
	vals[fieldKey] = e.Key
	vals[fieldPayload] = e.Payload
	if !e.ProducedAt.IsZero() {
		vals[fieldProducedAt] = e.ProducedAt.UnixNano()
	}
	for k, v := range e.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// decodeEntry rebuilds an envelope from a stream entry. The Redis entry ID is
// used when the producer did not set one.
func decodeEntry(id string, vals map[string]any) *xfedmsg.Envelope {
	env := &xfedmsg.Envelope{
		ID:       id,
		Metadata: make(map[string]string, 2),
	}

	if v, ok := vals[fieldID]; ok {
		if s := asString(v); s != "" {
			env.ID = s
		}
	}
	if v, ok := vals[fieldKey]; ok {
		env.Key = asString(v)
	}
	switch p := vals[fieldPayload].(type) {
	case []byte:
		env.Payload = p
	case string:
		env.Payload = []byte(p)
	}
	if ns, ok := toInt64(vals[fieldProducedAt]); ok && ns > 0 {
		env.ProducedAt = time.Unix(0, ns)
	}

	for k, v := range vals {
		if name, ok := strings.CutPrefix(k, fieldMetaPrefix); ok {
			env.Metadata[name] = asString(v)
		}
	}

	return env
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	case []byte:
		return toInt64(string(n))
	}
	return 0, false
}
