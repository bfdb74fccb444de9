package kafka

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/trickstertwo/xfedmsg"
)

// delivery implements xfedmsg.Delivery for one Kafka record.
type delivery struct {
	t     *Transport
	r     *kafkago.Reader
	topic string
	msg   kafkago.Message
	env   *xfedmsg.Envelope

	once sync.Once
}

func (d *delivery) Envelope() *xfedmsg.Envelope { return d.env }

// Ack commits the record offset for the consumer group.
func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		if err = d.r.CommitMessages(ctx, d.msg); err != nil {
			err = fmt.Errorf("kafka: commit %s/%d@%d: %w", d.msg.Topic, d.msg.Partition, d.msg.Offset, err)
			return
		}
		d.t.metrics.acked.Add(1)
	})
	return err
}

// Nack copies the record to the dead-letter topic and commits it. Without a
// dead-letter topic the offset is left uncommitted, which only guarantees
// redelivery after a rebalance or restart when no later record on the
// partition is acked first.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.t.metrics.nacked.Add(1)

	dl := d.t.cfg.DeadLetter
	if dl == "" {
		return nil
	}

	rec := encodeRecord(dl, d.env)
	rec.Headers = append(rec.Headers,
		kafkago.Header{Key: "orig-topic", Value: []byte(d.msg.Topic)},
		kafkago.Header{Key: "orig-offset", Value: []byte(strconv.FormatInt(d.msg.Offset, 10))},
		kafkago.Header{Key: "error", Value: []byte(fmt.Sprintf("%v", reason))},
	)
	if err := d.t.writer.WriteMessages(ctx, rec); err != nil {
		return fmt.Errorf("kafka: dead-letter %s@%d: %w", d.msg.Topic, d.msg.Offset, err)
	}
	d.t.metrics.deadLettered.Add(1)
	return d.Ack(ctx)
}

// encodeRecord maps an envelope onto a Kafka record: key = msg_id, value =
// encoded signed message, metadata as headers.
func encodeRecord(topic string, e *xfedmsg.Envelope) kafkago.Message {
	headers := make([]kafkago.Header, 0, 2+len(e.Metadata))
	if e.ID != "" {
		headers = append(headers, kafkago.Header{Key: headerID, Value: []byte(e.ID)})
	}
	if !e.ProducedAt.IsZero() {
		headers = append(headers, kafkago.Header{
			Key:   headerProducedAt,
			Value: []byte(strconv.FormatInt(e.ProducedAt.UnixNano(), 10)),
		})
	}
	for k, v := range e.Metadata {
		headers = append(headers, kafkago.Header{Key: headerMetaPrefix + k, Value: []byte(v)})
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(e.Key),
		Value:   e.Payload,
		Headers: headers,
		Time:    e.ProducedAt,
	}
}

// decodeRecord rebuilds an envelope. Records without an id header are
// identified as topic/partition@offset.
func decodeRecord(m kafkago.Message) *xfedmsg.Envelope {
	env := &xfedmsg.Envelope{
		ID:         fmt.Sprintf("%s/%d@%d", m.Topic, m.Partition, m.Offset),
		Key:        string(m.Key),
		Payload:    m.Value,
		Metadata:   make(map[string]string, len(m.Headers)),
		ProducedAt: m.Time,
	}

	for _, h := range m.Headers {
		switch {
		case h.Key == headerID:
			env.ID = string(h.Value)
		case h.Key == headerProducedAt:
			if ns, err := strconv.ParseInt(string(h.Value), 10, 64); err == nil {
				env.ProducedAt = time.Unix(0, ns)
			}
		case strings.HasPrefix(h.Key, headerMetaPrefix):
			env.Metadata[strings.TrimPrefix(h.Key, headerMetaPrefix)] = string(h.Value)
		}
	}

	return env
}
