package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/trickstertwo/xfedmsg"
)

// Header names carried on every Kafka record besides envelope metadata.
const (
	headerID         = "xfedmsg-id"
	headerProducedAt = "xfedmsg-produced-at"
	headerMetaPrefix = "meta-"
)

// Transport implements xfedmsg.Transport on Kafka. One Writer serves every
// topic; each subscription owns a consumer-group Reader.
type Transport struct {
	cfg    Config
	writer *kafkago.Writer

	mu      sync.Mutex
	readers map[*kafkago.Reader]struct{}

	closed  atomic.Bool
	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xfedmsg.Transport = (*Transport)(nil)

// NewTransport builds the shared Writer. Kafka connections are lazy, so
// broker problems surface on the first Publish or Subscribe.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafkago.RequiredAcks(cfg.RequiredAcks),
		AllowAutoTopicCreation: cfg.AutoCreate,
		WriteTimeout:           cfg.WriteTimeout,
		MaxAttempts:            cfg.MaxAttempts,
	}

	return &Transport{
		cfg:     cfg,
		writer:  w,
		readers: make(map[*kafkago.Reader]struct{}),
		metrics: &transportMetrics{},
	}, nil
}

// Publish writes envelopes to the topic keyed by msg_id, so one message
// always lands on the same partition.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xfedmsg.Envelope) error {
	if t.closed.Load() {
		return xfedmsg.ErrTransportClosed
	}

	msgs := make([]kafkago.Message, 0, len(envs))
	for _, e := range envs {
		if e == nil {
			continue
		}
		msgs = append(msgs, encodeRecord(t.cfg.topic(topic), e))
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := t.writer.WriteMessages(ctx, msgs...); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return fmt.Errorf("kafka: publish %s: %w", t.cfg.topic(topic), err)
	}
	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe joins consumer group `group` on the topic. Records are handled
// one at a time to keep per-partition order; Ack commits the offset.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xfedmsg.Delivery)) (xfedmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, xfedmsg.ErrTransportClosed
	}

	rc := kafkago.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		GroupID:        group,
		Topic:          t.cfg.topic(topic),
		MinBytes:       t.cfg.MinBytes,
		MaxBytes:       t.cfg.MaxBytes,
		MaxWait:        t.cfg.MaxWait,
		CommitInterval: t.cfg.CommitInterval,
		StartOffset:    kafkago.LastOffset,
	}
	if t.cfg.StartFirst {
		rc.StartOffset = kafkago.FirstOffset
	}
	if err := rc.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: reader config: %w", err)
	}
	r := kafkago.NewReader(rc)

	t.mu.Lock()
	t.readers[r] = struct{}{}
	t.mu.Unlock()

	innerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.readLoop(innerCtx, r, topic, handler)
	}()

	var once sync.Once
	return &subscription{
		close: func() error {
			var err error
			once.Do(func() {
				cancel()
				<-done
				err = t.closeReader(r)
			})
			return err
		},
	}, nil
}

func (t *Transport) readLoop(ctx context.Context, r *kafkago.Reader, topic string, handler func(xfedmsg.Delivery)) {
	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			t.metrics.consumeErrors.Add(1)
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = minBackoff

		t.metrics.consumed.Add(1)
		handler(&delivery{t: t, r: r, topic: topic, msg: m, env: decodeRecord(m)})
	}
}

func (t *Transport) closeReader(r *kafkago.Reader) error {
	t.mu.Lock()
	_, ok := t.readers[r]
	delete(t.readers, r)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// Close flushes the writer and closes any reader still open.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}

	t.mu.Lock()
	readers := make([]*kafkago.Reader, 0, len(t.readers))
	for r := range t.readers {
		readers = append(readers, r)
	}
	t.readers = make(map[*kafkago.Reader]struct{})
	t.mu.Unlock()

	errs := make([]error, 0, len(readers)+1)
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, t.writer.Close())
	return errors.Join(errs...)
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	PublishErrors uint64
	ConsumeErrors uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}
