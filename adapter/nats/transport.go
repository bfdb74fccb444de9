package nats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/trickstertwo/xfedmsg"
)

// Header names carried on every NATS message besides envelope metadata.
const (
	headerID         = "Xfedmsg-Id"
	headerKey        = "Xfedmsg-Msg-Id"
	headerProducedAt = "Xfedmsg-Produced-At"
	headerMetaPrefix = "Meta-"
)

// Transport implements xfedmsg.Transport on core NATS. Consumer groups map
// onto queue groups; delivery is at most once.
type Transport struct {
	cfg  Config
	conn *natsgo.Conn

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
}

var _ xfedmsg.Transport = (*Transport)(nil)

// NewTransport connects to the NATS server.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []natsgo.Option{
		natsgo.Name(cfg.Name),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.Timeout(cfg.Timeout),
		natsgo.DrainTimeout(cfg.DrainTimeout),
	}
	if cfg.Username != "" {
		opts = append(opts, natsgo.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsgo.Token(cfg.Token))
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}

	return &Transport{cfg: cfg, conn: conn, metrics: &transportMetrics{}}, nil
}

// Publish sends each envelope as a NATS message and flushes, so a nil error
// means the server has seen them.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xfedmsg.Envelope) error {
	if t.closed.Load() {
		return xfedmsg.ErrTransportClosed
	}

	subject := t.cfg.subject(topic)
	n := 0
	for _, e := range envs {
		if e == nil {
			continue
		}
		if err := t.conn.PublishMsg(encodeMsg(subject, e)); err != nil {
			t.metrics.publishErrors.Add(1)
			return fmt.Errorf("nats: publish %s: %w", subject, err)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	fctx, cancel := flushContext(ctx, t.cfg.Timeout)
	defer cancel()
	if err := t.conn.FlushWithContext(fctx); err != nil {
		t.metrics.publishErrors.Add(uint64(n))
		return fmt.Errorf("nats: flush %s: %w", subject, err)
	}
	t.metrics.published.Add(uint64(n))
	return nil
}

// flushContext bounds ctx with d when it has no deadline; FlushWithContext
// rejects contexts without one.
func flushContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

type subscription struct {
	sub  *natsgo.Subscription
	once sync.Once
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		if s.sub.IsValid() {
			err = s.sub.Drain()
		}
	})
	return err
}

// Subscribe joins queue group `group` on the topic subject. Messages are
// handled serially per subscription in the NATS dispatch goroutine.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xfedmsg.Delivery)) (xfedmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, xfedmsg.ErrTransportClosed
	}

	sub, err := t.conn.QueueSubscribe(t.cfg.subject(topic), group, func(m *natsgo.Msg) {
		if ctx.Err() != nil {
			return
		}
		t.metrics.consumed.Add(1)
		handler(&delivery{t: t, msg: m, env: decodeMsg(m)})
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe %s/%s: %w", topic, group, err)
	}

	s := &subscription{sub: sub}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Close drains the connection, letting in-flight handlers finish.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if err := t.conn.Drain(); err != nil {
		t.conn.Close()
		return err
	}
	return nil
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	PublishErrors uint64
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
	}
}

// delivery implements xfedmsg.Delivery. Core NATS has nothing to ack; Ack
// only counts and, for request-style messages, answers the reply subject.
type delivery struct {
	t   *Transport
	msg *natsgo.Msg
	env *xfedmsg.Envelope

	once sync.Once
}

func (d *delivery) Envelope() *xfedmsg.Envelope { return d.env }

func (d *delivery) Ack(_ context.Context) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.acked.Add(1)
		if d.msg.Reply != "" {
			err = d.msg.Respond(nil)
		}
	})
	return err
}

// Nack republishes the message on the dead-letter subject when one is set.
func (d *delivery) Nack(_ context.Context, reason error) error {
	var err error
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}
		m := encodeMsg(dl, d.env)
		m.Header.Set("Orig-Subject", d.msg.Subject)
		m.Header.Set("Error", fmt.Sprintf("%v", reason))
		if err = d.t.conn.PublishMsg(m); err != nil {
			err = fmt.Errorf("nats: dead-letter %s: %w", d.msg.Subject, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
	})
	return err
}

func encodeMsg(subject string, e *xfedmsg.Envelope) *natsgo.Msg {
	m := natsgo.NewMsg(subject)
	m.Data = e.Payload
	if e.ID != "" {
		m.Header.Set(headerID, e.ID)
	}
	if e.Key != "" {
		m.Header.Set(headerKey, e.Key)
	}
	if !e.ProducedAt.IsZero() {
		m.Header.Set(headerProducedAt, strconv.FormatInt(e.ProducedAt.UnixNano(), 10))
	}
	for k, v := range e.Metadata {
		m.Header.Set(headerMetaPrefix+k, v)
	}
	return m
}

func decodeMsg(m *natsgo.Msg) *xfedmsg.Envelope {
	env := &xfedmsg.Envelope{
		Payload:  m.Data,
		Metadata: make(map[string]string, len(m.Header)),
	}

	for k := range m.Header {
		v := m.Header.Get(k)
		switch {
		case k == headerID:
			env.ID = v
		case k == headerKey:
			env.Key = v
		case k == headerProducedAt:
			if ns, err := strconv.ParseInt(v, 10, 64); err == nil {
				env.ProducedAt = time.Unix(0, ns)
			}
		case strings.HasPrefix(k, headerMetaPrefix):
			env.Metadata[strings.TrimPrefix(k, headerMetaPrefix)] = v
		}
	}

	return env
}
