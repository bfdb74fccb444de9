package xfedmsg

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ HealthChecker = (*Bus)(nil)

// Bus signs outgoing messages and verifies incoming ones on top of a
// Transport. Build it with NewBusBuilder.
type Bus struct {
	transport    Transport
	codec        Codec
	signer       *Signer
	clock        xclock.Clock
	logger       *xlog.Logger
	middlewares  []Middleware
	ackTimeout   time.Duration
	verify       bool
	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

type busMetrics struct {
	publishCount atomic.Uint64
	signFailures atomic.Uint64
	consumeCount atomic.Uint64
	ackCount     atomic.Uint64
	nackCount    atomic.Uint64
	rejectCount  atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the codec used on the wire.
func (b *Bus) Codec() Codec { return b.codec }

// Signer returns the configured signer, nil for consume-only buses.
func (b *Bus) Signer() *Signer { return b.signer }

// Publish signs msg and sends it to msg.Topic(). A signing failure is
// returned unchanged and nothing reaches the transport.
func (b *Bus) Publish(ctx context.Context, msg *Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidTopic
	}
	sm, err := b.sign(msg)
	if err != nil {
		return err
	}
	return b.PublishSigned(ctx, sm)
}

// PublishSigned sends an already signed message.
func (b *Bus) PublishSigned(ctx context.Context, sm *SignedMessage) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if sm == nil || sm.Topic() == "" {
		return ErrInvalidTopic
	}

	env, err := b.envelope(sm)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	b.metrics.publishCount.Add(1)
	return b.send(ctx, sm.Topic(), sm.ID(), env)
}

// PublishBatch signs every message, then hands them to the transport in one
// call. All messages must share a topic; the first signing failure aborts
// the batch before anything is sent.
func (b *Bus) PublishBatch(ctx context.Context, msgs ...*Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if len(msgs) == 0 {
		return nil
	}

	topic := ""
	for _, m := range msgs {
		if m == nil {
			return ErrInvalidTopic
		}
		if topic == "" {
			topic = m.Topic()
		} else if m.Topic() != topic {
			return ErrMixedTopics
		}
	}

	envs := make([]*Envelope, len(msgs))
	for i, m := range msgs {
		sm, err := b.sign(m)
		if err != nil {
			return err
		}
		env, err := b.envelope(sm)
		if err != nil {
			b.metrics.errorCount.Add(1)
			return err
		}
		envs[i] = env
	}

	b.metrics.publishCount.Add(uint64(len(envs)))
	return b.send(ctx, topic, "batch", envs...)
}

func (b *Bus) sign(m *Message) (*SignedMessage, error) {
	if b.signer == nil {
		return nil, ErrNoSignerConfigured
	}
	sm, err := b.signer.Sign(m)
	if err != nil {
		b.metrics.signFailures.Add(1)
		b.notifyAsync(Event{Type: SignFailed, Topic: m.Topic(), MessageID: m.ID(), Err: err})
		return nil, err
	}
	return sm, nil
}

func (b *Bus) envelope(sm *SignedMessage) (*Envelope, error) {
	data, err := b.codec.Marshal(sm)
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, serializationError("encode envelope", err)
	}
	return &Envelope{
		Key:     sm.ID(),
		Payload: data,
		Metadata: map[string]string{
			MetaCodec:     b.codec.Name(),
			MetaAlgorithm: SignatureAlgorithm,
		},
		ProducedAt: b.clock.Now(),
	}, nil
}

func (b *Bus) send(ctx context.Context, topic, id string, envs ...*Envelope) error {
	start := b.clock.Now()
	b.notifyAsync(Event{Type: PublishStart, Topic: topic, MessageID: id})

	err := b.transport.Publish(ctx, topic, envs...)

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(Event{Type: PublishDone, Topic: topic, MessageID: id, Duration: duration, Err: err})
	if err != nil {
		b.metrics.errorCount.Add(1)
	}
	return err
}

// Subscribe registers a handler under a consumer group for a topic. Each
// delivery is decoded and, unless verification is disabled, its signature is
// checked before the handler sees it. Undecodable or unverifiable deliveries
// are acked and dropped with a Rejected event.
func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler Handler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if topic == "" || group == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	base := RecoveryMiddleware()(handler)
	wh := Chain(base, b.middlewares...)
	hctx := InjectAll(ctx, b.codec, b.logger, b.clock, b.signer)

	return b.transport.Subscribe(ctx, topic, group, func(d Delivery) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Warn().Msg("xfedmsg: delivery panic (recovered)")
				b.metrics.errorCount.Add(1)
				_ = d.Nack(context.Background(), ErrHandlerPanic)
			}
		}()

		b.metrics.consumeCount.Add(1)
		env := d.Envelope()

		sm, err := b.open(env)
		if err != nil {
			b.metrics.rejectCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notifyAsync(Event{Type: Rejected, Topic: topic, Group: group, MessageID: env.Key, Err: err})
			return
		}

		b.notifyAsync(Event{Type: ConsumeStart, Topic: topic, Group: group, MessageID: sm.ID()})
		start := b.clock.Now()
		err = wh(hctx, sm)
		duration := b.clock.Since(start)
		b.recordProcessingTime(duration.Nanoseconds())

		if err == nil {
			b.metrics.ackCount.Add(1)
			b.ackWithTimeout(hctx, d, true, nil)
			b.notifyAsync(Event{Type: ConsumeDone, Topic: topic, Group: group, MessageID: sm.ID(), Duration: duration})
			b.notifyAsync(Event{Type: Ack, Topic: topic, Group: group, MessageID: sm.ID()})
			return
		}

		b.metrics.nackCount.Add(1)
		b.ackWithTimeout(hctx, d, false, err)
		b.notifyAsync(Event{Type: ConsumeDone, Topic: topic, Group: group, MessageID: sm.ID(), Duration: duration, Err: err})
		b.notifyAsync(Event{Type: Nack, Topic: topic, Group: group, MessageID: sm.ID(), Err: err})
	})
}

// open decodes env with the codec it names, or the bus codec when it names
// none, and verifies it when verification is on. An unregistered codec name
// rejects the envelope.
func (b *Bus) open(env *Envelope) (*SignedMessage, error) {
	if env == nil {
		return nil, serializationError("decode envelope", errors.New("nil envelope"))
	}
	c := b.codec
	if name := env.Metadata[MetaCodec]; name != "" && name != c.Name() {
		nc, err := NewCodec(name)
		if err != nil {
			return nil, serializationError("decode envelope", err)
		}
		c = nc
	}
	sm, err := Decode(c, env)
	if err != nil {
		return nil, err
	}
	if b.verify {
		if err := sm.Verify(); err != nil {
			return nil, err
		}
	}
	return sm, nil
}

func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := ctx
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(ctx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errorCount.Add(1)
			b.notifyAsync(Event{Type: ErrorEvent, Err: err})
			b.logger.Warn().Err(err).Msg("xfedmsg: ack failed")
		}
		return
	}

	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: ErrorEvent, Err: err})
		b.logger.Warn().Err(err).Msg("xfedmsg: nack failed")
	}
}

// GetMetrics snapshots the bus counters.
func (b *Bus) GetMetrics() Metrics {
	var dropped uint64
	if b.observerPool != nil {
		dropped = b.observerPool.Stats().Dropped
	}
	return Metrics{
		Published:           b.metrics.publishCount.Load(),
		SignFailures:        b.metrics.signFailures.Load(),
		Consumed:            b.metrics.consumeCount.Load(),
		Acked:               b.metrics.ackCount.Load(),
		Nacked:              b.metrics.nackCount.Load(),
		Rejected:            b.metrics.rejectCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDropped:       dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health reports "unhealthy" once closed and "degraded" when more than 5%
// of publish attempts failed to sign or send.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Timestamp: now, Message: "bus is closed"}
	}

	metrics := b.GetMetrics()
	status := "healthy"
	failures := metrics.Errors + metrics.SignFailures
	attempts := metrics.Published + metrics.SignFailures
	if failures > 0 && attempts > 0 && float64(failures)/float64(attempts) > 0.05 {
		status = "degraded"
	}

	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Close shuts the bus down: no new work, drain observers, close transport.
// Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xfedmsg: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xfedmsg: transport close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver subscribes obs to bus events.
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer. Observers of non-comparable types,
// such as ObserverFunc, cannot be removed.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil || !reflect.TypeOf(obs).Comparable() {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil || b.closed.Load() {
		return
	}

	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	b.metrics.processingNs.Store(int64(float64(ns)*alpha + float64(current)*(1-alpha)))
}
