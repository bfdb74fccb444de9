package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xfedmsg"
	"github.com/trickstertwo/xfedmsg/internal/cfgmap"
)

const TransportName = "memory"

func init() {
	if err := xfedmsg.RegisterTransport(TransportName, func(cfg map[string]any) (xfedmsg.Transport, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xfedmsg/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the per-group queue size (default: 1024).
	BufferSize int
	// Concurrency is the number of worker goroutines per subscription (default: 1).
	Concurrency int
	// RedeliveryDelay is the delay before re-enqueuing an envelope on Nack (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// AssignIDs assigns transport IDs to envelopes with an empty ID (default: true).
	AssignIDs bool
}

// Defaults returns the default memory configuration.
func Defaults() Config {
	return Config{BufferSize: 1024, Concurrency: 1, AssignIDs: true}
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()
	cfgmap.Apply(m,
		cfgmap.PositiveInt("buffer_size", &c.BufferSize),
		cfgmap.PositiveInt("concurrency", &c.Concurrency),
		cfgmap.Duration("redelivery_delay", &c.RedeliveryDelay),
		cfgmap.Bool("assign_ids", &c.AssignIDs),
	)
	return c
}

// Transport is an in-process xfedmsg.Transport for development and tests.
// Every consumer group of a topic receives its own copy of each envelope;
// subscribers sharing a group compete for them. Nothing survives the process.
type Transport struct {
	cfg Config

	mu     sync.RWMutex
	groups map[string]map[string]*group // topic -> group name -> group

	done   chan struct{}
	closed atomic.Bool

	published   atomic.Uint64
	consumed    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

type group struct {
	queue chan *entry
}

// entry is one envelope waiting in a group queue.
type entry struct {
	env      *xfedmsg.Envelope
	attempts int
}

var _ xfedmsg.Transport = (*Transport)(nil)

// NewTransport creates an empty in-memory transport.
func NewTransport(cfg Config) *Transport {
	cfg.BufferSize = max(cfg.BufferSize, 1)
	cfg.Concurrency = max(cfg.Concurrency, 1)
	return &Transport{
		cfg:    cfg,
		groups: make(map[string]map[string]*group),
		done:   make(chan struct{}),
	}
}

// Publish copies each envelope into every consumer group subscribed to
// topic. With no group subscribed the envelopes are discarded. Publish
// blocks while a group queue is full, until ctx is done.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xfedmsg.Envelope) error {
	if t.closed.Load() {
		return xfedmsg.ErrTransportClosed
	}

	t.mu.RLock()
	targets := make([]*group, 0, len(t.groups[topic]))
	for _, g := range t.groups[topic] {
		targets = append(targets, g)
	}
	t.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	for _, env := range envs {
		if env == nil {
			continue
		}
		if t.cfg.AssignIDs && env.ID == "" {
			env.ID = nextID()
		}
		for _, g := range targets {
			select {
			case g.queue <- &entry{env: cloneEnvelope(env)}:
			case <-ctx.Done():
				return ctx.Err()
			case <-t.done:
				return xfedmsg.ErrTransportClosed
			}
		}
		t.published.Add(1)
	}
	return nil
}

// Subscribe starts Config.Concurrency workers for group on topic. The
// workers stop when ctx is done, the subscription is closed or the
// transport is closed.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xfedmsg.Delivery)) (xfedmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, xfedmsg.ErrTransportClosed
	}
	g := t.join(topic, group)

	subCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(t.cfg.Concurrency)
	for range t.cfg.Concurrency {
		go func() {
			defer wg.Done()
			t.consume(subCtx, g, handler)
		}()
	}

	var once sync.Once
	return &subscription{close: func() error {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
		return nil
	}}, nil
}

// join returns the named group of topic, creating it on first use.
func (t *Transport) join(topic, name string) *group {
	t.mu.Lock()
	defer t.mu.Unlock()

	byName, ok := t.groups[topic]
	if !ok {
		byName = make(map[string]*group)
		t.groups[topic] = byName
	}
	g, ok := byName[name]
	if !ok {
		g = &group{queue: make(chan *entry, t.cfg.BufferSize)}
		byName[name] = g
	}
	return g
}

func (t *Transport) consume(ctx context.Context, g *group, handler func(xfedmsg.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case e := <-g.queue:
			e.attempts++
			t.consumed.Add(1)
			handler(&delivery{t: t, g: g, e: e})
		}
	}
}

// requeue puts e back on its group queue, waiting RedeliveryDelay first
// when set. It never blocks the caller: when the queue is full the entry is
// handed to a timer goroutine that waits for room or for Close.
func (t *Transport) requeue(g *group, e *entry) {
	t.redelivered.Add(1)
	if t.cfg.RedeliveryDelay <= 0 {
		select {
		case g.queue <- e:
			return
		default:
		}
	}
	time.AfterFunc(t.cfg.RedeliveryDelay, func() {
		select {
		case g.queue <- e:
		case <-t.done:
		}
	})
}

// Close stops all workers and forgets every topic. Envelopes still queued
// are lost.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	close(t.done)

	t.mu.Lock()
	t.groups = make(map[string]map[string]*group)
	t.mu.Unlock()
	return nil
}

// Stats counts transport activity.
type Stats struct {
	Published   uint64
	Consumed    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Published:   t.published.Load(),
		Consumed:    t.consumed.Load(),
		Acked:       t.acked.Load(),
		Nacked:      t.nacked.Load(),
		Redelivered: t.redelivered.Load(),
	}
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error { return s.close() }

// delivery settles exactly once; later Ack or Nack calls are no-ops.
type delivery struct {
	t       *Transport
	g       *group
	e       *entry
	settled atomic.Bool
}

func (d *delivery) Envelope() *xfedmsg.Envelope { return d.e.env }

// Attempts reports how many times the envelope has been handed out,
// starting at 1.
func (d *delivery) Attempts() int { return d.e.attempts }

func (d *delivery) Ack(_ context.Context) error {
	if d.settled.CompareAndSwap(false, true) {
		d.t.acked.Add(1)
	}
	return nil
}

// Nack puts the envelope back on the group queue for another attempt.
func (d *delivery) Nack(_ context.Context, _ error) error {
	if d.settled.CompareAndSwap(false, true) {
		d.t.nacked.Add(1)
		d.t.requeue(d.g, d.e)
	}
	return nil
}

func cloneEnvelope(env *xfedmsg.Envelope) *xfedmsg.Envelope {
	c := *env
	c.Payload = slices.Clone(env.Payload)
	c.Metadata = maps.Clone(env.Metadata)
	return &c
}

var idSeq atomic.Uint64

func nextID() string {
	return fmt.Sprintf("mem-%d", idSeq.Add(1))
}
