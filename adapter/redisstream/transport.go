package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xfedmsg"
)

// Transport implements xfedmsg.Transport on Redis Streams consumer groups.
type Transport struct {
	cfg    Config
	client *redis.Client

	closed atomic.Bool

	// delivery pool to reduce per-entry allocations
	dpool sync.Pool

	metrics *transportMetrics
}

type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	deadLettered  atomic.Uint64
	claimed       atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
}

var _ xfedmsg.Transport = (*Transport)(nil)

// NewTransport connects to Redis and verifies the connection with PING.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return newTransport(cfg, client), nil
}

func newTransport(cfg Config, client *redis.Client) *Transport {
	return &Transport{
		cfg:     cfg,
		client:  client,
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() any { return new(delivery) },
		},
	}
}

// Publish appends envelopes to the topic stream with pipelined XADDs.
func (t *Transport) Publish(ctx context.Context, topic string, envs ...*xfedmsg.Envelope) error {
	if t.closed.Load() {
		return xfedmsg.ErrTransportClosed
	}
	if len(envs) == 0 {
		return nil
	}

	stream := t.cfg.stream(topic)
	pipe := t.client.Pipeline()

	n := 0
	for _, e := range envs {
		if e == nil {
			continue
		}
		args := &redis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: encodeEntry(e),
		}
		if t.cfg.MaxLenApprox > 0 {
			args.MaxLen = t.cfg.MaxLenApprox
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
		n++
	}
	if n == 0 {
		return nil
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(n))
		return fmt.Errorf("redisstream: publish %s: %w", stream, err)
	}

	t.metrics.published.Add(uint64(n))
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

// Subscribe reads the topic stream as a member of group. A poller goroutine
// feeds Concurrency workers; an optional claim loop recovers entries left
// pending by dead consumers.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(xfedmsg.Delivery)) (xfedmsg.Subscription, error) {
	if t.closed.Load() {
		return nil, xfedmsg.ErrTransportClosed
	}

	stream := t.cfg.stream(topic)
	if t.cfg.AutoCreate {
		err := t.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %s on %s: %w", group, stream, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := max(1, t.cfg.Concurrency)
	workCh := make(chan *delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				handler(d)
				t.releaseDelivery(d)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			wg.Done()
		}()
		t.pollerLoop(innerCtx, stream, group, workCh)
	}()

	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, stream, group, workCh)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			wg.Wait()
			return nil
		},
	}, nil
}

func (t *Transport) pollerLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
	}

	const (
		minBackoff = 100 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = minBackoff
				continue
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

		for _, s := range res {
			for _, m := range s.Messages {
				if !t.dispatch(ctx, stream, group, m, workCh) {
					return
				}
			}
		}
	}
}

// dispatch hands one stream entry to the workers. It reports false when ctx
// ended first.
func (t *Transport) dispatch(ctx context.Context, stream, group string, m redis.XMessage, workCh chan<- *delivery) bool {
	d := t.newDelivery()
	d.t = t
	d.stream = stream
	d.group = group
	d.id = m.ID
	d.env = decodeEntry(m.ID, m.Values)

	t.metrics.consumed.Add(1)

	select {
	case workCh <- d:
		return true
	case <-ctx.Done():
		t.releaseDelivery(d)
		return false
	}
}

func (t *Transport) newDelivery() *delivery {
	d := t.dpool.Get().(*delivery)
	d.reset()
	return d
}

func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	d.reset()
	t.dpool.Put(d)
}

// claimLoop periodically takes over entries idle longer than ClaimMinIdle
// and redelivers them to this consumer's workers.
func (t *Transport) claimLoop(ctx context.Context, stream, group string, workCh chan<- *delivery) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	start := "0-0"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    start,
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.consumeErrors.Add(1)
			continue
		}
		start = next

		for _, m := range msgs {
			t.metrics.claimed.Add(1)
			if !t.dispatch(ctx, stream, group, m, workCh) {
				return
			}
		}
	}
}

// Close shuts the Redis client down. Subscriptions should be closed first.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.client.Close()
}

// Stats is a snapshot of transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	DeadLettered  uint64
	Claimed       uint64
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
		Claimed:       t.metrics.claimed.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if !strings.EqualFold(res, "PONG") {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
