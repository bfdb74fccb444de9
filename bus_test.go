package xfedmsg_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xfedmsg"
	"github.com/trickstertwo/xfedmsg/adapter/memory"
)

var creds = xfedmsg.Credentials{CertPath: "testdata/signer.crt", KeyPath: "testdata/signer.key"}

const topic = "org.example.test"

type harness struct {
	bus    *xfedmsg.Bus
	tr     *memory.Transport
	events chan xfedmsg.Event
}

func newHarness(t *testing.T, configure func(*xfedmsg.BusBuilder)) *harness {
	t.Helper()
	h := &harness{
		tr:     memory.NewTransport(memory.Defaults()),
		events: make(chan xfedmsg.Event, 64),
	}
	bb := xfedmsg.NewBusBuilder().
		WithTransportInstance(h.tr).
		WithCredentials(creds).
		WithAckTimeout(time.Second).
		WithObserver(xfedmsg.ObserverFunc(func(e xfedmsg.Event) {
			select {
			case h.events <- e:
			default:
			}
		}))
	if configure != nil {
		configure(bb)
	}
	bus, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	h.bus = bus
	return h
}

// waitEvent returns the first event of type typ.
func (h *harness) waitEvent(t *testing.T, typ xfedmsg.EventType) xfedmsg.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return xfedmsg.Event{}
		}
	}
}

func newMessage(t *testing.T, payload map[string]any, seq int64) *xfedmsg.Message {
	t.Helper()
	m, err := xfedmsg.NewMessage(topic, payload, seq)
	require.NoError(t, err)
	return m
}

func TestBus_PublishSubscribe(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	got := make(chan *xfedmsg.SignedMessage, 1)
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(ctx context.Context, sm *xfedmsg.SignedMessage) error {
		signer, ok := xfedmsg.SignerFromContext(ctx)
		assert.True(t, ok)
		assert.NotNil(t, signer)
		got <- sm
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	m := newMessage(t, map[string]any{"a": 1}, 7)
	require.NoError(t, h.bus.Publish(ctx, m))

	select {
	case sm := <-got:
		assert.Equal(t, m.ID(), sm.ID())
		assert.Equal(t, int64(7), sm.Sequence())
		assert.Equal(t, json.Number("1"), sm.Payload()["a"])
		assert.NoError(t, sm.Verify())
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	h.waitEvent(t, xfedmsg.Ack)
	metrics := h.bus.GetMetrics()
	assert.Equal(t, uint64(1), metrics.Published)
	assert.Equal(t, uint64(1), metrics.Acked)
	assert.Equal(t, "healthy", h.bus.Health(ctx).Status)
}

func TestBus_RejectsTamperedMessage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var handled atomic.Int32
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	sm, err := newMessage(t, map[string]any{"a": 1}, 1).Sign(creds.CertPath, creds.KeyPath).Run()
	require.NoError(t, err)
	data, err := sm.MarshalJSON()
	require.NoError(t, err)
	forged := strings.Replace(string(data), `"msg":{"a":1}`, `"msg":{"a":1000}`, 1)

	require.NoError(t, h.tr.Publish(ctx, topic, &xfedmsg.Envelope{
		Key:      sm.ID(),
		Payload:  []byte(forged),
		Metadata: map[string]string{xfedmsg.MetaCodec: "json"},
	}))

	e := h.waitEvent(t, xfedmsg.Rejected)
	assert.ErrorIs(t, e.Err, xfedmsg.ErrInvalidSignature)
	assert.Equal(t, sm.ID(), e.MessageID)
	assert.Equal(t, int32(0), handled.Load())
	assert.Equal(t, uint64(1), h.bus.GetMetrics().Rejected)
}

func TestBus_RejectsUndecodable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error { return nil })
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.tr.Publish(ctx, topic, &xfedmsg.Envelope{Key: "k", Payload: []byte("garbage")}))
	e := h.waitEvent(t, xfedmsg.Rejected)
	assert.ErrorIs(t, e.Err, xfedmsg.ErrSerialization)
}

func TestBus_RejectsUnknownCodec(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var handled atomic.Int32
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error {
		handled.Add(1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	sm, err := newMessage(t, map[string]any{"a": 1}, 1).Sign(creds.CertPath, creds.KeyPath).Run()
	require.NoError(t, err)
	data, err := sm.MarshalJSON()
	require.NoError(t, err)

	require.NoError(t, h.tr.Publish(ctx, topic, &xfedmsg.Envelope{
		Key:      sm.ID(),
		Payload:  data,
		Metadata: map[string]string{xfedmsg.MetaCodec: "msgpack"},
	}))

	e := h.waitEvent(t, xfedmsg.Rejected)
	assert.ErrorIs(t, e.Err, xfedmsg.ErrSerialization)
	assert.ErrorIs(t, e.Err, xfedmsg.ErrUnknownCodec)
	assert.Contains(t, e.Err.Error(), "msgpack")
	assert.Equal(t, int32(0), handled.Load())
}

func TestBus_VerifyDisabled(t *testing.T) {
	h := newHarness(t, func(bb *xfedmsg.BusBuilder) { bb.WithVerify(false) })
	ctx := context.Background()

	got := make(chan *xfedmsg.SignedMessage, 1)
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(_ context.Context, sm *xfedmsg.SignedMessage) error {
		got <- sm
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	sm, err := newMessage(t, map[string]any{"a": 1}, 1).Sign(creds.CertPath, creds.KeyPath).Run()
	require.NoError(t, err)
	data, err := sm.MarshalJSON()
	require.NoError(t, err)
	forged := strings.Replace(string(data), `"i":1`, `"i":2`, 1)
	require.NoError(t, h.tr.Publish(ctx, topic, &xfedmsg.Envelope{Payload: []byte(forged)}))

	select {
	case sm := <-got:
		assert.Equal(t, int64(2), sm.Sequence())
		assert.ErrorIs(t, sm.Verify(), xfedmsg.ErrInvalidSignature)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_NackRedelivers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var attempts atomic.Int32
	done := make(chan struct{})
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error {
		if attempts.Add(1) == 1 {
			return assert.AnError
		}
		close(done)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.bus.Publish(ctx, newMessage(t, nil, 1)))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("message not redelivered")
	}
	e := h.waitEvent(t, xfedmsg.Nack)
	assert.ErrorIs(t, e.Err, assert.AnError)
	assert.Equal(t, uint64(1), h.tr.Stats().Redelivered)
}

func TestBus_SignFailure(t *testing.T) {
	bad := xfedmsg.Credentials{CertPath: creds.CertPath, KeyPath: "testdata/garbage.key"}
	h := newHarness(t, func(bb *xfedmsg.BusBuilder) { bb.WithCredentials(bad) })
	ctx := context.Background()

	m := newMessage(t, nil, 1)
	err := h.bus.Publish(ctx, m)
	assert.ErrorIs(t, err, xfedmsg.ErrParse)

	e := h.waitEvent(t, xfedmsg.SignFailed)
	assert.Equal(t, m.ID(), e.MessageID)

	metrics := h.bus.GetMetrics()
	assert.Equal(t, uint64(0), metrics.Published)
	assert.Equal(t, uint64(1), metrics.SignFailures)
	assert.Equal(t, uint64(0), h.tr.Stats().Published)
	assert.Equal(t, "degraded", h.bus.Health(ctx).Status)
}

func TestBus_PublishBatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var received atomic.Int32
	all := make(chan struct{})
	sub, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error {
		if received.Add(1) == 3 {
			close(all)
		}
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, h.bus.PublishBatch(ctx, newMessage(t, nil, 1), newMessage(t, nil, 2), newMessage(t, nil, 3)))
	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatalf("received %d of 3", received.Load())
	}

	other, err := xfedmsg.NewMessage("org.example.other", nil, 4)
	require.NoError(t, err)
	assert.ErrorIs(t, h.bus.PublishBatch(ctx, newMessage(t, nil, 5), other), xfedmsg.ErrMixedTopics)
	assert.NoError(t, h.bus.PublishBatch(ctx))
}

func TestBus_ConsumeOnly(t *testing.T) {
	bus, err := xfedmsg.NewBusBuilder().
		WithTransport(memory.TransportName, nil).
		Build()
	require.NoError(t, err)
	defer func() { _ = bus.Close(context.Background()) }()

	assert.Nil(t, bus.Signer())
	assert.ErrorIs(t, bus.Publish(context.Background(), newMessage(t, nil, 1)), xfedmsg.ErrNoSignerConfigured)
}

func TestBus_Closed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.bus.Close(ctx))
	require.NoError(t, h.bus.Close(ctx))

	assert.ErrorIs(t, h.bus.Publish(ctx, newMessage(t, nil, 1)), xfedmsg.ErrBusClosed)
	_, err := h.bus.Subscribe(ctx, topic, "g", func(context.Context, *xfedmsg.SignedMessage) error { return nil })
	assert.ErrorIs(t, err, xfedmsg.ErrBusClosed)
	assert.Equal(t, "unhealthy", h.bus.Health(ctx).Status)
}

func TestBus_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.bus.Publish(ctx, nil), xfedmsg.ErrInvalidTopic)
	_, err := h.bus.Subscribe(ctx, "", "g", func(context.Context, *xfedmsg.SignedMessage) error { return nil })
	assert.ErrorIs(t, err, xfedmsg.ErrInvalidSubscription)
	_, err = h.bus.Subscribe(ctx, topic, "g", nil)
	assert.ErrorIs(t, err, xfedmsg.ErrInvalidSubscription)
}

func TestBuilder_Errors(t *testing.T) {
	_, err := xfedmsg.NewBusBuilder().Build()
	assert.ErrorIs(t, err, xfedmsg.ErrNoTransportConfigured)

	_, err = xfedmsg.NewBusBuilder().WithTransport("carrier-pigeon", nil).Build()
	var unknown xfedmsg.ErrUnknownTransport
	assert.ErrorAs(t, err, &unknown)

	_, err = xfedmsg.NewBusBuilder().WithTransport(memory.TransportName, nil).WithCodec("xml").Build()
	assert.Error(t, err)

	_, err = xfedmsg.NewBusBuilder().
		WithTransport(memory.TransportName, nil).
		WithCredentials(xfedmsg.Credentials{CertPath: "only.crt"}).
		Build()
	assert.ErrorIs(t, err, xfedmsg.ErrMissingCredentials)

	assert.Contains(t, xfedmsg.Transports(), memory.TransportName)
}

func TestFacade_DefaultBus(t *testing.T) {
	bus := memory.Use(memory.Defaults(), memory.WithCredentials(creds), memory.WithCodec("jcs"))
	defer func() { _ = bus.Close(context.Background()) }()

	def, err := xfedmsg.Default()
	require.NoError(t, err)
	assert.Same(t, bus, def)
	assert.Equal(t, "jcs", def.Codec().Name())

	got := make(chan string, 1)
	sub, err := xfedmsg.Subscribe(context.Background(), topic, "g", func(_ context.Context, sm *xfedmsg.SignedMessage) error {
		got <- sm.ID()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	m := newMessage(t, map[string]any{"a": 1}, 1)
	require.NoError(t, xfedmsg.Publish(context.Background(), m))
	select {
	case id := <-got:
		assert.Equal(t, m.ID(), id)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_RemoveObserver(t *testing.T) {
	h := newHarness(t, nil)
	obs := xfedmsg.LoggingObserver{}
	h.bus.AddObserver(obs)
	h.bus.RemoveObserver(obs)
	h.bus.RemoveObserver(xfedmsg.ObserverFunc(func(xfedmsg.Event) {}))
}
