package xfedmsg

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver writes bus events to an xlog logger. Signing and
// verification failures are reported at warn level, everything else at debug.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	lg := o.Logger.With(
		xlog.Str("event", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("msg_id", e.MessageID),
	)
	if e.Group != "" {
		lg = lg.With(xlog.Str("group", e.Group))
	}

	switch e.Type {
	case SignFailed:
		lg.Warn().Err(e.Err).Msg("xfedmsg: message not signed")
	case Rejected:
		lg.Warn().Err(e.Err).Msg("xfedmsg: delivery rejected")
	case Nack, ErrorEvent:
		lg.Warn().Err(e.Err).Msg("xfedmsg: delivery failed")
	case PublishDone, ConsumeDone:
		lg = lg.With(xlog.Dur("duration", e.Duration))
		if e.Err != nil {
			lg.Warn().Err(e.Err).Msg("xfedmsg: " + string(e.Type))
			return
		}
		lg.Debug().Msg("xfedmsg: " + string(e.Type))
	default:
		lg.Debug().Msg("xfedmsg: " + string(e.Type))
	}
}

// ObserverPool fans events out to observers on a fixed set of goroutines.
// Notify never blocks: when the queue is full the event is counted as
// dropped. A panicking observer does not affect the others.
type ObserverPool struct {
	queue   chan dispatch
	workers int

	mu     sync.RWMutex // orders Notify against closing the queue
	closed bool
	wg     sync.WaitGroup

	dropped   atomic.Uint64
	processed atomic.Uint64
}

type dispatch struct {
	event     Event
	observers []Observer
}

// NewObserverPool starts workers goroutines over a queue of bufferSize
// events. The pool stops accepting events when ctx is done.
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	op := &ObserverPool{
		queue:   make(chan dispatch, bufferSize),
		workers: workers,
	}
	op.wg.Add(workers)
	for range workers {
		go op.run()
	}
	context.AfterFunc(ctx, func() { op.stop() })
	return op
}

// Notify queues e for observers.
func (op *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 {
		return
	}
	op.mu.RLock()
	defer op.mu.RUnlock()
	if op.closed {
		return
	}
	select {
	case op.queue <- dispatch{event: e, observers: slices.Clone(observers)}:
	default:
		op.dropped.Add(1)
	}
}

func (op *ObserverPool) run() {
	defer op.wg.Done()
	for d := range op.queue {
		for _, obs := range d.observers {
			deliver(obs, d.event)
		}
		op.processed.Add(1)
	}
}

func deliver(obs Observer, e Event) {
	if obs == nil {
		return
	}
	defer func() { _ = recover() }()
	obs.OnEvent(e)
}

// stop closes the queue once. Workers drain what is queued and exit.
func (op *ObserverPool) stop() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.closed {
		return false
	}
	op.closed = true
	close(op.queue)
	return true
}

// Close stops the pool and waits up to timeout for queued events to be
// delivered. Calling it again returns nil immediately.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if !op.stop() {
		return nil
	}
	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrObserverPoolShutdownTimeout
	}
}

// Stats reports queue usage and delivery counters.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.queue),
		Workers:      op.workers,
		BufferSize:   cap(op.queue),
	}
}
