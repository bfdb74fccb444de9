package xfedmsg

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder assembles a Bus from a transport, credentials and options.
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	signer *Signer
	creds  *Credentials
	verify bool

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	ackTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a builder with the json codec, verification on and
// a 5s ack timeout.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:   "json",
		verify:      true,
		ackTimeout:  5 * time.Second,
		poolWorkers: 4,
		poolBuffer:  1024,
	}
}

func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance.
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance sets the codec directly, bypassing the registry.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithSigner sets the signer used by Publish.
func (bb *BusBuilder) WithSigner(s *Signer) *BusBuilder {
	bb.signer = s
	return bb
}

// WithCredentials builds a Signer from creds at Build time, sharing the bus
// logger and clock. Ignored when WithSigner is also used.
func (bb *BusBuilder) WithCredentials(creds Credentials) *BusBuilder {
	bb.creds = &creds
	return bb
}

// WithVerify toggles signature verification on consume (default on).
func (bb *BusBuilder) WithVerify(v bool) *BusBuilder {
	bb.verify = v
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer dispatch pool.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	bb.poolWorkers = workers
	bb.poolBuffer = bufferSize
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var tr Transport
	var err error

	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	signer := bb.signer
	if signer == nil && bb.creds != nil {
		signer, err = NewSigner(*bb.creds, WithSignerLogger(lg), WithSignerClock(clk))
		if err != nil {
			return nil, err
		}
	}

	b := &Bus{
		transport:    tr,
		codec:        cd,
		signer:       signer,
		clock:        clk,
		logger:       lg,
		middlewares:  bb.middlewares,
		ackTimeout:   bb.ackTimeout,
		verify:       bb.verify,
		observerPool: NewObserverPool(context.Background(), bb.poolWorkers, bb.poolBuffer),
		metrics:      &busMetrics{},
	}

	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}
