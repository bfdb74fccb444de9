package xfedmsg

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xfedmsg (prevents collisions).
type ctxKey string

const (
	codecCtxKey  ctxKey = "xfedmsg:codec"
	loggerCtxKey ctxKey = "xfedmsg:logger"
	clockCtxKey  ctxKey = "xfedmsg:clock"
	signerCtxKey ctxKey = "xfedmsg:signer"
)

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the bus Codec injected into handler contexts.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if c, ok := ctx.Value(codecCtxKey).(Codec); ok && c != nil {
		return c, true
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if l, ok := ctx.Value(loggerCtxKey).(*xlog.Logger); ok && l != nil {
		return l, true
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if c, ok := ctx.Value(clockCtxKey).(xclock.Clock); ok && c != nil {
		return c, true
	}
	return nil, false
}

func injectSigner(ctx context.Context, s *Signer) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, signerCtxKey, s)
}

// SignerFromContext returns the bus Signer, letting handlers sign replies.
func SignerFromContext(ctx context.Context) (*Signer, bool) {
	if s, ok := ctx.Value(signerCtxKey).(*Signer); ok && s != nil {
		return s, true
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock, signer *Signer) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	ctx = injectSigner(ctx, signer)
	return ctx
}
