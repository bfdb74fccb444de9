package xfedmsg

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is(err, ErrIO) and friends.
var (
	ErrIO            = errors.New("io error")
	ErrParse         = errors.New("parse error")
	ErrCrypto        = errors.New("crypto error")
	ErrSerialization = errors.New("serialization error")
)

var (
	ErrInvalidTopic       = errors.New("xfedmsg: topic must not be empty")
	ErrInvalidSignature   = errors.New("xfedmsg: signature verification failed")
	ErrMissingCredentials = errors.New("xfedmsg: certificate and key paths are required")

	ErrBusClosed                   = errors.New("xfedmsg: bus is closed")
	ErrNoTransportConfigured       = errors.New("xfedmsg: no transport configured")
	ErrNoSignerConfigured          = errors.New("xfedmsg: no signer configured")
	ErrInvalidSubscription         = errors.New("xfedmsg: topic, group and handler are required")
	ErrMixedTopics                 = errors.New("xfedmsg: batch messages must share one topic")
	ErrHandlerPanic                = errors.New("xfedmsg: handler panic")
	ErrObserverPoolShutdownTimeout = errors.New("xfedmsg: observer pool shutdown timed out")
	ErrTransportClosed             = errors.New("xfedmsg: transport is closed")
	ErrUnknownCodec                = errors.New("xfedmsg: codec not registered")
)

// Error is the failure surfaced by the signing pipeline. Kind is one of
// ErrIO, ErrParse, ErrCrypto or ErrSerialization.
type Error struct {
	Kind error
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := "xfedmsg: " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool { return target != nil && target == e.Kind }

func ioError(op, path string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Path: path, Err: err}
}

func parseError(op, path string, err error) error {
	return &Error{Kind: ErrParse, Op: op, Path: path, Err: err}
}

func cryptoError(op, path string, err error) error {
	return &Error{Kind: ErrCrypto, Op: op, Path: path, Err: err}
}

func serializationError(op string, err error) error {
	return &Error{Kind: ErrSerialization, Op: op, Err: err}
}

// ErrUnknownTransport is returned by NewTransport for unregistered names.
type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }
