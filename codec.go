package xfedmsg

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

// JSONCodec is the default codec. A *SignedMessage encodes to its canonical
// wire form.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return marshalWire(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }

// marshalWire keeps a Marshaler's bytes as they are. json.Marshal would
// re-escape HTML characters inside them and change the signed form.
func marshalWire(v any) ([]byte, error) {
	if m, ok := v.(json.Marshaler); ok {
		return m.MarshalJSON()
	}
	return encodeCanonical("marshal", v)
}

// JCSCodec encodes with the RFC 8785 JSON Canonicalization Scheme. Numbers
// are rewritten in ES6 form, so integers beyond 2^53 do not survive it.
type JCSCodec struct{}

func (JCSCodec) Marshal(v any) ([]byte, error) {
	data, err := marshalWire(v)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(data)
}

func (JCSCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JCSCodec) Name() string                    { return "jcs" }

// CodecFactory constructs codecs via Factory pattern.
type CodecFactory func() Codec

var (
	codecRegistryMu sync.RWMutex
	codecRegistry   = map[string]CodecFactory{
		"json": func() Codec { return JSONCodec{} },
		"jcs":  func() Codec { return JCSCodec{} },
	}
)

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	if name == "" {
		return errors.New("codec name must not be empty")
	}
	if factory == nil {
		return errors.New("codec factory must not be nil")
	}
	codecRegistryMu.Lock()
	codecRegistry[name] = factory
	codecRegistryMu.Unlock()
	return nil
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	codecRegistryMu.RLock()
	f, ok := codecRegistry[name]
	codecRegistryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return f(), nil
}

// Decode turns an envelope back into a SignedMessage using c. It does not
// verify the signature.
func Decode(c Codec, env *Envelope) (*SignedMessage, error) {
	if c == nil {
		c = JSONCodec{}
	}
	var sm SignedMessage
	if err := c.Unmarshal(env.Payload, &sm); err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, err
		}
		return nil, serializationError("decode envelope", err)
	}
	return &sm, nil
}
