package xfedmsg

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignedMessage is a Message together with its signature and the
// certificate that produced it. It holds its own copy of the message fields.
type SignedMessage struct {
	msg         Message
	signature   string
	certificate string
}

func newSignedMessage(m *Message, signature, certificate string) *SignedMessage {
	return &SignedMessage{
		msg:         m.clone(),
		signature:   signature,
		certificate: certificate,
	}
}

// Message returns a copy of the signed message.
func (s *SignedMessage) Message() *Message {
	c := s.msg.clone()
	return &c
}

// Signature returns the base64 signature over the canonical message bytes.
func (s *SignedMessage) Signature() string { return s.signature }

// Certificate returns the base64 of the PEM certificate text.
func (s *SignedMessage) Certificate() string { return s.certificate }

// Topic returns the topic of the signed message.
func (s *SignedMessage) Topic() string { return s.msg.topic }

// ID returns the msg_id.
func (s *SignedMessage) ID() string { return s.msg.id }

// Sequence returns the sequence number, "i" on the wire.
func (s *SignedMessage) Sequence() int64 { return s.msg.sequence }

// Timestamp returns the creation instant at millisecond precision.
func (s *SignedMessage) Timestamp() time.Time { return s.msg.Timestamp() }

// Payload returns a copy of the message body.
func (s *SignedMessage) Payload() map[string]any { return s.msg.Payload() }

// Canonical returns the bytes the signature covers, without the certificate
// and signature fields.
func (s *SignedMessage) Canonical() ([]byte, error) { return Canonical(&s.msg) }

// MarshalJSON renders the signed wire form: the message keys plus
// certificate and signature, all in alphabetical order.
func (s *SignedMessage) MarshalJSON() ([]byte, error) {
	return encodeCanonical("marshal signed message", wireSignedMessage{
		Certificate: s.certificate,
		I:           s.msg.sequence,
		Msg:         s.msg.payload,
		MsgID:       s.msg.id,
		Signature:   s.signature,
		Timestamp:   s.msg.timestamp,
		Topic:       s.msg.topic,
	})
}

// UnmarshalJSON decodes the signed wire form. Payload numbers are kept as
// json.Number so the canonical bytes can be reproduced exactly.
func (s *SignedMessage) UnmarshalJSON(data []byte) error {
	var w struct {
		Certificate *string        `json:"certificate"`
		I           int64          `json:"i"`
		Msg         map[string]any `json:"msg"`
		MsgID       *string        `json:"msg_id"`
		Signature   *string        `json:"signature"`
		Timestamp   int64          `json:"timestamp"`
		Topic       *string        `json:"topic"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&w); err != nil {
		return serializationError("unmarshal signed message", err)
	}

	switch {
	case w.Certificate == nil || *w.Certificate == "":
		return serializationError("unmarshal signed message", errors.New("missing certificate"))
	case w.Signature == nil || *w.Signature == "":
		return serializationError("unmarshal signed message", errors.New("missing signature"))
	case w.MsgID == nil || *w.MsgID == "":
		return serializationError("unmarshal signed message", errors.New("missing msg_id"))
	case w.Topic == nil || *w.Topic == "":
		return serializationError("unmarshal signed message", errors.New("missing topic"))
	}
	if w.Msg == nil {
		w.Msg = map[string]any{}
	}

	*s = SignedMessage{
		msg: Message{
			topic:     *w.Topic,
			payload:   w.Msg,
			timestamp: w.Timestamp,
			sequence:  w.I,
			id:        *w.MsgID,
		},
		signature:   *w.Signature,
		certificate: *w.Certificate,
	}
	return nil
}

// ParseSignedMessage decodes a signed message from its wire form. It does
// not verify the signature; call Verify for that.
func ParseSignedMessage(data []byte) (*SignedMessage, error) {
	var s SignedMessage
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &s, nil
}

// Verify checks the signature against the public key of the embedded
// certificate. The certificate itself is not validated against any CA.
func (s *SignedMessage) Verify() error {
	return VerifyMessage(&s.msg, s.signature, s.certificate)
}

// VerifyMessage checks a detached base64 signature over m's canonical bytes
// using the public key of the base64-encoded certificate text.
func VerifyMessage(m *Message, signature, certificate string) error {
	certText, err := base64.StdEncoding.DecodeString(certificate)
	if err != nil {
		return parseError("decode certificate", "", err)
	}
	pub, err := parseCertificatePublicKey(certText)
	if err != nil {
		return err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return parseError("decode signature", "", err)
	}
	data, err := Canonical(m)
	if err != nil {
		return err
	}
	alg, err := lookupAlgorithm(SignatureAlgorithm)
	if err != nil {
		return cryptoError("verify", "", err)
	}
	if err := alg.Verify(pub, data, sig); err != nil {
		return cryptoError("verify", "", fmt.Errorf("%w: %v", ErrInvalidSignature, err))
	}
	return nil
}
