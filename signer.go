package xfedmsg

import (
	"encoding/base64"
	"strings"
	"sync/atomic"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Credentials locates the certificate and private key used for signing.
type Credentials struct {
	CertPath string
	KeyPath  string
}

// Validate checks that both paths are set. It does not touch the files.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.CertPath) == "" || strings.TrimSpace(c.KeyPath) == "" {
		return ErrMissingCredentials
	}
	return nil
}

// SignOp is a signing operation that has not run yet. Building one has no
// side effects; calling it reads the credential files and signs.
type SignOp func() (*SignedMessage, error)

// Run executes the operation.
func (op SignOp) Run() (*SignedMessage, error) { return op() }

// Sign returns the deferred operation that signs m with the certificate and
// key at the given paths. m is left untouched whatever the outcome.
func (m *Message) Sign(certPath, keyPath string) SignOp {
	creds := Credentials{CertPath: certPath, KeyPath: keyPath}
	return func() (*SignedMessage, error) {
		return signMessage(m, creds)
	}
}

// signMessage runs the pipeline: certificate, key, canonical bytes,
// signature, assembly. The first failure is returned as is.
func signMessage(m *Message, creds Credentials) (*SignedMessage, error) {
	InstallProvider()

	certText, err := LoadCertificate(creds.CertPath)
	if err != nil {
		return nil, err
	}
	key, err := LoadPrivateKey(creds.KeyPath)
	if err != nil {
		return nil, err
	}
	data, err := Canonical(m)
	if err != nil {
		return nil, err
	}
	alg, err := lookupAlgorithm(SignatureAlgorithm)
	if err != nil {
		return nil, cryptoError("sign", "", err)
	}
	sig, err := alg.Sign(key, data)
	if err != nil {
		return nil, cryptoError("sign", creds.KeyPath, err)
	}
	return newSignedMessage(m, base64.StdEncoding.EncodeToString(sig), EncodeCertificate(certText)), nil
}

// Signer signs messages with one set of credentials. It is safe for
// concurrent use; every call reads the credential files afresh.
type Signer struct {
	creds  Credentials
	logger *xlog.Logger
	clock  xclock.Clock

	signed atomic.Uint64
	failed atomic.Uint64
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerLogger sets the logger (default xlog.Default()).
func WithSignerLogger(l *xlog.Logger) SignerOption {
	return func(s *Signer) { s.logger = l }
}

// WithSignerClock sets the clock used for timings (default xclock.Default()).
func WithSignerClock(c xclock.Clock) SignerOption {
	return func(s *Signer) { s.clock = c }
}

// SignerStats counts signing outcomes.
type SignerStats struct {
	Signed uint64
	Failed uint64
}

// NewSigner validates creds and returns a Signer.
func NewSigner(creds Credentials, opts ...SignerOption) (*Signer, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	s := &Signer{creds: creds}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	if s.logger == nil {
		s.logger = xlog.Default()
	}
	if s.clock == nil {
		s.clock = xclock.Default()
	}
	return s, nil
}

// Credentials returns the configured credential paths.
func (s *Signer) Credentials() Credentials { return s.creds }

// Sign signs m.
func (s *Signer) Sign(m *Message) (*SignedMessage, error) {
	start := s.clock.Now()
	sm, err := signMessage(m, s.creds)
	lg := s.logger.With(xlog.Str("topic", m.Topic()), xlog.Str("msg_id", m.ID()))
	if err != nil {
		s.failed.Add(1)
		lg.Warn().Err(err).Msg("xfedmsg: sign failed")
		return nil, err
	}
	s.signed.Add(1)
	lg.With(xlog.Dur("duration", s.clock.Since(start))).Debug().Msg("xfedmsg: message signed")
	return sm, nil
}

// Op returns Sign(m) as a deferred operation.
func (s *Signer) Op(m *Message) SignOp {
	return func() (*SignedMessage, error) { return s.Sign(m) }
}

// Stats returns the signing counters.
func (s *Signer) Stats() SignerStats {
	return SignerStats{Signed: s.signed.Load(), Failed: s.failed.Load()}
}
