package xfedmsg

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"sync"
)

// SignatureAlgorithm is the only algorithm of this protocol version: SHA-1
// digest, RSA PKCS#1 v1.5 signature.
const SignatureAlgorithm = "SHA1withRSA"

// algorithm is a signature primitive installed by a provider.
type algorithm interface {
	Name() string
	Sign(key *rsa.PrivateKey, data []byte) ([]byte, error)
	Verify(pub *rsa.PublicKey, data, sig []byte) error
}

var (
	providerOnce sync.Once

	algorithmsMu sync.RWMutex
	algorithms   = map[string]algorithm{}
)

// InstallProvider registers the built-in algorithms. It runs once per
// process; calling it again, from any goroutine, is a no-op.
func InstallProvider() {
	providerOnce.Do(func() {
		registerAlgorithm(sha1WithRSA{})
	})
}

func registerAlgorithm(a algorithm) {
	algorithmsMu.Lock()
	algorithms[a.Name()] = a
	algorithmsMu.Unlock()
}

func lookupAlgorithm(name string) (algorithm, error) {
	InstallProvider()
	algorithmsMu.RLock()
	a, ok := algorithms[name]
	algorithmsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("algorithm %q not installed", name)
	}
	return a, nil
}

type sha1WithRSA struct{}

func (sha1WithRSA) Name() string { return SignatureAlgorithm }

func (sha1WithRSA) Sign(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	h := sha1.Sum(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA1, h[:])
}

func (sha1WithRSA) Verify(pub *rsa.PublicKey, data, sig []byte) error {
	h := sha1.Sum(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, h[:], sig)
}
