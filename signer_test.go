package xfedmsg

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessage(t *testing.T) *Message {
	t.Helper()
	m, err := NewMessage("org.example.test", map[string]any{"a": 1}, 7)
	require.NoError(t, err)
	return m
}

func TestSign_Pipeline(t *testing.T) {
	m := newTestMessage(t)

	sm, err := m.Sign(testCert, testKey).Run()
	require.NoError(t, err)

	assert.Equal(t, m.Topic(), sm.Topic())
	assert.Equal(t, m.ID(), sm.ID())
	assert.Equal(t, m.Sequence(), sm.Sequence())
	assert.Equal(t, m.Timestamp(), sm.Timestamp())
	assert.Equal(t, m.Payload(), sm.Payload())

	text, err := LoadCertificate(testCert)
	require.NoError(t, err)
	assert.Equal(t, EncodeCertificate(text), sm.Certificate())

	// The signature is PKCS#1 v1.5 over SHA-1 of the canonical bytes.
	key, err := LoadPrivateKey(testKey)
	require.NoError(t, err)
	data, err := m.Canonical()
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(sm.Signature())
	require.NoError(t, err)
	h := sha1.Sum(data)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA1, h[:], sig))
	assert.Len(t, sig, key.Size())
}

func TestSign_Deterministic(t *testing.T) {
	m := newTestMessage(t)
	a, err := m.Sign(testCert, testKey).Run()
	require.NoError(t, err)
	b, err := m.Sign(testCert, testKey).Run()
	require.NoError(t, err)
	assert.Equal(t, a.Signature(), b.Signature())
}

func TestSign_PKCS1Key(t *testing.T) {
	sm, err := newTestMessage(t).Sign(testCert, testPKCS1Key).Run()
	require.NoError(t, err)
	assert.NoError(t, sm.Verify())
}

func TestSign_IsDeferred(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "later.crt")
	key := filepath.Join(dir, "later.key")

	// Building the operation must not touch the filesystem.
	op := newTestMessage(t).Sign(cert, key)

	copyFile(t, testCert, cert)
	copyFile(t, testKey, key)

	sm, err := op.Run()
	require.NoError(t, err)
	assert.NoError(t, sm.Verify())
}

func TestSign_Errors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	tests := []struct {
		name string
		cert string
		key  string
		kind error
	}{
		{"missing certificate", missing, testKey, ErrIO},
		{"missing key", testCert, missing, ErrIO},
		{"garbage key", testCert, testGarbage, ErrParse},
		{"EC key", testCert, testECKey, ErrCrypto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMessage(t)
			before := m.Payload()

			sm, err := m.Sign(tt.cert, tt.key).Run()
			assert.Nil(t, sm)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, before, m.Payload())
		})
	}
}

func TestSign_Unserializable(t *testing.T) {
	m, err := NewMessage("t", map[string]any{"f": func() {}}, 0)
	require.NoError(t, err)

	_, err = m.Sign(testCert, testKey).Run()
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestCredentials_Validate(t *testing.T) {
	assert.NoError(t, Credentials{CertPath: "a", KeyPath: "b"}.Validate())
	assert.ErrorIs(t, Credentials{CertPath: "a"}.Validate(), ErrMissingCredentials)
	assert.ErrorIs(t, Credentials{KeyPath: "b"}.Validate(), ErrMissingCredentials)
	assert.ErrorIs(t, Credentials{CertPath: " ", KeyPath: "b"}.Validate(), ErrMissingCredentials)
}

func TestSigner_Stats(t *testing.T) {
	_, err := NewSigner(Credentials{})
	require.ErrorIs(t, err, ErrMissingCredentials)

	s, err := NewSigner(Credentials{CertPath: testCert, KeyPath: testKey})
	require.NoError(t, err)
	assert.Equal(t, testCert, s.Credentials().CertPath)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm, err := s.Op(newTestMessage(t)).Run()
			if assert.NoError(t, err) {
				assert.NoError(t, sm.Verify())
			}
		}()
	}
	wg.Wait()

	bad, err := NewSigner(Credentials{CertPath: testCert, KeyPath: testGarbage})
	require.NoError(t, err)
	_, err = bad.Sign(newTestMessage(t))
	require.ErrorIs(t, err, ErrParse)

	assert.Equal(t, SignerStats{Signed: 8}, s.Stats())
	assert.Equal(t, SignerStats{Failed: 1}, bad.Stats())
}

func TestSignedMessage_IndependentOfSource(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m, err := NewMessage("t", map[string]any{"k": map[string]any{"v": 1}}, 1, WithTime(at))
	require.NoError(t, err)

	sm, err := m.Sign(testCert, testKey).Run()
	require.NoError(t, err)

	p := sm.Payload()
	p["k"].(map[string]any)["v"] = 2
	assert.NoError(t, sm.Verify())

	inner := sm.Message()
	assert.Equal(t, m.ID(), inner.ID())
	assert.Equal(t, at.UnixMilli(), inner.TimestampMillis())
}

func TestSigner_ReadsCredentialsPerCall(t *testing.T) {
	dir := t.TempDir()
	creds := Credentials{CertPath: filepath.Join(dir, "c.crt"), KeyPath: filepath.Join(dir, "k.key")}
	copyFile(t, testCert, creds.CertPath)
	copyFile(t, testKey, creds.KeyPath)

	s, err := NewSigner(creds)
	require.NoError(t, err)
	_, err = s.Sign(newTestMessage(t))
	require.NoError(t, err)

	copyFile(t, testGarbage, creds.KeyPath)
	_, err = s.Sign(newTestMessage(t))
	assert.ErrorIs(t, err, ErrParse)
}
