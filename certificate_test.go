package xfedmsg

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCert     = "testdata/signer.crt"
	testKey      = "testdata/signer.key"
	testPKCS1Key = "testdata/signer-pkcs1.key"
	testECKey    = "testdata/ec.key"
	testGarbage  = "testdata/garbage.key"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadCertificate_SkipsTextDump(t *testing.T) {
	text, err := LoadCertificate(testCert)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "-----BEGIN CERTIFICATE-----\n"), text[:40])
	assert.True(t, strings.HasSuffix(text, "-----END CERTIFICATE-----\n"))
	assert.NotContains(t, text, "Certificate:")
}

func TestLoadCertificate_CapturesThroughEOF(t *testing.T) {
	path := writeTemp(t, "chain.crt", "header\nmore header\n-----BEGIN X-----\nAAAA\n-----END X-----\ntrailer\n")

	text, err := LoadCertificate(path)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN X-----\nAAAA\n-----END X-----\ntrailer\n", text)
}

func TestLoadCertificate_MarkerAnywhereInLine(t *testing.T) {
	path := writeTemp(t, "odd.crt", "skip\nprefix ---- suffix\nbody")

	text, err := LoadCertificate(path)
	require.NoError(t, err)
	assert.Equal(t, "prefix ---- suffix\nbody\n", text)
}

func TestLoadCertificate_NoMarker(t *testing.T) {
	path := writeTemp(t, "plain.crt", "no markers here\n")

	text, err := LoadCertificate(path)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestLoadCertificate_Missing(t *testing.T) {
	_, err := LoadCertificate(filepath.Join(t.TempDir(), "absent.crt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, os.ErrNotExist)

	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "load certificate", fe.Op)
}

func TestEncodeCertificate(t *testing.T) {
	enc := EncodeCertificate("-----BEGIN X-----\n")
	dec, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Equal(t, "-----BEGIN X-----\n", string(dec))
}
