package xfedmsg

import (
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	b, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, b, 0o600))
}

func signTest(t *testing.T, payload map[string]any) *SignedMessage {
	t.Helper()
	m, err := NewMessage("org.example.test", payload, 7)
	require.NoError(t, err)
	sm, err := m.Sign(testCert, testKey).Run()
	require.NoError(t, err)
	return sm
}

func TestSignedMessage_WireForm(t *testing.T) {
	sm := signTest(t, map[string]any{"a": 1})

	data, err := sm.MarshalJSON()
	require.NoError(t, err)

	s := string(data)
	keys := []string{`"certificate":`, `"i":7`, `"msg":{"a":1}`, `"msg_id":`, `"signature":`, `"timestamp":`, `"topic":"org.example.test"`}
	last := -1
	for _, k := range keys {
		idx := strings.Index(s, k)
		require.GreaterOrEqual(t, idx, 0, k)
		assert.Greater(t, idx, last, "key %s out of order", k)
		last = idx
	}
}

func TestSignedMessage_RoundTripVerifies(t *testing.T) {
	sm := signTest(t, map[string]any{
		"big":    json.Number("12345678901234567890"),
		"float":  1.5,
		"nested": map[string]any{"z": "<&>", "a": []any{1, "two", nil}},
	})
	require.NoError(t, sm.Verify())

	data, err := sm.MarshalJSON()
	require.NoError(t, err)

	parsed, err := ParseSignedMessage(data)
	require.NoError(t, err)
	assert.Equal(t, sm.ID(), parsed.ID())
	assert.Equal(t, sm.Signature(), parsed.Signature())
	assert.Equal(t, json.Number("12345678901234567890"), parsed.Payload()["big"])
	assert.NoError(t, parsed.Verify())

	// encoding/json goes through MarshalJSON/UnmarshalJSON too.
	viaStd, err := json.Marshal(sm)
	require.NoError(t, err)
	var again SignedMessage
	require.NoError(t, json.Unmarshal(viaStd, &again))
	assert.NoError(t, again.Verify())
}

func TestSignedMessage_Tampered(t *testing.T) {
	sm := signTest(t, map[string]any{"a": 1})
	data, err := sm.MarshalJSON()
	require.NoError(t, err)

	tests := []struct {
		name     string
		old, new string
	}{
		{"payload", `"msg":{"a":1}`, `"msg":{"a":2}`},
		{"sequence", `"i":7`, `"i":8`},
		{"topic", `"topic":"org.example.test"`, `"topic":"org.example.other"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tampered := strings.Replace(string(data), tt.old, tt.new, 1)
			require.NotEqual(t, string(data), tampered)

			parsed, err := ParseSignedMessage([]byte(tampered))
			require.NoError(t, err)
			err = parsed.Verify()
			assert.ErrorIs(t, err, ErrCrypto)
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestVerifyMessage_BadInputs(t *testing.T) {
	sm := signTest(t, nil)
	m := sm.Message()

	err := VerifyMessage(m, sm.Signature(), "%%%")
	assert.ErrorIs(t, err, ErrParse)

	err = VerifyMessage(m, "%%%", sm.Certificate())
	assert.ErrorIs(t, err, ErrParse)

	notACert := base64.StdEncoding.EncodeToString([]byte("plain text"))
	err = VerifyMessage(m, sm.Signature(), notACert)
	assert.ErrorIs(t, err, ErrParse)

	other := signTest(t, map[string]any{"x": true})
	err = VerifyMessage(m, other.Signature(), sm.Certificate())
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestParseSignedMessage_Errors(t *testing.T) {
	tests := map[string]string{
		"not JSON":            `{`,
		"missing signature":   `{"certificate":"Yw==","msg_id":"x","topic":"t"}`,
		"missing certificate": `{"signature":"cw==","msg_id":"x","topic":"t"}`,
		"missing msg_id":      `{"certificate":"Yw==","signature":"cw==","topic":"t"}`,
		"missing topic":       `{"certificate":"Yw==","signature":"cw==","msg_id":"x"}`,
		"wrong types":         `{"certificate":1,"signature":"cw==","msg_id":"x","topic":"t"}`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSignedMessage([]byte(in))
			assert.ErrorIs(t, err, ErrSerialization)
		})
	}
}

func TestParseSignedMessage_NullPayload(t *testing.T) {
	sm, err := ParseSignedMessage([]byte(`{"certificate":"Yw==","i":3,"msg":null,"msg_id":"x","signature":"cw==","timestamp":5,"topic":"t"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, sm.Payload())
	assert.Equal(t, int64(3), sm.Sequence())
	assert.Equal(t, int64(5), sm.Message().TimestampMillis())
}

func TestSignedMessage_Accessors(t *testing.T) {
	sm := signTest(t, map[string]any{"a": "b"})
	m := sm.Message()

	assert.Equal(t, m.Topic(), sm.Topic())
	assert.Equal(t, m.ID(), sm.ID())
	assert.Equal(t, int64(7), sm.Sequence())
	assert.Equal(t, m.Timestamp(), sm.Timestamp())
	assert.Equal(t, map[string]any{"a": "b"}, sm.Payload())

	want, err := m.Canonical()
	require.NoError(t, err)
	got, err := sm.Canonical()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NotContains(t, string(got), "signature")
}
