package xfedmsg

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// wireMessage fixes the top-level key order of the canonical form. Field
// order here is the byte order signers and verifiers agree on: keep it
// alphabetical by JSON name.
type wireMessage struct {
	I         int64          `json:"i"`
	Msg       map[string]any `json:"msg"`
	MsgID     string         `json:"msg_id"`
	Timestamp int64          `json:"timestamp"`
	Topic     string         `json:"topic"`
}

// wireSignedMessage is wireMessage plus the two signature fields, again in
// alphabetical order.
type wireSignedMessage struct {
	Certificate string         `json:"certificate"`
	I           int64          `json:"i"`
	Msg         map[string]any `json:"msg"`
	MsgID       string         `json:"msg_id"`
	Signature   string         `json:"signature"`
	Timestamp   int64          `json:"timestamp"`
	Topic       string         `json:"topic"`
}

// Canonical renders m as a compact JSON object with the keys i, msg, msg_id,
// timestamp and topic in that order. Payload values use standard JSON
// encoding; HTML characters are not escaped. The result is what gets signed.
func Canonical(m *Message) ([]byte, error) {
	return encodeCanonical("canonicalize", wireMessage{
		I:         m.sequence,
		Msg:       m.payload,
		MsgID:     m.id,
		Timestamp: m.timestamp,
		Topic:     m.topic,
	})
}

func encodeCanonical(op string, v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, serializationError(op, err)
	}
	// Encoder terminates each value with a newline.
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})), nil
}

// unescapeLineSeparators turns the \u2028 and \u2029 escapes encoding/json
// always writes back into raw UTF-8, the form Jackson based signers emit.
// Escaped backslashes are skipped as pairs so a literal `\\u2028` survives.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 == len(b) {
			out = append(out, b[i])
			continue
		}
		if rest := b[i+1:]; len(rest) >= 5 && string(rest[:4]) == "u202" && (rest[4] == '8' || rest[4] == '9') {
			out = utf8.AppendRune(out, rune(0x2020+int(rest[4]-'0')))
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}
