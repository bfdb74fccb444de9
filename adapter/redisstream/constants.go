package redisstream

// Stream entry field names.
const (
	fieldID         = "id"
	fieldKey        = "msg_id"
	fieldPayload    = "payload"    // raw []byte, no base64
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"
)
