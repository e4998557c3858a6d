package metadata

// Reserved metadata keys. Application keys should not reuse them.
const (
	// KeySequence is the per-port sequence number of a message.
	KeySequence = "seq"

	// KeyTraceID identifies the causal chain a message belongs to. It is copied
	// forward unchanged from input to output.
	KeyTraceID = "trace_id"

	// KeyMessageID uniquely identifies a single message.
	KeyMessageID = "message_id"

	// KeyCausationID holds the message_id of the input a message was produced
	// in response to.
	KeyCausationID = "causation_id"

	// KeyTimestamp records when a message was produced (RFC 3339, UTC).
	KeyTimestamp = "timestamp"

	// KeyNodeID is the id of the producing node.
	KeyNodeID = "node_id"

	// KeyOutputID is the output port the message was sent on.
	KeyOutputID = "output_id"

	// KeyContentType describes the payload encoding.
	KeyContentType = "content_type"
)
