package models

// StreamEventType identifies a streaming transport event. Within one turn
// the transport guarantees the order: message_start, then any number of
// text/element_* events, then exactly one of message_complete or error.
// Heartbeats may interleave anywhere and carry no semantics.
type StreamEventType string

const (
	StreamMessageStart    StreamEventType = "message_start"
	StreamText            StreamEventType = "text"
	StreamElementStart    StreamEventType = "element_start"
	StreamElementUpdate   StreamEventType = "element_update"
	StreamElementComplete StreamEventType = "element_complete"
	StreamElementResult   StreamEventType = "element_result"
	StreamMessageComplete StreamEventType = "message_complete"
	StreamError           StreamEventType = "error"
)

// Terminal reports whether the event ends the stream.
func (t StreamEventType) Terminal() bool {
	return t == StreamMessageComplete || t == StreamError
}

// StreamEvent is one server-to-client event on a turn's delivery stream.
// Data must be JSON-serializable; the presentation layer consumes it as-is.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// Text carries the delta for text events.
	Text string `json:"text,omitempty"`

	// ElementID identifies the operation an element_* event describes.
	ElementID string `json:"element_id,omitempty"`

	// Data is the event payload for element and terminal events.
	Data Document `json:"data,omitempty"`
}
