package bus

// EventKind is the transport-level payload classification of an inbound event.
type EventKind string

const (
	KindText    EventKind = "text"
	KindImage   EventKind = "image"
	KindFile    EventKind = "file"
	KindUnknown EventKind = "unknown"
)

// InboundEvent is one normalized delivery from a transport channel.
// EventID must be unique per delivery attempt; it drives de-duplication.
type InboundEvent struct {
	EventID  string            `json:"event_id"`
	Channel  string            `json:"channel"`
	UserID   string            `json:"user_id"`
	ChatID   string            `json:"chat_id"`
	Kind     EventKind         `json:"kind"`
	Text     string            `json:"text,omitempty"`
	MediaRef string            `json:"media_ref,omitempty"` // opaque transport handle (file_id, URL)
	Filename string            `json:"filename,omitempty"`
	MimeType string            `json:"mime_type,omitempty"`
	FileSize int64             `json:"file_size,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundReply is plain text handed back to the transport for delivery.
// Formatting and markup are the transport's concern.
type OutboundReply struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id"`
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
}
