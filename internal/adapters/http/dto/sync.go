package dto

// Sync frames travel the conversation WebSocket as msgpack binary
// messages. The server pushes persisted messages as they land; clients
// may ask for a backfill after a reconnect.

// Sync event types pushed by the server.
const (
	SyncEventHello   = "hello"
	SyncEventMessage = "message"
	SyncEventError   = "error"
)

// SyncRequest is a client frame. Type "backfill" replays every persisted
// message created after AfterMessageID (all of them when empty).
type SyncRequest struct {
	Type           string `json:"type" msgpack:"type"`
	AfterMessageID string `json:"after_message_id,omitempty" msgpack:"after_message_id,omitempty"`
}

// SyncEvent is a server frame. Exactly one payload field is set,
// according to Type.
type SyncEvent struct {
	Type string `json:"type" msgpack:"type"`

	// hello
	ConversationID string `json:"conversation_id,omitempty" msgpack:"conversation_id,omitempty"`
	LastMessageID  string `json:"last_message_id,omitempty" msgpack:"last_message_id,omitempty"`
	MessageCount   int    `json:"message_count,omitempty" msgpack:"message_count,omitempty"`

	// message (live broadcast and backfill replay)
	Message *MessageResponse `json:"message,omitempty" msgpack:"message,omitempty"`

	// error
	Code   string `json:"code,omitempty" msgpack:"code,omitempty"`
	Detail string `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// NewSyncHello builds the greeting sent on connect.
func NewSyncHello(conversationID, lastMessageID string, count int) *SyncEvent {
	return &SyncEvent{
		Type:           SyncEventHello,
		ConversationID: conversationID,
		LastMessageID:  lastMessageID,
		MessageCount:   count,
	}
}

// NewSyncMessage wraps a persisted message for broadcast.
func NewSyncMessage(msg *MessageResponse) *SyncEvent {
	return &SyncEvent{Type: SyncEventMessage, Message: msg}
}

// NewSyncError builds an error frame; the connection stays open.
func NewSyncError(code, detail string) *SyncEvent {
	return &SyncEvent{Type: SyncEventError, Code: code, Detail: detail}
}
