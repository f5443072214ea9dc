package models

import "time"

// MemorySource tags which derived query surfaced a memory candidate.
type MemorySource string

const (
	MemorySourceUser      MemorySource = "user"
	MemorySourceAssistant MemorySource = "assistant"
	MemorySourceBoth      MemorySource = "both"
)

// MemoryEntry is an in-session snapshot of a retrieved memory. All fields
// are fixed at retrieval time; a re-surfaced memory gets a fresh snapshot
// rather than mutating the old one.
type MemoryEntry struct {
	ID                   string       `json:"id"`
	SourceConversationID string       `json:"source_conversation_id"`
	Role                 MessageRole  `json:"role"`
	Content              string       `json:"content"`
	CreatedAt            time.Time    `json:"created_at"`
	TimesRetrieved       int          `json:"times_retrieved"`
	Similarity           float64      `json:"similarity"`
	Significance         float64      `json:"significance"`
	CombinedScore        float64      `json:"combined_score"`
	Source               MemorySource `json:"source"`
}

// MemoryLink records that a message was surfaced to a conversation for an
// entity. Its existence is what makes retrieval-count increments
// once-per-conversation: absence means not yet counted. Rows are never
// updated or deleted.
type MemoryLink struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	EntityID       string    `json:"entity_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
