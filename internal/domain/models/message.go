package models

import (
	"encoding/json"
	"time"
)

type MessageRole string

const (
	MessageRoleHuman      MessageRole = "human"
	MessageRoleAssistant  MessageRole = "assistant"
	MessageRoleToolUse    MessageRole = "tool_use"
	MessageRoleToolResult MessageRole = "tool_result"
)

func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleHuman, MessageRoleAssistant, MessageRoleToolUse, MessageRoleToolResult:
		return true
	}
	return false
}

type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeImage      BlockType = "image"
)

// ContentBlock is the tagged union for structured message content. Exactly
// one shape is populated, selected by Type; the JSON layout follows the
// provider wire format so persisted blocks replay into prompts unchanged.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// image (ephemeral: passed to the model, never persisted to the vector store)
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

func NewToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

func NewImageBlock(mediaType, base64Data string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, MediaType: mediaType, Data: base64Data}
}

// RenderedText returns the human-readable text carried by the block, used
// for token counting and content previews. Tool inputs and image payloads
// count their serialized form.
func (b ContentBlock) RenderedText() string {
	switch b.Type {
	case BlockTypeText:
		return b.Text
	case BlockTypeToolUse:
		return b.Name + " " + string(b.Input)
	case BlockTypeToolResult:
		return b.Content
	default:
		return ""
	}
}

// Message is a persisted conversation turn. Content carries plain text;
// Blocks carries structured content for tool exchanges and image turns.
// TimesRetrieved counts how often this message has surfaced as a memory in
// other conversations; it is monotonically non-decreasing.
type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Role            MessageRole    `json:"role"`
	Content         string         `json:"content"`
	Blocks          []ContentBlock `json:"blocks,omitempty"`
	SpeakerEntityID string         `json:"speaker_entity_id,omitempty"`
	TimesRetrieved  int            `json:"times_retrieved"`
	LastRetrievedAt *time.Time     `json:"last_retrieved_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

func NewMessage(id, conversationID string, role MessageRole, content string) *Message {
	return &Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

func NewHumanMessage(id, conversationID, content string) *Message {
	return NewMessage(id, conversationID, MessageRoleHuman, content)
}

func NewAssistantMessage(id, conversationID, content string) *Message {
	return NewMessage(id, conversationID, MessageRoleAssistant, content)
}

func (m *Message) HasBlocks() bool {
	return len(m.Blocks) > 0
}

// RenderedText flattens the message to plain text: the Content field when
// set, otherwise the concatenated block texts.
func (m *Message) RenderedText() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if t := b.RenderedText(); t != "" {
			if out != "" {
				out += "\n"
			}
			out += t
		}
	}
	return out
}

// Preview returns the first n runes of the rendered text, for store metadata.
func (m *Message) Preview(n int) string {
	text := m.RenderedText()
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
