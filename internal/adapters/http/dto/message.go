package dto

import (
	"encoding/json"
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// BlockResponse is the wire form of a content block. Image payloads are
// never persisted, so blocks here are text, tool_use or tool_result.
type BlockResponse struct {
	Type      string          `json:"type" msgpack:"type"`
	Text      string          `json:"text,omitempty" msgpack:"text,omitempty"`
	ID        string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Name      string          `json:"name,omitempty" msgpack:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty" msgpack:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty" msgpack:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty" msgpack:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
}

// MessageResponse represents a persisted message in API responses and
// WebSocket sync broadcasts.
type MessageResponse struct {
	ID              string          `json:"id" msgpack:"id"`
	ConversationID  string          `json:"conversation_id" msgpack:"conversation_id"`
	Role            string          `json:"role" msgpack:"role"`
	Content         string          `json:"content" msgpack:"content"`
	Blocks          []BlockResponse `json:"blocks,omitempty" msgpack:"blocks,omitempty"`
	SpeakerEntityID string          `json:"speaker_entity_id,omitempty" msgpack:"speaker_entity_id,omitempty"`
	TimesRetrieved  int             `json:"times_retrieved" msgpack:"times_retrieved"`
	CreatedAt       time.Time       `json:"created_at" msgpack:"created_at"`
}

// MessageListResponse represents a page of conversation messages
type MessageListResponse struct {
	Messages []*MessageResponse `json:"messages"`
	Total    int                `json:"total"`
}

// FromModel converts a domain message to a response DTO
func (r *MessageResponse) FromModel(msg *models.Message) *MessageResponse {
	resp := &MessageResponse{
		ID:              msg.ID,
		ConversationID:  msg.ConversationID,
		Role:            string(msg.Role),
		Content:         msg.Content,
		SpeakerEntityID: msg.SpeakerEntityID,
		TimesRetrieved:  msg.TimesRetrieved,
		CreatedAt:       msg.CreatedAt,
	}
	for _, b := range msg.Blocks {
		resp.Blocks = append(resp.Blocks, BlockResponse{
			Type:      string(b.Type),
			Text:      b.Text,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			Content:   b.Content,
			IsError:   b.IsError,
		})
	}
	return resp
}

// FromMessageModelList converts a list of domain messages to response DTOs
func FromMessageModelList(msgs []*models.Message) []*MessageResponse {
	responses := make([]*MessageResponse, len(msgs))
	for i, msg := range msgs {
		responses[i] = (&MessageResponse{}).FromModel(msg)
	}
	return responses
}
