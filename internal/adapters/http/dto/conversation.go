package dto

import (
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// CreateConversationRequest creates a conversation. Type defaults to
// "normal"; multi_entity requires at least two participant ids.
type CreateConversationRequest struct {
	Title          string            `json:"title,omitempty"`
	EntityID       string            `json:"entity_id,omitempty"`
	Type           string            `json:"type,omitempty"`
	ParticipantIDs []string          `json:"participant_ids,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	SystemPrompts  map[string]string `json:"system_prompts,omitempty"`
}

// ConversationResponse represents a conversation in API responses
type ConversationResponse struct {
	ID            string            `json:"id"`
	EntityID      string            `json:"entity_id,omitempty"`
	Type          string            `json:"type"`
	Title         string            `json:"title,omitempty"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	SystemPrompts map[string]string `json:"system_prompts,omitempty"`
	Participants  []string          `json:"participants,omitempty"`
	Archived      bool              `json:"archived"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ConversationListResponse represents a list of conversations
type ConversationListResponse struct {
	Conversations []*ConversationResponse `json:"conversations"`
	Total         int                     `json:"total"`
	Limit         int                     `json:"limit"`
	Offset        int                     `json:"offset"`
}

// FromModel converts a domain model to a response DTO
func (r *ConversationResponse) FromModel(conv *models.Conversation) *ConversationResponse {
	return &ConversationResponse{
		ID:            conv.ID,
		EntityID:      conv.EntityID,
		Type:          string(conv.Type),
		Title:         conv.Title,
		SystemPrompt:  conv.SystemPrompt,
		SystemPrompts: conv.SystemPrompts,
		Archived:      conv.Archived,
		CreatedAt:     conv.CreatedAt,
		UpdatedAt:     conv.UpdatedAt,
	}
}

// FromConversationModelList converts a list of domain models to response DTOs
func FromConversationModelList(convs []*models.Conversation) []*ConversationResponse {
	responses := make([]*ConversationResponse, len(convs))
	for i, conv := range convs {
		responses[i] = (&ConversationResponse{}).FromModel(conv)
	}
	return responses
}
