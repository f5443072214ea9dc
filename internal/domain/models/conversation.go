package models

import (
	"time"

	"github.com/elowen-ai/elowen/internal/domain"
)

type ConversationType string

const (
	ConversationTypeNormal      ConversationType = "normal"
	ConversationTypeReflection  ConversationType = "reflection"
	ConversationTypeMultiEntity ConversationType = "multi_entity"
)

// MultiEntityID is the sentinel entity id carried by conversations in which
// several configured entities participate.
const MultiEntityID = "multi-entity"

// Conversation is a conversation owned by one entity (or by the multi-entity
// sentinel). Archived conversations are excluded from retrieval pools.
type Conversation struct {
	ID       string           `json:"id"`
	EntityID string           `json:"entity_id"`
	Type     ConversationType `json:"type"`
	Title    string           `json:"title,omitempty"`

	// SystemPrompt is the legacy single prompt; SystemPrompts carries
	// per-entity overrides and wins when it has an entry for the acting
	// entity (an empty-string entry counts as an override).
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	SystemPrompts map[string]string `json:"system_prompts,omitempty"`

	Archived  bool       `json:"archived"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func NewConversation(id, entityID string, convType ConversationType) *Conversation {
	now := time.Now().UTC()
	if convType == ConversationTypeMultiEntity {
		entityID = MultiEntityID
	}
	return &Conversation{
		ID:        id,
		EntityID:  entityID,
		Type:      convType,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (c *Conversation) IsMultiEntity() bool {
	return c.Type == ConversationTypeMultiEntity
}

func (c *Conversation) IsActive() bool {
	return !c.Archived && c.DeletedAt == nil
}

// SystemPromptFor resolves the system prompt for the acting entity.
// The bool result distinguishes "no prompt configured" from an explicit
// empty override.
func (c *Conversation) SystemPromptFor(entityID string) (string, bool) {
	if c.SystemPrompts != nil {
		if prompt, ok := c.SystemPrompts[entityID]; ok {
			return prompt, true
		}
	}
	if c.SystemPrompt != "" {
		return c.SystemPrompt, true
	}
	return "", false
}

func (c *Conversation) Archive() error {
	if c.DeletedAt != nil {
		return domain.NewDomainError(domain.ErrConversationNotFound, "conversation is deleted")
	}
	c.Archived = true
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (c *Conversation) Unarchive() error {
	if c.DeletedAt != nil {
		return domain.NewDomainError(domain.ErrConversationNotFound, "conversation is deleted")
	}
	c.Archived = false
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// ConversationEntity records one participant of a multi-entity conversation.
type ConversationEntity struct {
	ConversationID string `json:"conversation_id"`
	EntityID       string `json:"entity_id"`
	DisplayOrder   int    `json:"display_order"`
}

// ArchivedForEntity reports whether an archived conversation counts as
// archived from the point of view of the given entity: it does when the
// conversation belongs to that entity, when it is multi-entity and the
// entity is a listed participant, or when it carries no entity and the
// given entity is the default one.
func (c *Conversation) ArchivedForEntity(entityID, defaultEntityID string, participants []string) bool {
	if !c.Archived {
		return false
	}
	switch {
	case c.EntityID == entityID:
		return true
	case c.IsMultiEntity():
		for _, p := range participants {
			if p == entityID {
				return true
			}
		}
		return false
	case c.EntityID == "":
		return entityID == defaultEntityID
	default:
		return false
	}
}
