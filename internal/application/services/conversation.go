package services

import (
	"context"
	"sort"

	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

const maxConversationTitleLength = 500

// ConversationService owns conversation lifecycle outside of turn
// processing: creation (including multi-entity participant rows),
// listing, archival and deletion. Destructive operations evict the
// in-memory session and sweep the vector index so retrieval cannot
// resurface content from a deleted conversation.
type ConversationService struct {
	conversations ports.ConversationRepository
	participants  ports.ConversationEntityRepository
	messages      ports.MessageRepository
	tx            ports.TransactionManager
	manager       *SessionManager
	idGen         ports.IDGenerator
	entities      map[string]EntityInfo
}

func NewConversationService(
	conversations ports.ConversationRepository,
	participants ports.ConversationEntityRepository,
	messages ports.MessageRepository,
	tx ports.TransactionManager,
	manager *SessionManager,
	idGen ports.IDGenerator,
	entities []EntityInfo,
) *ConversationService {
	byID := make(map[string]EntityInfo, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	return &ConversationService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		tx:            tx,
		manager:       manager,
		idGen:         idGen,
		entities:      byID,
	}
}

// CreateConversationParams carries the caller's choices for a new
// conversation. Zero values mean: untitled, owned by the default entity,
// type normal, no prompt overrides.
type CreateConversationParams struct {
	Title          string
	EntityID       string
	Type           models.ConversationType
	ParticipantIDs []string
	SystemPrompt   string
	SystemPrompts  map[string]string
}

func (s *ConversationService) Create(ctx context.Context, params CreateConversationParams) (*models.Conversation, error) {
	if err := ValidateStringLength(params.Title, "conversation title", 0, maxConversationTitleLength); err != nil {
		return nil, err
	}

	convType := params.Type
	if convType == "" {
		convType = models.ConversationTypeNormal
	}
	switch convType {
	case models.ConversationTypeNormal, models.ConversationTypeReflection, models.ConversationTypeMultiEntity:
	default:
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "unknown conversation type "+string(convType))
	}

	if convType == models.ConversationTypeMultiEntity {
		if len(params.ParticipantIDs) < 2 {
			return nil, domain.NewDomainError(domain.ErrInvalidInput, "multi-entity conversations need at least two participants")
		}
		seen := make(map[string]bool, len(params.ParticipantIDs))
		for _, id := range params.ParticipantIDs {
			if _, ok := s.entities[id]; !ok {
				return nil, domain.NewDomainError(domain.ErrEntityNotConfigured, "participant "+id)
			}
			if seen[id] {
				return nil, domain.NewDomainError(domain.ErrInvalidInput, "duplicate participant "+id)
			}
			seen[id] = true
		}
	} else {
		if len(params.ParticipantIDs) > 0 {
			return nil, domain.NewDomainError(domain.ErrInvalidInput, "participants are only valid for multi-entity conversations")
		}
		if params.EntityID != "" {
			if _, ok := s.entities[params.EntityID]; !ok {
				return nil, domain.NewDomainError(domain.ErrEntityNotConfigured, "entity "+params.EntityID)
			}
		}
	}

	conv := models.NewConversation(s.idGen.GenerateConversationID(), params.EntityID, convType)
	conv.Title = params.Title
	conv.SystemPrompt = params.SystemPrompt
	if len(params.SystemPrompts) > 0 {
		conv.SystemPrompts = params.SystemPrompts
	}

	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.conversations.Create(ctx, conv); err != nil {
			return err
		}
		for i, entityID := range params.ParticipantIDs {
			participant := &models.ConversationEntity{
				ConversationID: conv.ID,
				EntityID:       entityID,
				DisplayOrder:   i,
			}
			if err := s.participants.Add(ctx, participant); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to create conversation")
	}

	return conv, nil
}

func (s *ConversationService) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if err := ValidateID(id, "conversation"); err != nil {
		return nil, err
	}

	conv, err := s.conversations.GetByID(ctx, id)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrConversationNotFound, "conversation "+id)
	}
	return conv, nil
}

// Participants returns the participant entity ids of a multi-entity
// conversation in display order; nil for single-entity conversations.
func (s *ConversationService) Participants(ctx context.Context, conv *models.Conversation) ([]string, error) {
	if !conv.IsMultiEntity() {
		return nil, nil
	}
	rows, err := s.participants.ListByConversation(ctx, conv.ID)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list participants")
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DisplayOrder < rows[j].DisplayOrder })
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.EntityID
	}
	return ids, nil
}

func (s *ConversationService) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	convs, err := s.conversations.List(ctx, includeArchived, limit, offset)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list conversations")
	}
	return convs, nil
}

// Messages returns every persisted message of a conversation in
// created_at order, tool rows included.
func (s *ConversationService) Messages(ctx context.Context, id string) ([]*models.Message, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}

	msgs, err := s.messages.ListByConversation(ctx, id)
	if err != nil {
		return nil, domain.NewDomainError(err, "failed to list messages")
	}
	return msgs, nil
}

// Archive marks a conversation archived and evicts its in-memory
// session. Archived conversations stop taking turns and their content
// stops surfacing in retrieval for the affected entities.
func (s *ConversationService) Archive(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := conv.Archive(); err != nil {
		return nil, err
	}
	if err := s.conversations.Update(ctx, conv); err != nil {
		return nil, domain.NewDomainError(err, "failed to archive conversation")
	}

	s.manager.Close(id)
	return conv, nil
}

// Unarchive reopens an archived conversation.
func (s *ConversationService) Unarchive(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := conv.Unarchive(); err != nil {
		return nil, err
	}
	if err := s.conversations.Update(ctx, conv); err != nil {
		return nil, domain.NewDomainError(err, "failed to unarchive conversation")
	}
	return conv, nil
}

// Delete soft-deletes an archived conversation and removes its messages
// from every affected entity index. Message rows are kept for audit; the
// vector sweep is what stops retrieval from resurfacing them, since a
// deleted conversation no longer appears in the archived-exclusion list.
func (s *ConversationService) Delete(ctx context.Context, id string) error {
	conv, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !conv.Archived {
		return domain.NewDomainError(domain.ErrInvalidInput, "only archived conversations can be deleted")
	}

	rows, err := s.messages.ListByConversation(ctx, id)
	if err != nil {
		return domain.NewDomainError(err, "failed to list messages for deletion")
	}

	if err := s.conversations.Delete(ctx, id); err != nil {
		return domain.NewDomainError(err, "failed to delete conversation")
	}

	s.manager.Close(id)
	s.manager.unindexMessages(context.WithoutCancel(ctx), conv, rows)
	return nil
}
