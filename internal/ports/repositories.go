package ports

import (
	"context"
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// ConversationRepository manages conversation rows in the database of record.
type ConversationRepository interface {
	Create(ctx context.Context, conv *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)
	List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Conversation, error)
	Update(ctx context.Context, conv *models.Conversation) error

	// Touch bumps updated_at; called inside the post-turn transaction.
	Touch(ctx context.Context, id string, at time.Time) error

	// Delete soft-deletes; only archived conversations may be deleted.
	Delete(ctx context.Context, id string) error

	// ListArchivedIDs returns the ids of archived conversations that count
	// as archived for the given entity: its own conversations, multi-entity
	// conversations it participates in, and ownerless conversations when it
	// is the default entity.
	ListArchivedIDs(ctx context.Context, entityID, defaultEntityID string) ([]string, error)
}

// MessageRepository manages persisted messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Message, error)

	// ListByConversation returns messages in created_at order.
	ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)

	// IncrementTimesRetrieved bumps times_retrieved, stamps last_retrieved_at
	// and returns the new count. times_retrieved never decreases.
	IncrementTimesRetrieved(ctx context.Context, id string, at time.Time) (int, error)

	// Delete removes a message row; used by regeneration.
	Delete(ctx context.Context, id string) error
}

// MemoryLinkRepository manages the surfaced-memory record. Rows are created
// once and never updated or deleted; their existence marks a message as
// already counted for a conversation and entity.
type MemoryLinkRepository interface {
	// Create is idempotent on (conversation_id, message_id, entity_id).
	Create(ctx context.Context, link *models.MemoryLink) error

	// ListMessageIDs returns the surfaced message ids for a conversation,
	// filtered by entity when entityID is non-empty.
	ListMessageIDs(ctx context.Context, conversationID, entityID string) ([]string, error)
}

// ConversationEntityRepository manages multi-entity participant rows.
type ConversationEntityRepository interface {
	Add(ctx context.Context, participant *models.ConversationEntity) error
	ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationEntity, error)
}

// TransactionManager runs a function within a database transaction. The
// callback receives a context carrying the transaction; repository calls
// made with it join the transaction.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator creates prefixed unique identifiers.
type IDGenerator interface {
	GenerateConversationID() string
	GenerateMessageID() string
	GenerateToolUseID() string
	GenerateAttachmentID() string
}
