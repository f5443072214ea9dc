package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// ConversationEntityRepository manages participant rows of multi-entity
// conversations.
type ConversationEntityRepository struct {
	BaseRepository
}

func NewConversationEntityRepository(pool *pgxpool.Pool) *ConversationEntityRepository {
	return &ConversationEntityRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *ConversationEntityRepository) Add(ctx context.Context, participant *models.ConversationEntity) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO elowen_conversation_entities (conversation_id, entity_id, display_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, entity_id) DO UPDATE SET display_order = $3`

	_, err := r.conn(ctx).Exec(ctx, query,
		participant.ConversationID,
		participant.EntityID,
		participant.DisplayOrder,
	)
	return err
}

func (r *ConversationEntityRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationEntity, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT conversation_id, entity_id, display_order
		FROM elowen_conversation_entities
		WHERE conversation_id = $1
		ORDER BY display_order ASC, entity_id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]*models.ConversationEntity, 0)
	for rows.Next() {
		var p models.ConversationEntity
		if err := rows.Scan(&p.ConversationID, &p.EntityID, &p.DisplayOrder); err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}
