package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// MemoryLinkRepository persists the surfaced-memory record. Rows are
// append-only: their existence marks a message as counted for a
// conversation and entity.
type MemoryLinkRepository struct {
	BaseRepository
}

func NewMemoryLinkRepository(pool *pgxpool.Pool) *MemoryLinkRepository {
	return &MemoryLinkRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *MemoryLinkRepository) Create(ctx context.Context, link *models.MemoryLink) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO elowen_memory_links (conversation_id, message_id, entity_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (conversation_id, message_id, entity_id) DO NOTHING`

	_, err := r.conn(ctx).Exec(ctx, query,
		link.ConversationID,
		link.MessageID,
		link.EntityID,
		link.CreatedAt,
	)
	return err
}

func (r *MemoryLinkRepository) ListMessageIDs(ctx context.Context, conversationID, entityID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT message_id
		FROM elowen_memory_links
		WHERE conversation_id = $1 AND ($2 = '' OR entity_id = $2)
		ORDER BY created_at ASC`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
