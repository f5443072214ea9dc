package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// MemoryIndexRepository is the vector side of the memory store: one row per
// (entity, message) with the embedding and a metadata document. The database
// of record stays authoritative; rows here may lag and are reconciled by id.
type MemoryIndexRepository struct {
	BaseRepository
}

func NewMemoryIndexRepository(pool *pgxpool.Pool) *MemoryIndexRepository {
	return &MemoryIndexRepository{BaseRepository: NewBaseRepository(pool)}
}

// IndexHit is one similarity hit; Score is cosine similarity in [0,1].
type IndexHit struct {
	MessageID string
	Score     float64
	Metadata  []byte
}

func (r *MemoryIndexRepository) Upsert(ctx context.Context, entityID, messageID string, embedding []float32, metadata []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO elowen_memories (entity_id, message_id, embedding, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (entity_id, message_id)
		DO UPDATE SET embedding = $3, metadata = $4, updated_at = NOW()`

	_, err := r.conn(ctx).Exec(ctx, query, entityID, messageID, pgvector.NewVector(embedding), metadata)
	return err
}

func (r *MemoryIndexRepository) Search(ctx context.Context, entityID string, embedding []float32, k int, excludeConversationID string) ([]IndexHit, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	vector := pgvector.NewVector(embedding)
	query := `
		SELECT message_id, 1 - (embedding <=> $2) AS score, metadata
		FROM elowen_memories
		WHERE entity_id = $1`
	args := []any{entityID, vector}

	if excludeConversationID != "" {
		args = append(args, excludeConversationID)
		query += fmt.Sprintf(` AND metadata->>'conversation_id' <> $%d`, len(args))
	}
	args = append(args, k)
	query += fmt.Sprintf(` ORDER BY embedding <=> $2 LIMIT $%d`, len(args))

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := make([]IndexHit, 0, k)
	for rows.Next() {
		var h IndexHit
		if err := rows.Scan(&h.MessageID, &h.Score, &h.Metadata); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (r *MemoryIndexRepository) Delete(ctx context.Context, entityID, messageID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM elowen_memories WHERE entity_id = $1 AND message_id = $2`
	_, err := r.conn(ctx).Exec(ctx, query, entityID, messageID)
	return err
}

// MergeMetadata folds a partial JSON document into the stored metadata.
func (r *MemoryIndexRepository) MergeMetadata(ctx context.Context, entityID, messageID string, patch []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE elowen_memories
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb,
			updated_at = $4
		WHERE entity_id = $1 AND message_id = $2`

	_, err := r.conn(ctx).Exec(ctx, query, entityID, messageID, patch, time.Now().UTC())
	return err
}

// ListIDs pages through the indexed message ids for an entity. An empty
// next cursor means the end.
func (r *MemoryIndexRepository) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT message_id
		FROM elowen_memories
		WHERE entity_id = $1 AND message_id > $2
		ORDER BY message_id ASC
		LIMIT $3`

	rows, err := r.conn(ctx).Query(ctx, query, entityID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(ids) == limit {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}
