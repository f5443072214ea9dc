package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

type ConversationRepository struct {
	BaseRepository
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	prompts, err := marshalJSONMap(conversation.SystemPrompts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO elowen_conversations (
			id, entity_id, type, title, system_prompt, system_prompts, archived, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)`

	_, err = r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		nullString(conversation.EntityID),
		conversation.Type,
		nullString(conversation.Title),
		nullString(conversation.SystemPrompt),
		prompts,
		conversation.Archived,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	return err
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, entity_id, type, title, system_prompt, system_prompts, archived,
		       created_at, updated_at, deleted_at
		FROM elowen_conversations
		WHERE id = $1 AND deleted_at IS NULL`

	return r.scanConversation(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *ConversationRepository) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Conversation, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, entity_id, type, title, system_prompt, system_prompts, archived,
		       created_at, updated_at, deleted_at
		FROM elowen_conversations
		WHERE deleted_at IS NULL AND (archived = false OR $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.conn(ctx).Query(ctx, query, includeArchived, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanConversations(rows)
}

func (r *ConversationRepository) Update(ctx context.Context, conversation *models.Conversation) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	prompts, err := marshalJSONMap(conversation.SystemPrompts)
	if err != nil {
		return err
	}

	query := `
		UPDATE elowen_conversations
		SET title = $2,
			system_prompt = $3,
			system_prompts = $4,
			archived = $5,
			updated_at = $6
		WHERE id = $1 AND deleted_at IS NULL`

	_, err = r.conn(ctx).Exec(ctx, query,
		conversation.ID,
		nullString(conversation.Title),
		nullString(conversation.SystemPrompt),
		prompts,
		conversation.Archived,
		conversation.UpdatedAt,
	)
	return err
}

func (r *ConversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE elowen_conversations
		SET updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`

	_, err := r.conn(ctx).Exec(ctx, query, id, at)
	return err
}

// Delete soft-deletes. Only archived conversations qualify; the guard lives
// in the query so a concurrent unarchive cannot race past it.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE elowen_conversations
		SET deleted_at = NOW()
		WHERE id = $1 AND archived = true AND deleted_at IS NULL`

	tag, err := r.conn(ctx).Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListArchivedIDs returns archived conversation ids visible as archived to
// the given entity: its own, multi-entity ones it participates in, and
// ownerless ones when it is the default entity.
func (r *ConversationRepository) ListArchivedIDs(ctx context.Context, entityID, defaultEntityID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT DISTINCT c.id
		FROM elowen_conversations c
		LEFT JOIN elowen_conversation_entities ce ON ce.conversation_id = c.id
		WHERE c.archived = true
		  AND c.deleted_at IS NULL
		  AND (
			c.entity_id = $1
			OR (c.type = 'multi_entity' AND ce.entity_id = $1)
			OR (COALESCE(c.entity_id, '') = '' AND $1 = $2)
		  )`

	rows, err := r.conn(ctx).Query(ctx, query, entityID, defaultEntityID)
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

func (r *ConversationRepository) scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	var entityID, title, systemPrompt sql.NullString
	var prompts []byte

	err := row.Scan(
		&c.ID,
		&entityID,
		&c.Type,
		&title,
		&systemPrompt,
		&prompts,
		&c.Archived,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	c.EntityID = getString(entityID)
	c.Title = getString(title)
	c.SystemPrompt = getString(systemPrompt)
	if err := unmarshalJSONField(prompts, &c.SystemPrompts); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) scanConversations(rows pgx.Rows) ([]*models.Conversation, error) {
	conversations := make([]*models.Conversation, 0)
	for rows.Next() {
		var c models.Conversation
		var entityID, title, systemPrompt sql.NullString
		var prompts []byte

		err := rows.Scan(
			&c.ID,
			&entityID,
			&c.Type,
			&title,
			&systemPrompt,
			&prompts,
			&c.Archived,
			&c.CreatedAt,
			&c.UpdatedAt,
			&c.DeletedAt,
		)
		if err != nil {
			return nil, err
		}

		c.EntityID = getString(entityID)
		c.Title = getString(title)
		c.SystemPrompt = getString(systemPrompt)
		if err := unmarshalJSONField(prompts, &c.SystemPrompts); err != nil {
			return nil, err
		}
		conversations = append(conversations, &c)
	}
	return conversations, rows.Err()
}
