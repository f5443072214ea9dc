package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

type MessageRepository struct {
	BaseRepository
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{BaseRepository: NewBaseRepository(pool)}
}

func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var blocks []byte
	if len(message.Blocks) > 0 {
		var err error
		blocks, err = json.Marshal(message.Blocks)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO elowen_messages (
			id, conversation_id, role, content, blocks, speaker_entity_id,
			times_retrieved, last_retrieved_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)`

	_, err := r.conn(ctx).Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.Role,
		message.Content,
		blocks,
		nullString(message.SpeakerEntityID),
		message.TimesRetrieved,
		nullTime(message.LastRetrievedAt),
		message.CreatedAt,
	)
	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, role, content, blocks, speaker_entity_id,
		       times_retrieved, last_retrieved_at, created_at
		FROM elowen_messages
		WHERE id = $1`

	return scanMessage(r.conn(ctx).QueryRow(ctx, query, id))
}

func (r *MessageRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	if len(ids) == 0 {
		return []*models.Message{}, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, role, content, blocks, speaker_entity_id,
		       times_retrieved, last_retrieved_at, created_at
		FROM elowen_messages
		WHERE id = ANY($1)`

	rows, err := r.conn(ctx).Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT id, conversation_id, role, content, blocks, speaker_entity_id,
		       times_retrieved, last_retrieved_at, created_at
		FROM elowen_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := r.conn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (r *MessageRepository) IncrementTimesRetrieved(ctx context.Context, id string, at time.Time) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		UPDATE elowen_messages
		SET times_retrieved = times_retrieved + 1,
			last_retrieved_at = $2
		WHERE id = $1
		RETURNING times_retrieved`

	var count int
	if err := r.conn(ctx).QueryRow(ctx, query, id, at).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM elowen_messages WHERE id = $1`, id)
	return err
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var blocks []byte
	var speaker sql.NullString
	var lastRetrieved sql.NullTime

	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Role,
		&m.Content,
		&blocks,
		&speaker,
		&m.TimesRetrieved,
		&lastRetrieved,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.SpeakerEntityID = getString(speaker)
	m.LastRetrievedAt = getTimePtr(lastRetrieved)
	if err := unmarshalJSONField(blocks, &m.Blocks); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]*models.Message, error) {
	messages := make([]*models.Message, 0)
	for rows.Next() {
		var m models.Message
		var blocks []byte
		var speaker sql.NullString
		var lastRetrieved sql.NullTime

		err := rows.Scan(
			&m.ID,
			&m.ConversationID,
			&m.Role,
			&m.Content,
			&blocks,
			&speaker,
			&m.TimesRetrieved,
			&lastRetrieved,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		m.SpeakerEntityID = getString(speaker)
		m.LastRetrievedAt = getTimePtr(lastRetrieved)
		if err := unmarshalJSONField(blocks, &m.Blocks); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
