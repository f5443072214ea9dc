package postgres

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

func TestConversationRepository_Create(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	conv := models.NewConversation("ec_abc", "elowen", models.ConversationTypeNormal)
	conv.Title = "Garden planning"

	mock.ExpectExec("INSERT INTO elowen_conversations").
		WithArgs(conv.ID, nullString("elowen"), conv.Type, nullString("Garden planning"),
			sql.NullString{}, pgxmock.AnyArg(), false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	if err := repo.Create(ctx, conv); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_GetByID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	now := time.Now().UTC()
	rows := pgxmock.NewRows([]string{
		"id", "entity_id", "type", "title", "system_prompt", "system_prompts",
		"archived", "created_at", "updated_at", "deleted_at",
	}).AddRow(
		"ec_abc", sql.NullString{String: "elowen", Valid: true}, models.ConversationTypeNormal,
		sql.NullString{String: "Garden planning", Valid: true}, sql.NullString{},
		[]byte(`{"elowen":"You tend the garden."}`), false, now, now, nil,
	)

	mock.ExpectQuery("SELECT (.+) FROM elowen_conversations").
		WithArgs("ec_abc").
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	conv, err := repo.GetByID(ctx, "ec_abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if conv.EntityID != "elowen" {
		t.Errorf("expected entity elowen, got %s", conv.EntityID)
	}
	if conv.Title != "Garden planning" {
		t.Errorf("expected title Garden planning, got %s", conv.Title)
	}
	if got, ok := conv.SystemPromptFor("elowen"); !ok || got != "You tend the garden." {
		t.Errorf("per-entity prompt not unmarshalled: %q, %v", got, ok)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_GetByID_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	mock.ExpectQuery("SELECT (.+) FROM elowen_conversations").
		WithArgs("ec_missing").
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	_, err = repo.GetByID(ctx, "ec_missing")
	if !checkNoRows(err) {
		t.Errorf("expected no-rows error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_Delete_RequiresArchived(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	// The archived guard in the query matches no rows for a live conversation.
	mock.ExpectExec("UPDATE elowen_conversations").
		WithArgs("ec_live").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = repo.Delete(ctx, "ec_live")
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_Delete_Archived(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	mock.ExpectExec("UPDATE elowen_conversations").
		WithArgs("ec_old").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := repo.Delete(ctx, "ec_old"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_ListArchivedIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	rows := pgxmock.NewRows([]string{"id"}).
		AddRow("ec_old1").
		AddRow("ec_old2")

	mock.ExpectQuery("SELECT DISTINCT c.id").
		WithArgs("elowen", "elowen").
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	ids, err := repo.ListArchivedIDs(ctx, "elowen", "elowen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] != "ec_old1" || ids[1] != "ec_old2" {
		t.Errorf("unexpected ids: %v", ids)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestConversationRepository_Touch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	repo := &ConversationRepository{
		BaseRepository: BaseRepository{pool: nil},
	}

	at := time.Now().UTC()
	mock.ExpectExec("UPDATE elowen_conversations").
		WithArgs("ec_abc", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := setupMockContext(mock)
	if err := repo.Touch(ctx, "ec_abc", at); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
