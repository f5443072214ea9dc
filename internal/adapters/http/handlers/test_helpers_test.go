package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/elowen-ai/elowen/internal/application/services"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// setURLParam injects a chi URL parameter into the request context so
// handlers can be tested without a full router.
func setURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// mockTurnService scripts turn outcomes for handler tests.
type mockTurnService struct {
	result    *ports.TurnResult
	err       error
	events    []ports.StreamEvent
	streamErr error

	lastTurn  *services.TurnRequest
	lastRegen *services.RegenerateRequest
}

func (m *mockTurnService) ProcessTurn(ctx context.Context, req *services.TurnRequest) (*ports.TurnResult, error) {
	m.lastTurn = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockTurnService) ProcessTurnStream(ctx context.Context, req *services.TurnRequest) (<-chan ports.StreamEvent, error) {
	m.lastTurn = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.eventChannel(), nil
}

func (m *mockTurnService) RegenerateTurn(ctx context.Context, req *services.RegenerateRequest) (<-chan ports.StreamEvent, error) {
	m.lastRegen = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	return m.eventChannel(), nil
}

func (m *mockTurnService) eventChannel() <-chan ports.StreamEvent {
	ch := make(chan ports.StreamEvent, len(m.events))
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch
}

// mockConversationRepo mirrors the postgres repository's soft-delete and
// archived-only-delete semantics over an in-memory map.
type mockConversationRepo struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	createErr     error
	getErr        error
	listErr       error
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{conversations: make(map[string]*models.Conversation)}
}

func (m *mockConversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

func (m *mockConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || conv.DeletedAt != nil {
		return nil, pgx.ErrNoRows
	}
	cp := *conv
	return &cp, nil
}

func (m *mockConversationRepo) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Conversation, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Conversation
	for _, conv := range m.conversations {
		if conv.DeletedAt != nil {
			continue
		}
		if conv.Archived && !includeArchived {
			continue
		}
		cp := *conv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockConversationRepo) Update(ctx context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conv.ID]; !ok {
		return pgx.ErrNoRows
	}
	cp := *conv
	m.conversations[conv.ID] = &cp
	return nil
}

func (m *mockConversationRepo) Touch(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return pgx.ErrNoRows
	}
	conv.UpdatedAt = at
	return nil
}

func (m *mockConversationRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok || !conv.Archived || conv.DeletedAt != nil {
		return pgx.ErrNoRows
	}
	now := time.Now().UTC()
	conv.DeletedAt = &now
	return nil
}

func (m *mockConversationRepo) ListArchivedIDs(ctx context.Context, entityID, defaultEntityID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, conv := range m.conversations {
		if conv.Archived && conv.DeletedAt == nil {
			ids = append(ids, conv.ID)
		}
	}
	return ids, nil
}

type mockMessageRepo struct {
	mu       sync.Mutex
	messages map[string]*models.Message
	listErr  error
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{messages: make(map[string]*models.Message)}
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *msg
	return &cp, nil
}

func (m *mockMessageRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, id := range ids {
		if msg, ok := m.messages[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *mockMessageRepo) IncrementTimesRetrieved(ctx context.Context, id string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	msg.TimesRetrieved++
	msg.LastRetrievedAt = &at
	return msg.TimesRetrieved, nil
}

func (m *mockMessageRepo) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return pgx.ErrNoRows
	}
	delete(m.messages, id)
	return nil
}

type mockParticipantRepo struct {
	mu           sync.Mutex
	participants map[string][]*models.ConversationEntity
}

func newMockParticipantRepo() *mockParticipantRepo {
	return &mockParticipantRepo{participants: make(map[string][]*models.ConversationEntity)}
}

func (m *mockParticipantRepo) Add(ctx context.Context, participant *models.ConversationEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *participant
	m.participants[participant.ConversationID] = append(m.participants[participant.ConversationID], &cp)
	return nil
}

func (m *mockParticipantRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants[conversationID], nil
}

type mockTxManager struct{}

func (mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type mockIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (m *mockIDGenerator) next(prefix string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return fmt.Sprintf("%s_test_%d", prefix, m.counter)
}

func (m *mockIDGenerator) GenerateConversationID() string { return m.next("conv") }
func (m *mockIDGenerator) GenerateMessageID() string      { return m.next("msg") }
func (m *mockIDGenerator) GenerateToolUseID() string      { return m.next("tooluse") }
func (m *mockIDGenerator) GenerateAttachmentID() string   { return m.next("att") }

// mockMemoryStore records deletions; enough for the delete-conversation sweep.
type mockMemoryStore struct {
	mu      sync.Mutex
	deleted []string
}

func (m *mockMemoryStore) Upsert(ctx context.Context, entityID, id, text string, meta ports.MemoryMetadata) error {
	return nil
}

func (m *mockMemoryStore) Search(ctx context.Context, entityID, query string, k int, filter *ports.SearchFilter) ([]ports.MemoryCandidate, error) {
	return nil, nil
}

func (m *mockMemoryStore) Delete(ctx context.Context, entityID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockMemoryStore) UpdateMetadata(ctx context.Context, entityID, id string, patch ports.MetadataPatch) error {
	return nil
}

func (m *mockMemoryStore) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	return nil, "", nil
}

// handlerFixture wires real services over in-memory repositories.
type handlerFixture struct {
	conversations *mockConversationRepo
	messages      *mockMessageRepo
	participants  *mockParticipantRepo
	store         *mockMemoryStore
	ids           *mockIDGenerator
	manager       *services.SessionManager
	service       *services.ConversationService
}

func newHandlerFixture() *handlerFixture {
	f := &handlerFixture{
		conversations: newMockConversationRepo(),
		messages:      newMockMessageRepo(),
		participants:  newMockParticipantRepo(),
		store:         &mockMemoryStore{},
		ids:           &mockIDGenerator{},
	}
	entities := []services.EntityInfo{
		{ID: "elowen", Label: "Elowen", Provider: "anthropic", DefaultModel: "claude-sonnet-4-5"},
		{ID: "sage", Label: "Sage", Provider: "openai", DefaultModel: "qwen3-8b"},
		{ID: "wren", Label: "Wren", Provider: "anthropic", DefaultModel: "claude-haiku-4-5"},
	}
	defaults := services.TurnDefaults{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4-5",
		EntityID:    "elowen",
		Temperature: 0.7,
		MaxTokens:   1024,
	}
	f.manager = services.NewSessionManager(services.SessionManagerDeps{
		Conversations: f.conversations,
		Messages:      f.messages,
		Participants:  f.participants,
		TxManager:     mockTxManager{},
		Store:         f.store,
		IDGen:         f.ids,
	}, entities, defaults, services.TurnBudgets{MemoryTokens: 1200, ContextTokens: 30000, MaxToolIterations: 10})
	f.service = services.NewConversationService(f.conversations, f.participants, f.messages, mockTxManager{}, f.manager, f.ids, entities)
	return f
}

func (f *handlerFixture) seedConversation(id, entityID string) *models.Conversation {
	conv := models.NewConversation(id, entityID, models.ConversationTypeNormal)
	f.conversations.conversations[id] = conv
	return conv
}

func (f *handlerFixture) seedMessage(id, conversationID string, role models.MessageRole, content string) *models.Message {
	msg := models.NewMessage(id, conversationID, role, content)
	f.messages.messages[id] = msg
	return msg
}
