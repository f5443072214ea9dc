package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/elowen-ai/elowen/internal/application/prompting"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

var errNotFound = errors.New("not found")

// Shared mock implementations for testing

type mockIDGenerator struct {
	conversationCounter int
	messageCounter      int
	toolUseCounter      int
	attachmentCounter   int
}

func (m *mockIDGenerator) GenerateConversationID() string {
	m.conversationCounter++
	return fmt.Sprintf("ec_test%d", m.conversationCounter)
}

func (m *mockIDGenerator) GenerateMessageID() string {
	m.messageCounter++
	return fmt.Sprintf("em_test%d", m.messageCounter)
}

func (m *mockIDGenerator) GenerateToolUseID() string {
	m.toolUseCounter++
	return fmt.Sprintf("etu_test%d", m.toolUseCounter)
}

func (m *mockIDGenerator) GenerateAttachmentID() string {
	m.attachmentCounter++
	return fmt.Sprintf("eat_test%d", m.attachmentCounter)
}

type mockTxManager struct {
	calls int
	err   error
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

type mockMessageRepo struct {
	store      map[string]*models.Message
	getErr     error
	createErr  error
	increments []string
}

func newMockMessageRepo() *mockMessageRepo {
	return &mockMessageRepo{store: make(map[string]*models.Message)}
}

func (m *mockMessageRepo) Create(ctx context.Context, msg *models.Message) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.store[msg.ID] = msg
	return nil
}

func (m *mockMessageRepo) GetByID(ctx context.Context, id string) (*models.Message, error) {
	if msg, ok := m.store[id]; ok {
		return msg, nil
	}
	return nil, errNotFound
}

func (m *mockMessageRepo) GetByIDs(ctx context.Context, ids []string) ([]*models.Message, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	msgs := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.store[id]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (m *mockMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error) {
	msgs := make([]*models.Message, 0)
	for _, msg := range m.store {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (m *mockMessageRepo) IncrementTimesRetrieved(ctx context.Context, id string, at time.Time) (int, error) {
	msg, ok := m.store[id]
	if !ok {
		return 0, errNotFound
	}
	msg.TimesRetrieved++
	msg.LastRetrievedAt = &at
	m.increments = append(m.increments, id)
	return msg.TimesRetrieved, nil
}

func (m *mockMessageRepo) Delete(ctx context.Context, id string) error {
	if _, ok := m.store[id]; !ok {
		return errNotFound
	}
	delete(m.store, id)
	return nil
}

type mockConversationRepo struct {
	store        map[string]*models.Conversation
	participants map[string][]string
	touched      []string
	archivedErr  error
}

func newMockConversationRepo() *mockConversationRepo {
	return &mockConversationRepo{
		store:        make(map[string]*models.Conversation),
		participants: make(map[string][]string),
	}
}

func (m *mockConversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	m.store[conv.ID] = conv
	return nil
}

func (m *mockConversationRepo) GetByID(ctx context.Context, id string) (*models.Conversation, error) {
	if conv, ok := m.store[id]; ok && conv.DeletedAt == nil {
		return conv, nil
	}
	return nil, errNotFound
}

func (m *mockConversationRepo) List(ctx context.Context, includeArchived bool, limit, offset int) ([]*models.Conversation, error) {
	convs := make([]*models.Conversation, 0)
	for _, conv := range m.store {
		if conv.DeletedAt != nil {
			continue
		}
		if !includeArchived && conv.Archived {
			continue
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, nil
}

func (m *mockConversationRepo) Update(ctx context.Context, conv *models.Conversation) error {
	if _, ok := m.store[conv.ID]; !ok {
		return errNotFound
	}
	m.store[conv.ID] = conv
	return nil
}

func (m *mockConversationRepo) Touch(ctx context.Context, id string, at time.Time) error {
	if conv, ok := m.store[id]; ok {
		conv.UpdatedAt = at
		m.touched = append(m.touched, id)
		return nil
	}
	return errNotFound
}

func (m *mockConversationRepo) Delete(ctx context.Context, id string) error {
	if conv, ok := m.store[id]; ok {
		now := time.Now()
		conv.DeletedAt = &now
		return nil
	}
	return errNotFound
}

func (m *mockConversationRepo) ListArchivedIDs(ctx context.Context, entityID, defaultEntityID string) ([]string, error) {
	if m.archivedErr != nil {
		return nil, m.archivedErr
	}
	ids := make([]string, 0)
	for id, conv := range m.store {
		if conv.DeletedAt != nil {
			continue
		}
		if conv.ArchivedForEntity(entityID, defaultEntityID, m.participants[id]) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type mockLinkRepo struct {
	links map[string]*models.MemoryLink
}

func newMockLinkRepo() *mockLinkRepo {
	return &mockLinkRepo{links: make(map[string]*models.MemoryLink)}
}

func linkKey(conversationID, messageID, entityID string) string {
	return conversationID + "|" + messageID + "|" + entityID
}

func (m *mockLinkRepo) Create(ctx context.Context, link *models.MemoryLink) error {
	key := linkKey(link.ConversationID, link.MessageID, link.EntityID)
	if _, ok := m.links[key]; !ok {
		m.links[key] = link
	}
	return nil
}

func (m *mockLinkRepo) ListMessageIDs(ctx context.Context, conversationID, entityID string) ([]string, error) {
	ids := make([]string, 0)
	for _, link := range m.links {
		if link.ConversationID != conversationID {
			continue
		}
		if entityID != "" && link.EntityID != entityID {
			continue
		}
		ids = append(ids, link.MessageID)
	}
	sort.Strings(ids)
	return ids, nil
}

// mockMemoryStore serves canned hits keyed by query substring and records
// metadata patches.
type mockMemoryStore struct {
	hits      map[string][]ports.MemoryCandidate
	searchErr error
	patches   map[string][]ports.MetadataPatch
	upserts   map[string]string
	deletes   []string
}

func newMockMemoryStore() *mockMemoryStore {
	return &mockMemoryStore{
		hits:    make(map[string][]ports.MemoryCandidate),
		patches: make(map[string][]ports.MetadataPatch),
		upserts: make(map[string]string),
	}
}

func (m *mockMemoryStore) Upsert(ctx context.Context, entityID, id, text string, meta ports.MemoryMetadata) error {
	m.upserts[entityID+"|"+id] = text
	return nil
}

func (m *mockMemoryStore) Search(ctx context.Context, entityID, query string, k int, filter *ports.SearchFilter) ([]ports.MemoryCandidate, error) {
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	var matched []ports.MemoryCandidate
	for key, candidates := range m.hits {
		if strings.Contains(query, key) {
			matched = candidates
			break
		}
	}
	out := make([]ports.MemoryCandidate, 0, len(matched))
	for _, c := range matched {
		if filter != nil && filter.ExcludeConversationID != "" && c.Metadata.ConversationID == filter.ExcludeConversationID {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (m *mockMemoryStore) Delete(ctx context.Context, entityID, id string) error {
	m.deletes = append(m.deletes, entityID+"|"+id)
	return nil
}

func (m *mockMemoryStore) UpdateMetadata(ctx context.Context, entityID, id string, patch ports.MetadataPatch) error {
	m.patches[id] = append(m.patches[id], patch)
	return nil
}

func (m *mockMemoryStore) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	ids := make([]string, 0)
	prefix := entityID + "|"
	for key := range m.upserts {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(ids)
	return ids, "", nil
}

type mockParticipantRepo struct {
	rows map[string][]*models.ConversationEntity
}

func newMockParticipantRepo() *mockParticipantRepo {
	return &mockParticipantRepo{rows: make(map[string][]*models.ConversationEntity)}
}

func (m *mockParticipantRepo) Add(ctx context.Context, p *models.ConversationEntity) error {
	m.rows[p.ConversationID] = append(m.rows[p.ConversationID], p)
	return nil
}

func (m *mockParticipantRepo) ListByConversation(ctx context.Context, conversationID string) ([]*models.ConversationEntity, error) {
	out := append([]*models.ConversationEntity(nil), m.rows[conversationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

// fakeRetriever returns a scripted retrieval outcome and records which
// message ids were counted as surfaced.
type fakeRetriever struct {
	entries []*models.MemoryEntry
	err     error
	counted []string
	queried []string
	hits    []*models.MemoryEntry
}

func (f *fakeRetriever) RetrieveForSession(ctx context.Context, s *models.Session, userMessage string) (*ports.RetrievalOutcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ports.RetrievalOutcome{Entries: f.entries}, nil
}

func (f *fakeRetriever) QueryMemories(ctx context.Context, tc ports.ToolContext, query string, numResults int) ([]*models.MemoryEntry, error) {
	f.queried = append(f.queried, query)
	return f.hits, nil
}

func (f *fakeRetriever) CountRetrieval(ctx context.Context, conversationID, entityID, messageID string) error {
	f.counted = append(f.counted, messageID)
	return nil
}

// scriptedTurn is one canned model turn. hang emits the tokens and then
// waits for cancellation instead of completing.
type scriptedTurn struct {
	tokens []string
	resp   *ports.ChatResponse
	hang   bool
}

// scriptedClient replays canned turns in order and records every request,
// copying the message slice so later cache-marker moves don't alias into
// the recording.
type scriptedClient struct {
	script   []scriptedTurn
	requests []*ports.ChatRequest
	sendErr  error

	// gate, when set, holds each call open until closed; used to keep a
	// turn in flight.
	gate chan struct{}
}

func (c *scriptedClient) record(req *ports.ChatRequest) {
	saved := *req
	saved.Messages = append([]ports.PromptMessage(nil), req.Messages...)
	c.requests = append(c.requests, &saved)
}

func (c *scriptedClient) next() scriptedTurn {
	if len(c.script) == 0 {
		return scriptedTurn{resp: &ports.ChatResponse{StopReason: "end_turn"}}
	}
	t := c.script[0]
	c.script = c.script[1:]
	return t
}

func (c *scriptedClient) Send(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error) {
	c.record(req)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	turn := c.next()
	if turn.resp == nil {
		return nil, errors.New("script exhausted")
	}
	return turn.resp, nil
}

func (c *scriptedClient) SendStream(ctx context.Context, req *ports.ChatRequest) (<-chan ports.ChatStreamChunk, error) {
	c.record(req)
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	turn := c.next()
	out := make(chan ports.ChatStreamChunk, len(turn.tokens)+1)
	go func() {
		defer close(out)
		for _, tok := range turn.tokens {
			out <- ports.ChatStreamChunk{Text: tok}
		}
		if turn.hang {
			<-ctx.Done()
			out <- ports.ChatStreamChunk{Err: ctx.Err()}
			return
		}
		if c.gate != nil {
			select {
			case <-c.gate:
			case <-ctx.Done():
				out <- ports.ChatStreamChunk{Err: ctx.Err()}
				return
			}
		}
		out <- ports.ChatStreamChunk{Done: true, Response: turn.resp}
	}()
	return out, nil
}

type fakeProviders struct {
	client ports.LLMClient
}

func (f *fakeProviders) For(name string) ports.LLMClient { return f.client }
func (f *fakeProviders) Default() string                 { return "anthropic" }

// fakeExecutor serves one canned tool.
type fakeExecutor struct {
	name    string
	handler func(input json.RawMessage) (string, bool)
	calls   []string
}

func (f *fakeExecutor) Execute(ctx context.Context, tc ports.ToolContext, toolUseID, name string, input json.RawMessage) ports.ToolResult {
	f.calls = append(f.calls, name)
	if name != f.name || f.handler == nil {
		return ports.ToolResult{ToolUseID: toolUseID, Content: "unknown tool: " + name, IsError: true}
	}
	content, isErr := f.handler(input)
	return ports.ToolResult{ToolUseID: toolUseID, Content: content, IsError: isErr}
}

func (f *fakeExecutor) Schemas() []ports.ToolSchema {
	if f.name == "" {
		return nil
	}
	return []ports.ToolSchema{{
		Name:        f.name,
		Description: "test tool",
		InputSchema: map[string]any{"type": "object"},
	}}
}

func (f *fakeExecutor) Has(name string) bool { return name == f.name }

// turnFixture wires a SessionManager against the in-memory collaborators.
// Two entities are configured so multi-entity paths are reachable.
type turnFixture struct {
	manager       *SessionManager
	conversations *mockConversationRepo
	messages      *mockMessageRepo
	links         *mockLinkRepo
	participants  *mockParticipantRepo
	store         *mockMemoryStore
	tx            *mockTxManager
	retriever     *fakeRetriever
	llm           *scriptedClient
	executor      *fakeExecutor
	idGen         *mockIDGenerator
}

func newTurnFixture() *turnFixture {
	f := &turnFixture{
		conversations: newMockConversationRepo(),
		messages:      newMockMessageRepo(),
		links:         newMockLinkRepo(),
		participants:  newMockParticipantRepo(),
		store:         newMockMemoryStore(),
		tx:            &mockTxManager{},
		retriever:     &fakeRetriever{},
		llm:           &scriptedClient{},
		executor:      &fakeExecutor{},
		idGen:         &mockIDGenerator{},
	}
	deps := SessionManagerDeps{
		Conversations: f.conversations,
		Messages:      f.messages,
		Links:         f.links,
		Participants:  f.participants,
		TxManager:     f.tx,
		Store:         f.store,
		Retriever:     f.retriever,
		Assembler:     prompting.NewAssembler(nil),
		Providers:     &fakeProviders{client: f.llm},
		Executor:      f.executor,
		Counter:       NewTokenCounter(),
		IDGen:         f.idGen,
	}
	entities := []EntityInfo{
		{ID: "elowen", Label: "Elowen", Provider: "anthropic", DefaultModel: "claude-sonnet-4"},
		{ID: "sage", Label: "Sage", Provider: "openai", DefaultModel: "qwen3-8b"},
	}
	defaults := TurnDefaults{
		Provider:    "anthropic",
		Model:       "claude-sonnet-4",
		EntityID:    "elowen",
		Temperature: 0.7,
		MaxTokens:   1024,
		ProviderModels: map[string]string{
			"anthropic": "claude-sonnet-4",
			"openai":    "qwen3-8b",
		},
	}
	budgets := TurnBudgets{MemoryTokens: 2048, ContextTokens: 16384, MaxToolIterations: 10}
	f.manager = NewSessionManager(deps, entities, defaults, budgets)
	return f
}

func (f *turnFixture) seedConversation(id string) *models.Conversation {
	conv := models.NewConversation(id, "elowen", models.ConversationTypeNormal)
	f.conversations.store[id] = conv
	return conv
}

func (f *turnFixture) seedMultiEntity(id string, participantIDs ...string) *models.Conversation {
	conv := models.NewConversation(id, "", models.ConversationTypeMultiEntity)
	f.conversations.store[id] = conv
	for i, pid := range participantIDs {
		f.participants.rows[id] = append(f.participants.rows[id], &models.ConversationEntity{
			ConversationID: id,
			EntityID:       pid,
			DisplayOrder:   i,
		})
	}
	return conv
}

func (f *turnFixture) seedRow(msg *models.Message) {
	f.messages.store[msg.ID] = msg
}

// drainEvents collects every event until the channel closes. The timeout
// guards against a producer that never finishes.
func drainEvents(t *testing.T, events <-chan ports.StreamEvent) []ports.StreamEvent {
	t.Helper()
	var out []ports.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out draining stream events")
		}
	}
}

// eventKinds returns the event type sequence with token deltas filtered out;
// tokens are lossy and their count is not part of the contract.
func eventKinds(events []ports.StreamEvent) []ports.StreamEventType {
	kinds := make([]ports.StreamEventType, 0, len(events))
	for _, ev := range events {
		if ev.Type == ports.StreamEventToken {
			continue
		}
		kinds = append(kinds, ev.Type)
	}
	return kinds
}

func findEvent(events []ports.StreamEvent, typ ports.StreamEventType) (ports.StreamEvent, bool) {
	for _, ev := range events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return ports.StreamEvent{}, false
}

func markedIndexes(messages []ports.PromptMessage) []int {
	var out []int
	for i, msg := range messages {
		if msg.CacheControl {
			out = append(out, i)
		}
	}
	return out
}
