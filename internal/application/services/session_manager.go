package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/metrics"
	"github.com/elowen-ai/elowen/internal/application/prompting"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// EntityInfo is the session layer's view of one configured AI identity.
type EntityInfo struct {
	ID           string
	Label        string
	Provider     string
	DefaultModel string
	SystemPrompt string
}

// TurnDefaults seed new sessions when neither the conversation nor the
// acting entity pins a value.
type TurnDefaults struct {
	Provider       string
	Model          string
	EntityID       string
	Temperature    float64
	MaxTokens      int
	ProviderModels map[string]string
}

// TurnBudgets are the per-turn ceilings: token budgets for the memories
// block and the rolling context, and the tool-loop iteration cap.
type TurnBudgets struct {
	MemoryTokens      int
	ContextTokens     int
	MaxToolIterations int
}

// ProviderResolver selects the client for a named provider, falling back
// to the default provider for unknown names.
type ProviderResolver interface {
	For(name string) ports.LLMClient
	Default() string
}

// SessionManagerDeps bundles the collaborators a SessionManager drives.
type SessionManagerDeps struct {
	Conversations ports.ConversationRepository
	Messages      ports.MessageRepository
	Links         ports.MemoryLinkRepository
	Participants  ports.ConversationEntityRepository
	TxManager     ports.TransactionManager
	Store         ports.MemoryStore
	Retriever     ports.MemoryRetriever
	Assembler     *prompting.Assembler
	Providers     ProviderResolver
	Executor      ports.ToolExecutor
	Counter       ports.TokenCounter
	IDGen         ports.IDGenerator
}

// managedSession pairs a live session with its turn lock. The lock is held
// for a whole turn; a second turn on the same conversation fails fast
// instead of queueing.
type managedSession struct {
	mu      sync.Mutex
	session *models.Session
}

// SessionManager owns the in-process session table, keyed by conversation
// id. Sessions are built lazily from the database of record, mutated only
// by the turn that holds their lock, and dropped on Close so the next turn
// rebuilds from Postgres.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession

	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	links         ports.MemoryLinkRepository
	participants  ports.ConversationEntityRepository
	txManager     ports.TransactionManager
	store         ports.MemoryStore
	retriever     ports.MemoryRetriever
	assembler     *prompting.Assembler
	providers     ProviderResolver
	executor      ports.ToolExecutor
	counter       ports.TokenCounter
	idGen         ports.IDGenerator

	entities map[string]EntityInfo
	defaults TurnDefaults
	budgets  TurnBudgets
	now      func() time.Time
}

func NewSessionManager(deps SessionManagerDeps, entities []EntityInfo, defaults TurnDefaults, budgets TurnBudgets) *SessionManager {
	byID := make(map[string]EntityInfo, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	return &SessionManager{
		sessions:      make(map[string]*managedSession),
		conversations: deps.Conversations,
		messages:      deps.Messages,
		links:         deps.Links,
		participants:  deps.Participants,
		txManager:     deps.TxManager,
		store:         deps.Store,
		retriever:     deps.Retriever,
		assembler:     deps.Assembler,
		providers:     deps.Providers,
		executor:      deps.Executor,
		counter:       deps.Counter,
		idGen:         deps.IDGen,
		entities:      byID,
		defaults:      defaults,
		budgets:       budgets,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached session for a conversation, if one is live.
func (m *SessionManager) Get(conversationID string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[conversationID]
	if !ok || ms.session == nil {
		return nil, false
	}
	return ms.session, true
}

// Close drops a conversation's session. The next turn rebuilds it from the
// database. Closing an untracked conversation is a no-op.
func (m *SessionManager) Close(conversationID string) {
	m.mu.Lock()
	if _, ok := m.sessions[conversationID]; ok {
		delete(m.sessions, conversationID)
		metrics.SessionsActive.Dec()
	}
	m.mu.Unlock()
}

// Create registers a fresh session for a conversation that was just
// created, so its first turn skips the database rebuild. participantIDs is
// only consulted for multi-entity conversations.
func (m *SessionManager) Create(conv *models.Conversation, participantIDs []string, respondingEntityID string) (*models.Session, error) {
	sess, err := m.buildSession(conv, participantIDs, respondingEntityID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.sessions[conv.ID]; !ok {
		metrics.SessionsActive.Inc()
	}
	m.sessions[conv.ID] = &managedSession{session: sess}
	m.mu.Unlock()
	return sess, nil
}

// LoadFromDB rebuilds a session from the database of record: conversation
// row, full message replay, and the already-surfaced memory set from the
// link table. preserveContextCacheLength carries a cache breakpoint across
// a rebuild; nil treats the whole replayed context as cached, which it is
// for the provider that saw it last.
func (m *SessionManager) LoadFromDB(ctx context.Context, conversationID, respondingEntityID string, preserveContextCacheLength *int) (*models.Session, error) {
	conv, err := m.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var participantIDs []string
	if conv.IsMultiEntity() {
		parts, err := m.participants.ListByConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			participantIDs = append(participantIDs, p.EntityID)
		}
	}

	sess, err := m.buildSession(conv, participantIDs, respondingEntityID)
	if err != nil {
		return nil, err
	}

	msgs, err := m.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if cm, ok := replayMessage(sess, msg); ok {
			sess.AppendContext(cm)
		}
	}

	entityFilter := ""
	if sess.MultiEntity {
		entityFilter = sess.EntityID
	}
	ids, err := m.links.ListMessageIDs(ctx, conversationID, entityFilter)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		rows, err := m.messages.GetByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			sess.AddMemory(memoryEntryFromMessage(row))
		}
	}

	if preserveContextCacheLength != nil {
		n := *preserveContextCacheLength
		if n < 0 {
			n = 0
		}
		if n > len(sess.RollingContext) {
			n = len(sess.RollingContext)
		}
		sess.LastCachedContextLength = n
	} else {
		sess.LastCachedContextLength = len(sess.RollingContext)
	}
	return sess, nil
}

// lockConversation registers (if needed) and locks a conversation's managed
// session without loading it. It fails fast with ErrConversationBusy while
// another turn holds the lock. The returned release func must be called
// exactly once.
func (m *SessionManager) lockConversation(conversationID string) (*managedSession, func(), error) {
	m.mu.Lock()
	ms, ok := m.sessions[conversationID]
	if !ok {
		ms = &managedSession{}
		m.sessions[conversationID] = ms
		metrics.SessionsActive.Inc()
	}
	m.mu.Unlock()

	if !ms.mu.TryLock() {
		return nil, nil, domain.NewDomainError(domain.ErrConversationBusy, "a turn is already in progress for "+conversationID)
	}
	return ms, func() { ms.mu.Unlock() }, nil
}

// acquire resolves the managed session for a conversation, loading it on a
// cold start, and locks it for one turn.
func (m *SessionManager) acquire(ctx context.Context, conversationID, respondingEntityID string) (*managedSession, func(), error) {
	ms, release, err := m.lockConversation(conversationID)
	if err != nil {
		return nil, nil, err
	}

	if ms.session == nil {
		sess, err := m.LoadFromDB(ctx, conversationID, respondingEntityID, nil)
		if err != nil {
			release()
			m.evict(conversationID, ms)
			return nil, nil, err
		}
		ms.session = sess
		return ms, release, nil
	}

	// Multi-entity conversations swap the acting entity between turns.
	// The rebuilt session keeps the cache breakpoint unless the new
	// entity's effective system prompt differs from the one the provider
	// cached against, in which case the whole prefix is cold anyway.
	sess := ms.session
	if sess.MultiEntity && respondingEntityID != "" && respondingEntityID != sess.EntityID {
		preserved := sess.LastCachedContextLength
		fresh, err := m.LoadFromDB(ctx, conversationID, respondingEntityID, &preserved)
		if err != nil {
			release()
			return nil, nil, err
		}
		if !samePrompt(fresh.SystemPrompt, sess.SystemPrompt) {
			fresh.LastCachedContextLength = 0
		}
		ms.session = fresh
	}
	return ms, release, nil
}

func (m *SessionManager) evict(conversationID string, ms *managedSession) {
	m.mu.Lock()
	if cur, ok := m.sessions[conversationID]; ok && cur == ms {
		delete(m.sessions, conversationID)
		metrics.SessionsActive.Dec()
	}
	m.mu.Unlock()
}

// buildSession constructs a session from a conversation row: acting
// entity, provider and model resolution, system prompt, and the
// multi-entity labelling the prompt layer renders with.
func (m *SessionManager) buildSession(conv *models.Conversation, participantIDs []string, respondingEntityID string) (*models.Session, error) {
	ent, err := m.resolveActingEntity(conv, participantIDs, respondingEntityID)
	if err != nil {
		return nil, err
	}

	provider := ent.Provider
	if provider == "" {
		provider = m.defaults.Provider
	}
	model := ent.DefaultModel
	if model == "" {
		model = m.defaults.ProviderModels[provider]
	}
	if model == "" {
		model = m.defaults.Model
	}

	sess := models.NewSession(conv.ID, ent.ID, model)
	sess.Provider = provider
	sess.Temperature = m.defaults.Temperature
	sess.MaxTokens = m.defaults.MaxTokens
	if p, ok := conv.SystemPromptFor(ent.ID); ok {
		sess.SystemPrompt = &p
	} else if ent.SystemPrompt != "" {
		p := ent.SystemPrompt
		sess.SystemPrompt = &p
	}
	start := conv.CreatedAt
	sess.ConversationStartDate = &start

	if conv.IsMultiEntity() {
		sess.MultiEntity = true
		sess.RespondingEntityLabel = displayLabel(ent)
		labels := make(map[string]string, len(participantIDs))
		for _, id := range participantIDs {
			if p, ok := m.entities[id]; ok {
				labels[id] = displayLabel(p)
			} else {
				labels[id] = id
			}
		}
		sess.EntityLabels = labels
	}
	return sess, nil
}

func (m *SessionManager) resolveActingEntity(conv *models.Conversation, participantIDs []string, respondingEntityID string) (EntityInfo, error) {
	id := conv.EntityID
	if conv.IsMultiEntity() {
		if respondingEntityID == "" {
			return EntityInfo{}, domain.NewDomainError(domain.ErrInvalidInput, "multi-entity conversation requires responding_entity_id")
		}
		if len(participantIDs) > 0 && !containsString(participantIDs, respondingEntityID) {
			return EntityInfo{}, domain.NewDomainError(domain.ErrInvalidInput, "entity "+respondingEntityID+" is not a participant of "+conv.ID)
		}
		id = respondingEntityID
	}
	if id == "" {
		id = m.defaults.EntityID
	}
	ent, ok := m.entities[id]
	if !ok {
		return EntityInfo{}, domain.NewDomainError(domain.ErrEntityNotConfigured, "entity "+id+" is not configured")
	}
	return ent, nil
}

// indexTargets lists the entity indexes a persisted exchange feeds:
// every participant in multi-entity conversations, otherwise the owner.
func (m *SessionManager) indexTargets(sess *models.Session) []string {
	if !sess.MultiEntity || len(sess.EntityLabels) == 0 {
		return []string{sess.EntityID}
	}
	targets := make([]string, 0, len(sess.EntityLabels))
	for id := range sess.EntityLabels {
		targets = append(targets, id)
	}
	sort.Strings(targets)
	return targets
}

// replayMessage maps one persisted row back into rolling context. Tool
// rows replay as structured blocks; plain rows get speaker prefixes in
// multi-entity conversations, matching what AddExchange wrote live.
func replayMessage(sess *models.Session, msg *models.Message) (models.ContextMessage, bool) {
	switch msg.Role {
	case models.MessageRoleHuman:
		content := msg.Content
		if sess.MultiEntity {
			content = "[Human]: " + content
		}
		return models.ContextMessage{Role: models.ChatRoleUser, Content: content}, true
	case models.MessageRoleAssistant:
		content := msg.Content
		if sess.MultiEntity {
			label := sess.RespondingEntityLabel
			if msg.SpeakerEntityID != "" {
				if l, ok := sess.EntityLabels[msg.SpeakerEntityID]; ok {
					label = l
				}
			}
			content = "[" + label + "]: " + content
		}
		return models.ContextMessage{Role: models.ChatRoleAssistant, Content: content}, true
	case models.MessageRoleToolUse:
		return models.ContextMessage{Role: models.ChatRoleAssistant, Blocks: msg.Blocks}, true
	case models.MessageRoleToolResult:
		return models.ContextMessage{Role: models.ChatRoleUser, Blocks: msg.Blocks}, true
	}
	return models.ContextMessage{}, false
}

// memoryEntryFromMessage rebuilds the snapshot for a memory that an
// earlier session run already surfaced. Scores are zero: the entry is
// restored for dedup bookkeeping, not re-ranked.
func memoryEntryFromMessage(msg *models.Message) *models.MemoryEntry {
	source := models.MemorySourceUser
	if msg.Role == models.MessageRoleAssistant {
		source = models.MemorySourceAssistant
	}
	return &models.MemoryEntry{
		ID:                   msg.ID,
		SourceConversationID: msg.ConversationID,
		Role:                 msg.Role,
		Content:              msg.Content,
		CreatedAt:            msg.CreatedAt,
		TimesRetrieved:       msg.TimesRetrieved,
		Source:               source,
	}
}

func displayLabel(e EntityInfo) string {
	if e.Label != "" {
		return e.Label
	}
	return e.ID
}

func samePrompt(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
