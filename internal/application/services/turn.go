package services

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/metrics"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// TurnRequest describes one inbound turn. Message is nil for multi-entity
// continuations, where an entity answers without a new human message. The
// optional fields override session values for this turn only.
type TurnRequest struct {
	ConversationID     string
	Message            *string
	RespondingEntityID string
	UserDisplayName    string
	Verbosity          string
	Model              string
	Temperature        *float64
	MaxTokens          *int
	SystemPrompt       *string
	Attachments        []Attachment

	// set internally when a regeneration reuses a stored human row
	existingHumanID string
}

// preparedTurn is the output of the shared pre-LLM pipeline: retrieval
// applied to the session, budgets enforced, prompt assembled.
type preparedTurn struct {
	userMessage      *string
	images           []models.ContentBlock
	consolidate      bool
	newMemories      int
	surfacedIDs      []string
	trimmedMemoryIDs []string
	trimmedContext   int
	client           ports.LLMClient
	request          *ports.ChatRequest
}

// prepareTurn runs retrieval, memory bookkeeping, token-budget trimming
// and prompt assembly against the locked session. Retrieval failures are
// soft: the turn proceeds without new memories rather than dying on a
// degraded vector store.
func (m *SessionManager) prepareTurn(ctx context.Context, sess *models.Session, req *TurnRequest, withTools bool) (*preparedTurn, error) {
	if req.UserDisplayName != "" {
		sess.UserDisplayName = req.UserDisplayName
	}
	if req.Verbosity != "" {
		sess.Verbosity = req.Verbosity
	}

	// A regeneration rebuilds the session from rows that still end with the
	// stored human turn. Rewind it out of history so the prompt renders it
	// as the current message instead of answering it twice.
	if req.existingHumanID != "" {
		rewindTrailingUserTurn(sess)
	}

	userMessage, images := applyAttachments(req.Message, req.Attachments)
	if userMessage == nil && !sess.MultiEntity {
		return nil, domain.NewDomainError(domain.ErrContinuationInvalid, "continuation without a message requires a multi-entity conversation")
	}

	queryText := ""
	if userMessage != nil {
		queryText = *userMessage
	}

	newMemories := 0
	var surfacedIDs []string
	outcome, err := m.retriever.RetrieveForSession(ctx, sess, queryText)
	if err != nil {
		log.Printf("warning: memory retrieval failed for %s: %v\n", sess.ConversationID, err)
	} else {
		for _, entry := range outcome.Entries {
			added, isNew := sess.AddMemory(entry)
			if added {
				surfacedIDs = append(surfacedIDs, entry.ID)
			}
			if !isNew {
				continue
			}
			newMemories++
			if err := m.retriever.CountRetrieval(ctx, sess.ConversationID, sess.EntityID, entry.ID); err != nil {
				log.Printf("warning: failed to count retrieval of %s: %v\n", entry.ID, err)
			}
		}
		sort.Strings(surfacedIDs)
		metrics.MemoriesRetrievedTotal.Add(float64(newMemories))
	}

	trimmedMemoryIDs := sess.TrimMemoriesToLimit(m.budgets.MemoryTokens, m.counter.Count)
	trimmedContext := sess.TrimContextToLimit(m.budgets.ContextTokens, m.counter.Count, queryText)

	// evaluated against the pre-turn context; applied after the exchange
	// is appended
	consolidate := sess.ShouldConsolidate(m.counter.Count)

	messages := m.assembler.Build(ctx, sess, userMessage, images)

	model := sess.Model
	if req.Model != "" {
		model = req.Model
	}
	temperature := sess.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := sess.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	system := sess.SystemPrompt
	if req.SystemPrompt != nil {
		system = req.SystemPrompt
	}

	request := &ports.ChatRequest{
		Model:       model,
		System:      system,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if withTools {
		request.Tools = m.executor.Schemas()
	}

	return &preparedTurn{
		userMessage:      userMessage,
		images:           images,
		consolidate:      consolidate,
		newMemories:      newMemories,
		surfacedIDs:      surfacedIDs,
		trimmedMemoryIDs: trimmedMemoryIDs,
		trimmedContext:   trimmedContext,
		client:           m.providers.For(sess.Provider),
		request:          request,
	}, nil
}

// ProcessTurn runs one blocking turn: retrieval, assembly, a single model
// call, session mutation and persistence. Tools are only offered on the
// streaming path.
func (m *SessionManager) ProcessTurn(ctx context.Context, req *TurnRequest) (*ports.TurnResult, error) {
	if err := validateTurnRequest(req); err != nil {
		return nil, err
	}
	ms, release, err := m.acquire(ctx, req.ConversationID, req.RespondingEntityID)
	if err != nil {
		return nil, err
	}
	defer release()
	sess := ms.session
	started := time.Now()

	prep, err := m.prepareTurn(ctx, sess, req, false)
	if err != nil {
		return nil, err
	}

	resp, err := prep.client.Send(ctx, prep.request)
	if err != nil {
		return nil, err
	}

	sess.AddExchange(prep.userMessage, resp.Content)
	sess.UpdateCacheBreakpoint(prep.consolidate)

	metrics.TurnsTotal.WithLabelValues(resp.StopReason).Inc()
	metrics.TurnDuration.WithLabelValues(sess.Provider).Observe(time.Since(started).Seconds())
	metrics.CacheTokens.WithLabelValues("read").Add(float64(resp.Usage.CacheReadTokens))
	metrics.CacheTokens.WithLabelValues("write").Add(float64(resp.Usage.CacheWriteTokens))

	humanID, assistantID, err := m.persistTurn(ctx, sess, &turnPersist{
		human:           prep.userMessage,
		existingHumanID: req.existingHumanID,
		assistant:       resp.Content,
	})
	if err != nil {
		// in-memory state is now ahead of the database; drop the session
		// so the next turn rebuilds from the rows that actually exist
		m.Close(sess.ConversationID)
		return nil, err
	}

	return &ports.TurnResult{
		Content:                resp.Content,
		Model:                  resp.Model,
		Usage:                  resp.Usage,
		StopReason:             resp.StopReason,
		NewMemoriesRetrieved:   prep.newMemories,
		TotalMemoriesInContext: sess.InContextCount(),
		TrimmedMemoryIDs:       prep.trimmedMemoryIDs,
		TrimmedContextMessages: prep.trimmedContext,
		HumanMessageID:         humanID,
		AssistantMessageID:     assistantID,
	}, nil
}

func validateTurnRequest(req *TurnRequest) error {
	if req.ConversationID == "" {
		return domain.NewDomainError(domain.ErrInvalidInput, "conversation_id is required")
	}
	if req.Message != nil && *req.Message == "" {
		return domain.NewDomainError(domain.ErrEmptyContent, "message must not be empty")
	}
	return nil
}

// turnPersist is the write set of one completed turn.
type turnPersist struct {
	human           *string
	existingHumanID string
	assistant       string
	toolExchange    []models.ContextMessage
}

// persistTurn writes the exchange in one transaction (message rows plus
// the conversation touch), then feeds the new human and assistant rows
// into each relevant memory index. Index failures never roll back the
// transaction; the rows are the record, the index is a view.
func (m *SessionManager) persistTurn(ctx context.Context, sess *models.Session, p *turnPersist) (string, string, error) {
	now := m.now()
	seq := 0
	stamp := func() time.Time {
		t := now.Add(time.Duration(seq) * time.Microsecond)
		seq++
		return t
	}

	humanID := p.existingHumanID
	var rows []*models.Message

	if p.human != nil && p.existingHumanID == "" {
		humanID = m.idGen.GenerateMessageID()
		hm := models.NewHumanMessage(humanID, sess.ConversationID, *p.human)
		hm.CreatedAt = stamp()
		rows = append(rows, hm)
	}

	for _, cm := range p.toolExchange {
		role := models.MessageRoleToolUse
		if cm.Role == models.ChatRoleUser {
			role = models.MessageRoleToolResult
		}
		tm := models.NewMessage(m.idGen.GenerateMessageID(), sess.ConversationID, role, "")
		tm.Blocks = cm.Blocks
		tm.CreatedAt = stamp()
		rows = append(rows, tm)
	}

	assistantID := m.idGen.GenerateMessageID()
	am := models.NewAssistantMessage(assistantID, sess.ConversationID, p.assistant)
	am.CreatedAt = stamp()
	if sess.MultiEntity {
		am.SpeakerEntityID = sess.EntityID
	}
	rows = append(rows, am)

	err := m.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		for _, row := range rows {
			if err := m.messages.Create(ctx, row); err != nil {
				return err
			}
		}
		return m.conversations.Touch(ctx, sess.ConversationID, now)
	})
	if err != nil {
		return "", "", err
	}

	m.indexExchange(ctx, sess, rows)
	return humanID, assistantID, nil
}

const indexPreviewRunes = 200

// indexExchange upserts the plain human and assistant rows of a turn into
// the memory store. Multi-entity conversations feed every participant's
// index; participants other than the speaker see the reply under the
// speaker's display label, the speaker sees its own words unprefixed. Tool
// rows never become memories.
func (m *SessionManager) indexExchange(ctx context.Context, sess *models.Session, rows []*models.Message) {
	targets := m.indexTargets(sess)
	for _, row := range rows {
		if row.Role != models.MessageRoleHuman && row.Role != models.MessageRoleAssistant {
			continue
		}
		for _, entityID := range targets {
			text := row.Content
			if row.Role == models.MessageRoleAssistant && sess.MultiEntity && entityID != sess.EntityID {
				text = "[" + sess.RoleDisplay(models.MessageRoleAssistant) + "]: " + text
			}
			meta := ports.MemoryMetadata{
				ConversationID: row.ConversationID,
				CreatedAt:      row.CreatedAt,
				Role:           row.Role,
				ContentPreview: row.Preview(indexPreviewRunes),
				TimesRetrieved: 0,
			}
			if err := m.store.Upsert(ctx, entityID, row.ID, text, meta); err != nil {
				log.Printf("warning: memory index upsert failed for %s (entity %s): %v\n", row.ID, entityID, err)
				metrics.MemoryIndexFailures.Inc()
			}
		}
	}
}
