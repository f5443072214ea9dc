package services

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// MemoryRetrievalService runs semantic retrieval against the per-entity
// vector store and ranks hits with the significance model. Store failures
// degrade to empty results; only the database of record is authoritative
// for retrieval counts.
type MemoryRetrievalService struct {
	store           ports.MemoryStore
	messages        ports.MessageRepository
	conversations   ports.ConversationRepository
	links           ports.MemoryLinkRepository
	txManager       ports.TransactionManager
	cfg             RankerConfig
	defaultEntityID string
	now             func() time.Time
}

func NewMemoryRetrievalService(
	store ports.MemoryStore,
	messages ports.MessageRepository,
	conversations ports.ConversationRepository,
	links ports.MemoryLinkRepository,
	txManager ports.TransactionManager,
	cfg RankerConfig,
	defaultEntityID string,
) *MemoryRetrievalService {
	return &MemoryRetrievalService{
		store:           store,
		messages:        messages,
		conversations:   conversations,
		links:           links,
		txManager:       txManager,
		cfg:             cfg,
		defaultEntityID: defaultEntityID,
		now:             time.Now,
	}
}

type scoredHit struct {
	candidate ports.MemoryCandidate
	source    models.MemorySource
}

// RetrieveForSession runs the automatic retrieval pipeline for one turn:
// queries derived from the current user message and the last assistant
// turn, union of hits, exclusion of the current and archived conversations
// and of memories already in context, then significance ranking with role
// balancing. Vector search failures surface as an empty outcome.
func (s *MemoryRetrievalService) RetrieveForSession(ctx context.Context, sess *models.Session, userMessage string) (*ports.RetrievalOutcome, error) {
	userQuery, assistantQuery := DeriveQueries(sess, userMessage)
	if userQuery == "" && assistantQuery == "" {
		return &ports.RetrievalOutcome{}, nil
	}

	filter := &ports.SearchFilter{ExcludeConversationID: sess.ConversationID}
	merged := make(map[string]*scoredHit)
	collect := func(query string, source models.MemorySource) {
		if query == "" {
			return
		}
		candidates, err := s.store.Search(ctx, sess.EntityID, query, perQueryK, filter)
		if err != nil {
			log.Printf("warning: memory search failed for conversation %s: %v\n", sess.ConversationID, err)
			return
		}
		for _, c := range candidates {
			if hit, ok := merged[c.ID]; ok {
				if c.Score > hit.candidate.Score {
					hit.candidate = c
				}
				if hit.source != source {
					hit.source = models.MemorySourceBoth
				}
				continue
			}
			merged[c.ID] = &scoredHit{candidate: c, source: source}
		}
	}
	collect(userQuery, models.MemorySourceUser)
	collect(assistantQuery, models.MemorySourceAssistant)
	if len(merged) == 0 {
		return &ports.RetrievalOutcome{}, nil
	}

	// Archived conversations are hidden unconditionally, so a failure here
	// fails the whole retrieval rather than leaking archived content.
	archivedIDs, err := s.conversations.ListArchivedIDs(ctx, sess.EntityID, s.defaultEntityID)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrMemorySearchFailed, "failed to resolve archived conversations")
	}
	archived := make(map[string]struct{}, len(archivedIDs))
	for _, id := range archivedIDs {
		archived[id] = struct{}{}
	}

	ids := make([]string, 0, len(merged))
	for id, hit := range merged {
		if _, ok := archived[hit.candidate.Metadata.ConversationID]; ok {
			continue
		}
		if sess.IsInContext(id) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return &ports.RetrievalOutcome{}, nil
	}
	sort.Strings(ids)

	pool, err := s.loadEntries(ctx, ids, func(id string) (float64, models.MemorySource) {
		hit := merged[id]
		return hit.candidate.Score, hit.source
	})
	if err != nil {
		return nil, err
	}
	RankCandidates(pool)

	topK := s.cfg.TopK
	if !sess.HasEverRetrieved() {
		topK = s.cfg.InitialTopK
	}
	selected := pool
	if len(selected) > topK {
		selected = selected[:topK]
	}
	selected = BalanceRoles(selected, pool)
	selected = ApplySimilarityFloor(selected, s.cfg.SimilarityThreshold)

	return &ports.RetrievalOutcome{Entries: selected}, nil
}

// QueryMemories is the deliberate retrieval behind the memory_query tool.
// It applies no exclusions: the model may re-surface memories already in
// context or from the current conversation. Every returned id is counted
// as a retrieval.
func (s *MemoryRetrievalService) QueryMemories(ctx context.Context, tc ports.ToolContext, query string, numResults int) ([]*models.MemoryEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "query cannot be empty")
	}
	if numResults < 1 {
		numResults = 1
	}
	if numResults > perQueryK {
		numResults = perQueryK
	}

	candidates, err := s.store.Search(ctx, tc.EntityID, query, numResults, nil)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrMemorySearchFailed, "memory search failed")
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	scores := make(map[string]float64, len(candidates))
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := scores[c.ID]; ok {
			continue
		}
		scores[c.ID] = c.Score
		ids = append(ids, c.ID)
	}

	pool, err := s.loadEntries(ctx, ids, func(id string) (float64, models.MemorySource) {
		return scores[id], models.MemorySourceAssistant
	})
	if err != nil {
		return nil, err
	}
	RankCandidates(pool)
	if len(pool) > numResults {
		pool = pool[:numResults]
	}

	for _, entry := range pool {
		if err := s.CountRetrieval(ctx, tc.ConversationID, tc.EntityID, entry.ID); err != nil {
			log.Printf("warning: failed to count retrieval of %s: %v\n", entry.ID, err)
		}
	}
	return pool, nil
}

// CountRetrieval records that a memory was surfaced: increments its
// retrieval count and writes the surfaced-memory link in one transaction,
// then best-effort syncs the count into the vector store metadata.
func (s *MemoryRetrievalService) CountRetrieval(ctx context.Context, conversationID, entityID, messageID string) error {
	at := s.now().UTC()
	var count int
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		n, err := s.messages.IncrementTimesRetrieved(txCtx, messageID, at)
		if err != nil {
			return err
		}
		count = n
		return s.links.Create(txCtx, &models.MemoryLink{
			ConversationID: conversationID,
			MessageID:      messageID,
			EntityID:       entityID,
			CreatedAt:      at,
		})
	})
	if err != nil {
		return domain.NewDomainError(err, "failed to record memory retrieval")
	}

	patch := ports.MetadataPatch{TimesRetrieved: &count, LastRetrievedAt: &at}
	if err := s.store.UpdateMetadata(ctx, entityID, messageID, patch); err != nil {
		log.Printf("warning: failed to sync retrieval metadata for %s: %v\n", messageID, err)
	}
	return nil
}

// loadEntries hydrates candidate ids from the database of record and
// scores them. Ids whose message row is gone are skipped: the vector store
// may lag behind deletions.
func (s *MemoryRetrievalService) loadEntries(ctx context.Context, ids []string, scoreOf func(id string) (float64, models.MemorySource)) ([]*models.MemoryEntry, error) {
	rows, err := s.messages.GetByIDs(ctx, ids)
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrMemorySearchFailed, "failed to load memory messages")
	}
	byID := make(map[string]*models.Message, len(rows))
	for _, msg := range rows {
		byID[msg.ID] = msg
	}

	now := s.now()
	entries := make([]*models.MemoryEntry, 0, len(ids))
	for _, id := range ids {
		msg, ok := byID[id]
		if !ok {
			log.Printf("warning: skipping memory %s with no message row\n", id)
			continue
		}
		similarity, source := scoreOf(id)
		significance := Significance(s.cfg, msg.TimesRetrieved, msg.CreatedAt, msg.LastRetrievedAt, now)
		entries = append(entries, &models.MemoryEntry{
			ID:                   msg.ID,
			SourceConversationID: msg.ConversationID,
			Role:                 msg.Role,
			Content:              msg.RenderedText(),
			CreatedAt:            msg.CreatedAt,
			TimesRetrieved:       msg.TimesRetrieved,
			Similarity:           similarity,
			Significance:         significance,
			CombinedScore:        CombineScore(similarity, significance),
			Source:               source,
		})
	}
	return entries, nil
}
