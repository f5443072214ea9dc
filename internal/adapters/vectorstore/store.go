// Package vectorstore implements the per-entity memory store over the
// pgvector index and the embedding client. Embeddings never leave this
// package; the core hands over text and gets scored candidates back.
package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/postgres"
	"github.com/elowen-ai/elowen/internal/ports"
)

const (
	searchTimeout  = 10 * time.Second
	searchCacheTTL = 60 * time.Second
)

// Index is the vector-side persistence consumed by the store. Satisfied by
// *postgres.MemoryIndexRepository.
type Index interface {
	Upsert(ctx context.Context, entityID, messageID string, embedding []float32, metadata []byte) error
	Search(ctx context.Context, entityID string, embedding []float32, k int, excludeConversationID string) ([]postgres.IndexHit, error)
	Delete(ctx context.Context, entityID, messageID string) error
	MergeMetadata(ctx context.Context, entityID, messageID string, patch []byte) error
	ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error)
}

// Store implements ports.MemoryStore.
type Store struct {
	index     Index
	embedding ports.EmbeddingService

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	candidates []ports.MemoryCandidate
	expires    time.Time
}

func New(index Index, embedding ports.EmbeddingService) *Store {
	return &Store{
		index:     index,
		embedding: embedding,
		cache:     make(map[string]cacheEntry),
		now:       time.Now,
	}
}

func (s *Store) Upsert(ctx context.Context, entityID, id, text string, meta ports.MemoryMetadata) error {
	result, err := s.embedding.Embed(ctx, text)
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	return s.index.Upsert(ctx, entityID, id, result.Embedding, metadata)
}

// Search embeds the query and runs the similarity scan under a bounded
// timeout. A timed-out search counts as zero candidates: retrieval degrades,
// the turn proceeds. Results are cached briefly per (entity, query, k,
// filter) so the paired user/assistant queries of consecutive turns do not
// hammer the index.
func (s *Store) Search(ctx context.Context, entityID, query string, k int, filter *ports.SearchFilter) ([]ports.MemoryCandidate, error) {
	key := cacheKey(entityID, query, k, filter)
	if candidates, ok := s.cached(key); ok {
		return candidates, nil
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	result, err := s.embedding.Embed(ctx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("warning: memory search timed out embedding query for entity %s\n", entityID)
			return []ports.MemoryCandidate{}, nil
		}
		return nil, err
	}

	exclude := ""
	if filter != nil {
		exclude = filter.ExcludeConversationID
	}

	hits, err := s.index.Search(ctx, entityID, result.Embedding, k, exclude)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("warning: memory search timed out for entity %s\n", entityID)
			return []ports.MemoryCandidate{}, nil
		}
		return nil, err
	}

	candidates := make([]ports.MemoryCandidate, 0, len(hits))
	for _, h := range hits {
		c := ports.MemoryCandidate{ID: h.MessageID, Score: h.Score}
		if len(h.Metadata) > 0 {
			if err := json.Unmarshal(h.Metadata, &c.Metadata); err != nil {
				log.Printf("warning: malformed memory metadata for %s: %v\n", h.MessageID, err)
			}
		}
		candidates = append(candidates, c)
	}

	s.store(key, candidates)
	return candidates, nil
}

func (s *Store) Delete(ctx context.Context, entityID, id string) error {
	return s.index.Delete(ctx, entityID, id)
}

func (s *Store) UpdateMetadata(ctx context.Context, entityID, id string, patch ports.MetadataPatch) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	return s.index.MergeMetadata(ctx, entityID, id, data)
}

func (s *Store) ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error) {
	return s.index.ListIDs(ctx, entityID, cursor, limit)
}

func (s *Store) cached(key string) ([]ports.MemoryCandidate, bool) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if s.now().After(entry.expires) {
		s.mu.Lock()
		delete(s.cache, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.candidates, true
}

func (s *Store) store(key string, candidates []ports.MemoryCandidate) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, entry := range s.cache {
		if now.After(entry.expires) {
			delete(s.cache, k)
		}
	}
	s.cache[key] = cacheEntry{candidates: candidates, expires: now.Add(searchCacheTTL)}
}

// cacheKey normalises the query (case and whitespace) so trivially restated
// queries share an entry.
func cacheKey(entityID, query string, k int, filter *ports.SearchFilter) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	filterKey := ""
	if filter != nil {
		filterKey = filter.ExcludeConversationID
	}
	return entityID + "\x00" + normalized + "\x00" + strconv.Itoa(k) + "\x00" + filterKey
}
