package services

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	tokenCacheCapacity = 4096
	tokenCacheTTL      = time.Hour
)

type tokenCacheEntry struct {
	hash     uint64
	count    int
	cachedAt time.Time
}

// TokenCounter estimates token counts for budgeting decisions. Estimates
// only need to be stable and roughly proportional to real tokenizer
// output; trimming and consolidation tolerate the error margin. Recent
// counts are cached by content hash with an LRU bound and a TTL.
type TokenCounter struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List
	now     func() time.Time
}

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Count returns a stable token estimate for text: the byte length over
// four, floored at the word count so terse, spacey text is not
// underestimated.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	h := fnv.New64a()
	h.Write([]byte(text))
	key := h.Sum64()

	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*tokenCacheEntry)
		if c.now().Sub(entry.cachedAt) < tokenCacheTTL {
			c.order.MoveToFront(el)
			count := entry.count
			c.mu.Unlock()
			return count
		}
		c.order.Remove(el)
		delete(c.entries, key)
	}
	c.mu.Unlock()

	count := estimateTokens(text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		c.entries[key] = c.order.PushFront(&tokenCacheEntry{hash: key, count: count, cachedAt: c.now()})
		for c.order.Len() > tokenCacheCapacity {
			oldest := c.order.Back()
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*tokenCacheEntry).hash)
		}
	}
	return count
}

func estimateTokens(text string) int {
	chars := len(text) / 4
	words := len(strings.Fields(text))
	if words > chars {
		return words
	}
	if chars == 0 {
		return 1
	}
	return chars
}
