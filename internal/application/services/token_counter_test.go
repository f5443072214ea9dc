package services

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTokenCounter_Stable(t *testing.T) {
	c := NewTokenCounter()
	text := "The quick brown fox jumps over the lazy dog."

	first := c.Count(text)
	for i := 0; i < 10; i++ {
		if got := c.Count(text); got != first {
			t.Fatalf("count changed between calls: %d vs %d", got, first)
		}
	}
	if first <= 0 {
		t.Errorf("non-empty text should count positive, got %d", first)
	}
}

func TestTokenCounter_Empty(t *testing.T) {
	c := NewTokenCounter()
	if got := c.Count(""); got != 0 {
		t.Errorf("empty text should count 0, got %d", got)
	}
}

func TestTokenCounter_GrowsWithText(t *testing.T) {
	c := NewTokenCounter()
	short := c.Count("hello world")
	long := c.Count(strings.Repeat("hello world ", 100))
	if long <= short {
		t.Errorf("longer text should count more: short=%d long=%d", short, long)
	}
}

func TestTokenCounter_TTLExpiry(t *testing.T) {
	c := NewTokenCounter()
	current := time.Now()
	c.now = func() time.Time { return current }

	text := "some cached text"
	first := c.Count(text)

	// Advance past the TTL; the entry is recomputed, not served stale.
	current = current.Add(tokenCacheTTL + time.Minute)
	if got := c.Count(text); got != first {
		t.Errorf("recomputed count should equal the original, got %d vs %d", got, first)
	}
	if c.order.Len() != 1 {
		t.Errorf("expired entry should be replaced, cache holds %d", c.order.Len())
	}
}

func TestTokenCounter_EvictsAtCapacity(t *testing.T) {
	c := NewTokenCounter()
	for i := 0; i < tokenCacheCapacity+100; i++ {
		c.Count(fmt.Sprintf("unique text number %d", i))
	}
	if c.order.Len() > tokenCacheCapacity {
		t.Errorf("cache exceeded capacity: %d", c.order.Len())
	}
}
