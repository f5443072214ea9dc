package models

import (
	"sort"
	"strings"
	"time"
)

// ChatRole is the API-level role of a context message. Tool exchanges ride
// on these two roles as structured blocks.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ContextMessage is one entry of a session's rolling context. Content
// carries plain text; Blocks carries structured content for tool exchanges
// and image turns. When Blocks is set, Content is empty.
type ContextMessage struct {
	Role    ChatRole       `json:"role"`
	Content string         `json:"content,omitempty"`
	Blocks  []ContentBlock `json:"blocks,omitempty"`
}

// RenderedText flattens the message for token counting.
func (m ContextMessage) RenderedText() string {
	if m.Content != "" || len(m.Blocks) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		if t := b.RenderedText(); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func (m ContextMessage) carriesToolResult() bool {
	for _, b := range m.Blocks {
		if b.Type == BlockTypeToolResult {
			return true
		}
	}
	return false
}

const (
	// minCachedPrefixTokens is the size below which a cached prefix is not
	// worth holding; consolidation folds it forward.
	minCachedPrefixTokens = 1024
	// consolidateTailTokens is the uncached-tail size that triggers
	// consolidation on the next turn.
	consolidateTailTokens = 2048
)

// Session is the per-conversation in-memory record: rolling context,
// retrieved-memory bookkeeping, the cache-breakpoint index, and tuning
// parameters. A session is confined to one turn at a time; the manager
// serialises access.
type Session struct {
	ConversationID string
	EntityID       string
	Provider       string
	Model          string
	Temperature    float64
	MaxTokens      int

	// SystemPrompt is nil when no prompt is configured; an empty string is
	// a valid per-entity override.
	SystemPrompt *string

	// RollingContext alternates user/assistant at the API level, with tool
	// exchanges spliced in as structured blocks.
	RollingContext []ContextMessage

	// LastCachedContextLength is the number of leading RollingContext
	// messages forming the stable cached prefix. Always within
	// [0, len(RollingContext)].
	LastCachedContextLength int

	MultiEntity           bool
	EntityLabels          map[string]string
	RespondingEntityLabel string

	UserDisplayName       string
	Verbosity             string
	ConversationStartDate *time.Time

	memories     map[string]*MemoryEntry
	memoryOrder  []string
	retrievedIDs map[string]struct{}
	inContextIDs map[string]struct{}
}

func NewSession(conversationID, entityID, model string) *Session {
	return &Session{
		ConversationID: conversationID,
		EntityID:       entityID,
		Model:          model,
		memories:       make(map[string]*MemoryEntry),
		retrievedIDs:   make(map[string]struct{}),
		inContextIDs:   make(map[string]struct{}),
	}
}

// AddMemory registers a retrieved memory. The second result reports whether
// this is the first time the session has seen the id: a memory that was
// trimmed and re-surfaced is restored without counting as a new retrieval,
// so database retrieval counts are bumped at most once per session per id.
func (s *Session) AddMemory(entry *MemoryEntry) (added bool, isNewRetrieval bool) {
	if _, ok := s.inContextIDs[entry.ID]; ok {
		return false, false
	}
	if _, ok := s.retrievedIDs[entry.ID]; ok {
		s.memories[entry.ID] = entry
		s.inContextIDs[entry.ID] = struct{}{}
		return true, false
	}
	s.memories[entry.ID] = entry
	s.memoryOrder = append(s.memoryOrder, entry.ID)
	s.retrievedIDs[entry.ID] = struct{}{}
	s.inContextIDs[entry.ID] = struct{}{}
	return true, true
}

func (s *Session) MemoryCount() int    { return len(s.memories) }
func (s *Session) RetrievedCount() int { return len(s.retrievedIDs) }
func (s *Session) InContextCount() int { return len(s.inContextIDs) }

func (s *Session) HasEverRetrieved() bool { return len(s.retrievedIDs) > 0 }

func (s *Session) HasRetrieved(id string) bool {
	_, ok := s.retrievedIDs[id]
	return ok
}

func (s *Session) IsInContext(id string) bool {
	_, ok := s.inContextIDs[id]
	return ok
}

func (s *Session) MemoryByID(id string) (*MemoryEntry, bool) {
	e, ok := s.memories[id]
	return e, ok
}

// InContextMemories returns the memories currently in context, sorted by id
// so the rendered block is deterministic regardless of retrieval order.
func (s *Session) InContextMemories() []*MemoryEntry {
	out := make([]*MemoryEntry, 0, len(s.inContextIDs))
	for id := range s.inContextIDs {
		if e, ok := s.memories[id]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoleDisplay maps a stored role to the label used inside rendered text.
func (s *Session) RoleDisplay(role MessageRole) string {
	if role == MessageRoleHuman {
		if s.UserDisplayName != "" {
			return s.UserDisplayName
		}
		return "user"
	}
	if s.RespondingEntityLabel != "" {
		return s.RespondingEntityLabel
	}
	return "assistant"
}

// FormatMemory renders one memory entry for the memories block.
func (s *Session) FormatMemory(e *MemoryEntry) string {
	return "Memory from " + s.RoleDisplay(e.Role) +
		" (from " + e.CreatedAt.UTC().Format(time.RFC3339) + "):\n\"" + e.Content + "\""
}

// RenderMemoriesBlock renders the full memories block, or "" when nothing
// is in context.
func (s *Session) RenderMemoriesBlock() string {
	entries := s.InContextMemories()
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[MEMORIES FROM PREVIOUS CONVERSATIONS]\n")
	for _, e := range entries {
		b.WriteString(s.FormatMemory(e))
		b.WriteString("\n\n")
	}
	b.WriteString("[/MEMORIES]")
	return b.String()
}

// AddExchange appends a completed turn. human is nil on multi-entity
// continuations. In multi-entity mode both sides are prefixed with speaker
// labels so the model sees a conversation among many.
func (s *Session) AddExchange(human *string, assistant string) {
	s.AppendUserTurn(human)
	s.AppendAssistantTurn(assistant)
}

// AppendUserTurn appends only the human side of a turn; a nil message is a
// continuation and appends nothing. Turns that end with a tool exchange use
// this together with AppendContext and AppendAssistantTurn.
func (s *Session) AppendUserTurn(human *string) {
	if human == nil {
		return
	}
	content := *human
	if s.MultiEntity {
		content = "[Human]: " + content
	}
	s.RollingContext = append(s.RollingContext, ContextMessage{Role: ChatRoleUser, Content: content})
}

// AppendAssistantTurn appends only the assistant side of a turn.
func (s *Session) AppendAssistantTurn(assistant string) {
	if s.MultiEntity {
		assistant = "[" + s.RoleDisplay(MessageRoleAssistant) + "]: " + assistant
	}
	s.RollingContext = append(s.RollingContext, ContextMessage{Role: ChatRoleAssistant, Content: assistant})
}

// AppendContext appends pre-built context messages, used when a turn ends
// with a structured tool exchange.
func (s *Session) AppendContext(msgs ...ContextMessage) {
	s.RollingContext = append(s.RollingContext, msgs...)
}

// TrimMemoriesToLimit drops the oldest-retrieved in-context memories until
// the rendered block fits within maxTokens. Removed ids stay in the
// retrieved set and the snapshot map, so a later re-surfacing restores them
// without recounting.
func (s *Session) TrimMemoriesToLimit(maxTokens int, count func(string) int) []string {
	var removed []string
	for s.InContextCount() > 0 && count(s.RenderMemoriesBlock()) > maxTokens {
		oldest := ""
		for _, id := range s.memoryOrder {
			if _, ok := s.inContextIDs[id]; ok {
				oldest = id
				break
			}
		}
		if oldest == "" {
			break
		}
		delete(s.inContextIDs, oldest)
		removed = append(removed, oldest)
	}
	return removed
}

// TrimContextToLimit drops whole exchanges from the front of the rolling
// context until the rendered context plus the pending user message fits
// within maxTokens. Returns the number of messages removed. The cached
// prefix length shrinks with the removed messages.
func (s *Session) TrimContextToLimit(maxTokens int, count func(string) int, pending string) int {
	removed := 0
	for len(s.RollingContext) > 0 && s.contextTokens(count)+count(pending) > maxTokens {
		n := s.firstExchangeLen()
		s.RollingContext = s.RollingContext[n:]
		removed += n
		if s.LastCachedContextLength > 0 {
			s.LastCachedContextLength -= n
			if s.LastCachedContextLength < 0 {
				s.LastCachedContextLength = 0
			}
		}
	}
	return removed
}

func (s *Session) contextTokens(count func(string) int) int {
	total := 0
	for _, m := range s.RollingContext {
		total += count(m.RenderedText())
	}
	return total
}

// firstExchangeLen returns the length of the leading exchange: everything
// up to the next plain user turn. Tool-result messages belong to the
// exchange that produced them.
func (s *Session) firstExchangeLen() int {
	for i := 1; i < len(s.RollingContext); i++ {
		m := s.RollingContext[i]
		if m.Role == ChatRoleUser && !m.carriesToolResult() {
			return i
		}
	}
	return len(s.RollingContext)
}

// RenderContextRange flattens a half-open message range for token counting.
func (s *Session) RenderContextRange(from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(s.RollingContext) {
		to = len(s.RollingContext)
	}
	if from >= to {
		return ""
	}
	parts := make([]string, 0, to-from)
	for _, m := range s.RollingContext[from:to] {
		parts = append(parts, m.RenderedText())
	}
	return strings.Join(parts, "\n")
}

// ShouldConsolidate reports whether the cache breakpoint should advance
// after this turn: the cached prefix is too small to be worth caching, or
// the uncached tail has grown past the consolidation threshold.
func (s *Session) ShouldConsolidate(count func(string) int) bool {
	if s.LastCachedContextLength == 0 {
		return false
	}
	cached := count(s.RenderContextRange(0, s.LastCachedContextLength))
	if cached < minCachedPrefixTokens {
		return true
	}
	tail := count(s.RenderContextRange(s.LastCachedContextLength, len(s.RollingContext)))
	return tail >= consolidateTailTokens
}

// UpdateCacheBreakpoint applies the post-turn breakpoint policy: bootstrap
// the first cache to cover everything, consolidate by advancing to all but
// the just-appended exchange, otherwise hold.
func (s *Session) UpdateCacheBreakpoint(consolidate bool) {
	if s.LastCachedContextLength == 0 {
		if len(s.RollingContext) > 0 {
			s.LastCachedContextLength = len(s.RollingContext)
		}
		return
	}
	if consolidate {
		n := len(s.RollingContext) - 2
		if n < 0 {
			n = 0
		}
		s.LastCachedContextLength = n
	}
}

// TruncateContextAt drops every message from index i on, used by
// regeneration to rewind to the user turn being re-answered. Memory
// bookkeeping is untouched: memories surfaced by the discarded turn were
// genuinely surfaced.
func (s *Session) TruncateContextAt(i int) {
	if i < 0 {
		i = 0
	}
	if i >= len(s.RollingContext) {
		return
	}
	s.RollingContext = s.RollingContext[:i]
	if s.LastCachedContextLength > len(s.RollingContext) {
		s.LastCachedContextLength = len(s.RollingContext)
	}
}
