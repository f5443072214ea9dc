package ports

import (
	"context"
	"encoding/json"
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
)

// MemoryMetadata is the payload stored alongside a vector-indexed message.
type MemoryMetadata struct {
	ConversationID string             `json:"conversation_id"`
	CreatedAt      time.Time          `json:"created_at"`
	Role           models.MessageRole `json:"role"`
	ContentPreview string             `json:"content_preview"`
	TimesRetrieved int                `json:"times_retrieved"`
}

// MetadataPatch is a partial metadata update; nil fields are left untouched.
type MetadataPatch struct {
	TimesRetrieved  *int       `json:"times_retrieved,omitempty"`
	LastRetrievedAt *time.Time `json:"last_retrieved_at,omitempty"`
}

// SearchFilter narrows a vector search.
type SearchFilter struct {
	ExcludeConversationID string
}

// MemoryCandidate is one raw vector-search hit.
type MemoryCandidate struct {
	ID       string
	Score    float64
	Metadata MemoryMetadata
}

// MemoryStore is the per-entity vector index. The store generates
// embeddings itself; the core never handles them. All operations may fail
// transiently and callers treat failures as soft.
type MemoryStore interface {
	// Upsert is idempotent on id.
	Upsert(ctx context.Context, entityID, id, text string, meta MemoryMetadata) error

	// Search returns up to k hits ordered by score descending.
	Search(ctx context.Context, entityID, query string, k int, filter *SearchFilter) ([]MemoryCandidate, error)

	// Delete is idempotent.
	Delete(ctx context.Context, entityID, id string) error

	UpdateMetadata(ctx context.Context, entityID, id string, patch MetadataPatch) error

	// ListIDs enumerates ids page by page; an empty next cursor ends the
	// enumeration. Used for orphan reconciliation.
	ListIDs(ctx context.Context, entityID, cursor string, limit int) ([]string, string, error)
}

// EmbeddingResult is one generated embedding.
type EmbeddingResult struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// EmbeddingService generates embeddings; consumed by the memory store, not
// by the core.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) (*EmbeddingResult, error)
	EmbedBatch(ctx context.Context, texts []string) ([]*EmbeddingResult, error)
	GetDimensions() int
}

// TokenCounter estimates token counts for budgeting. Stable within a
// process: the same input yields the same count.
type TokenCounter interface {
	Count(text string) int
}

// PromptMessage is one provider-neutral prompt message. CacheControl asks
// the provider to place its cache breakpoint on this message's last block.
type PromptMessage struct {
	Role         models.ChatRole       `json:"role"`
	Blocks       []models.ContentBlock `json:"blocks"`
	CacheControl bool                  `json:"cache_control,omitempty"`
}

// ToolSchema describes a tool offered to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatRequest is a provider-neutral model invocation.
type ChatRequest struct {
	Model       string
	System      *string
	Messages    []PromptMessage
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// TokenUsage mirrors provider-reported token accounting.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// ChatResponse is a completed model turn.
type ChatResponse struct {
	Content    string                `json:"content"`
	Blocks     []models.ContentBlock `json:"blocks"`
	StopReason string                `json:"stop_reason"`
	Model      string                `json:"model"`
	Usage      TokenUsage            `json:"usage"`
}

// ChatStreamChunk is one streaming increment. Text carries a token delta;
// the final chunk has Done set and carries the assembled response.
type ChatStreamChunk struct {
	Text     string
	Done     bool
	Response *ChatResponse
	Err      error
}

// LLMClient is the opaque provider client.
type LLMClient interface {
	Send(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	SendStream(ctx context.Context, req *ChatRequest) (<-chan ChatStreamChunk, error)
}

// ToolContext carries the identity a tool invocation acts under. It is
// passed explicitly; handlers never read ambient state.
type ToolContext struct {
	ConversationID string
	EntityID       string
}

// ToolResult is the outcome of one tool invocation. Failures are values,
// not errors: IsError lets the model react.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ToolExecutor is the registry of named tools.
type ToolExecutor interface {
	Execute(ctx context.Context, tc ToolContext, toolUseID, name string, input json.RawMessage) ToolResult
	Schemas() []ToolSchema
	Has(name string) bool
}

// NotesProvider supplies opaque notes blocks for prompt assembly.
type NotesProvider interface {
	EntityNotes(ctx context.Context, entityID string) (string, error)
	SharedNotes(ctx context.Context) (string, error)
}

// RetrievalOutcome is what automatic retrieval surfaced for one turn.
type RetrievalOutcome struct {
	Entries []*models.MemoryEntry
}

// MemoryRetriever runs semantic retrieval. RetrieveForSession applies the
// full exclusion and ranking pipeline; QueryMemories is the deliberate
// form exposed as a tool, which skips exclusions and counts every returned
// id as surfaced. CountRetrieval records the first surfacing of a message
// in a session: the database increment, the link row and the metadata sync.
type MemoryRetriever interface {
	RetrieveForSession(ctx context.Context, s *models.Session, userMessage string) (*RetrievalOutcome, error)
	QueryMemories(ctx context.Context, tc ToolContext, query string, numResults int) ([]*models.MemoryEntry, error)
	CountRetrieval(ctx context.Context, conversationID, entityID, messageID string) error
}
