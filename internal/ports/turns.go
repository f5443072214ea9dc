package ports

import "encoding/json"

// ToolUseRecord summarises one executed tool call within a turn.
type ToolUseRecord struct {
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   string          `json:"content"`
	IsError   bool            `json:"is_error"`
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Content                string          `json:"content"`
	Model                  string          `json:"model"`
	Usage                  TokenUsage      `json:"usage"`
	StopReason             string          `json:"stop_reason"`
	NewMemoriesRetrieved   int             `json:"new_memories_retrieved"`
	TotalMemoriesInContext int             `json:"total_memories_in_context"`
	TrimmedMemoryIDs       []string        `json:"trimmed_memory_ids,omitempty"`
	TrimmedContextMessages int             `json:"trimmed_context_messages"`
	ToolUses               []ToolUseRecord `json:"tool_uses,omitempty"`
	HumanMessageID         string          `json:"human_message_id,omitempty"`
	AssistantMessageID     string          `json:"assistant_message_id,omitempty"`
}

// StreamEventType names the events of a streamed turn. Within one turn the
// order is fixed: memories, start, token*, (tool_start tool_result)*, done,
// stored; error is terminal.
type StreamEventType string

const (
	StreamEventMemories   StreamEventType = "memories"
	StreamEventStart      StreamEventType = "start"
	StreamEventToken      StreamEventType = "token"
	StreamEventToolStart  StreamEventType = "tool_start"
	StreamEventToolResult StreamEventType = "tool_result"
	StreamEventDone       StreamEventType = "done"
	StreamEventStored     StreamEventType = "stored"
	StreamEventError      StreamEventType = "error"
)

// StreamEvent is the tagged union carried on a turn's event channel. The
// populated fields depend on Type.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	// memories
	NewMemories    int      `json:"new_memories,omitempty"`
	TotalInContext int      `json:"total_in_context,omitempty"`
	MemoryIDs      []string `json:"memory_ids,omitempty"`

	// start
	Model string `json:"model,omitempty"`

	// token
	Text string `json:"text,omitempty"`

	// tool_start / tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// done
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *TokenUsage     `json:"usage,omitempty"`
	ToolUses   []ToolUseRecord `json:"tool_uses,omitempty"`

	// stored
	HumanMessageID     string `json:"human_message_id,omitempty"`
	AssistantMessageID string `json:"assistant_message_id,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}
