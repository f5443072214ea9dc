package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// defaultMaxTokens is used when a request does not carry an output limit;
// the Messages API rejects requests without one.
const defaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK client the adapter
// uses. It is satisfied by *anthropic.MessageService so tests can pass a
// fake instead of a real client.
type MessagesClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
	NewStreaming(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropic.MessageStreamEventUnion]
}

// AnthropicClient speaks the Anthropic Messages API: structured content
// blocks, tool use, and ephemeral cache breakpoints on the stable prompt
// prefix.
type AnthropicClient struct {
	messages MessagesClient
}

// NewAnthropicClient creates a client for the Anthropic API. A non-empty
// baseURL overrides the default endpoint, for Anthropic-compatible
// gateways.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{messages: &client.Messages}
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error) {
	msg, err := c.messages.New(ctx, buildMessageParams(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	return translateMessage(msg), nil
}

// ChatStream sends a streaming request. Text deltas are relayed as they
// arrive; the final chunk carries the fully accumulated response.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *ports.ChatRequest) (<-chan StreamChunk, error) {
	stream := c.messages.NewStreaming(ctx, buildMessageParams(req))

	chunks := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var msg anthropic.Message
		for stream.Next() {
			event := stream.Current()
			if err := msg.Accumulate(event); err != nil {
				emit(ctx, chunks, StreamChunk{Err: fmt.Errorf("accumulate stream event: %w", err)})
				return
			}
			if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" {
				continue
			}
			if event.Delta.Text == "" {
				continue
			}
			if !emit(ctx, chunks, StreamChunk{Text: event.Delta.Text}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			emit(ctx, chunks, StreamChunk{Err: fmt.Errorf("anthropic stream failed: %w", err)})
			return
		}
		emit(ctx, chunks, StreamChunk{Done: true, Response: translateMessage(&msg)})
	}()

	return chunks, nil
}

// emit sends chunk unless ctx ends first; false means stop producing.
func emit(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func buildMessageParams(req *ports.ChatRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  promptMessageParams(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != nil && *req.System != "" {
		// The system prompt heads the stable prefix, so it always carries
		// a cache breakpoint of its own.
		params.System = []anthropic.TextBlockParam{{
			Text:         *req.System,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toolParams(req.Tools)
	}
	return params
}

func promptMessageParams(messages []ports.PromptMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := blockParams(msg.Blocks)
		if len(blocks) == 0 {
			continue
		}
		if msg.CacheControl {
			markCacheBreakpoint(blocks)
		}
		if msg.Role == models.ChatRoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func blockParams(blocks []models.ContentBlock) []anthropic.ContentBlockParamUnion {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case models.BlockTypeText:
			if b.Text == "" {
				continue
			}
			out = append(out, anthropic.NewTextBlock(b.Text))
		case models.BlockTypeToolUse:
			var input map[string]any
			if err := json.Unmarshal(b.Input, &input); err != nil || input == nil {
				input = map[string]any{}
			}
			out = append(out, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{
					ID:    b.ID,
					Name:  b.Name,
					Input: input,
				},
			})
		case models.BlockTypeToolResult:
			content := b.Content
			if content == "" {
				content = "[empty result]"
			}
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, content, b.IsError))
		case models.BlockTypeImage:
			out = append(out, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
		}
	}
	return out
}

// markCacheBreakpoint sets the ephemeral cache marker on the last block,
// closing the stable prefix for provider-side prompt caching.
func markCacheBreakpoint(blocks []anthropic.ContentBlockParamUnion) {
	last := &blocks[len(blocks)-1]
	switch {
	case last.OfText != nil:
		last.OfText.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case last.OfToolUse != nil:
		last.OfToolUse.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case last.OfToolResult != nil:
		last.OfToolResult.CacheControl = anthropic.NewCacheControlEphemeralParam()
	case last.OfImage != nil:
		last.OfImage.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
}

func toolParams(tools []ports.ToolSchema) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		u := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			ExtraFields: t.InputSchema,
		}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = anthropic.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func translateMessage(msg *anthropic.Message) *ports.ChatResponse {
	resp := &ports.ChatResponse{
		StopReason: string(msg.StopReason),
		Model:      string(msg.Model),
		Usage: ports.TokenUsage{
			InputTokens:      int(msg.Usage.InputTokens),
			OutputTokens:     int(msg.Usage.OutputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
			resp.Blocks = append(resp.Blocks, models.NewTextBlock(block.Text))
		case "tool_use":
			input, err := json.Marshal(block.Input)
			if err != nil || len(input) == 0 || string(input) == "null" {
				input = json.RawMessage(`{}`)
			}
			resp.Blocks = append(resp.Blocks, models.NewToolUseBlock(block.ID, block.Name, input))
		}
	}
	resp.Content = text.String()
	return resp
}
