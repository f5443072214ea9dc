package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elowen-ai/elowen/internal/adapters/retry"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// chatMessage is a message in the OpenAI chat-completions wire format.
type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// chatCompletionChunk is one SSE delta from a streaming completion.
type chatCompletionChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAIClient speaks the OpenAI chat-completions wire format used by
// local inference servers (llama.cpp, vLLM) and compatible gateways.
// Cache markers are ignored: such servers reuse prompt prefixes
// implicitly.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	retryConfig retry.BackoffConfig
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		// No client-level timeout: streams outlive any fixed deadline and
		// the caller's context bounds each request.
		httpClient:  &http.Client{},
		retryConfig: retry.HTTPConfig(),
	}
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error) {
	body, err := json.Marshal(c.completionRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var respBody []byte

	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		resp, err := c.post(ctx, body)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("failed to read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(respBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	var response chatCompletionResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return translateCompletion(&response), nil
}

// ChatStream sends a streaming chat completion request. The initial
// connection is retried; the stream itself is not.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *ports.ChatRequest) (<-chan StreamChunk, error) {
	body, err := json.Marshal(c.completionRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var resp *http.Response

	err = retry.WithBackoffHTTP(ctx, c.retryConfig, func() (int, error) {
		resp, err = c.post(ctx, body)
		if err != nil {
			return 0, err
		}
		if resp.StatusCode != http.StatusOK {
			errBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				return resp.StatusCode, fmt.Errorf("API error: %s (failed to read body: %w)", resp.Status, readErr)
			}
			return resp.StatusCode, fmt.Errorf("API error: %s - %s", resp.Status, string(errBody))
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, streamBuffer)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		acc := &streamAccumulator{model: req.Model}
		reader := bufio.NewReader(resp.Body)

		for {
			select {
			case <-ctx.Done():
				chunks <- StreamChunk{Err: ctx.Err()}
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err != io.EOF {
					chunks <- StreamChunk{Err: err}
					return
				}
				chunks <- StreamChunk{Done: true, Response: acc.response()}
				return
			}

			lineStr := strings.TrimSpace(string(line))
			if !strings.HasPrefix(lineStr, "data: ") {
				continue
			}
			data := strings.TrimPrefix(lineStr, "data: ")
			if data == "[DONE]" {
				chunks <- StreamChunk{Done: true, Response: acc.response()}
				return
			}

			var chunk chatCompletionChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if text := acc.apply(&chunk); text != "" {
				select {
				case chunks <- StreamChunk{Text: text}:
				case <-ctx.Done():
					chunks <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
	}()

	return chunks, nil
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func (c *OpenAIClient) completionRequest(req *ports.ChatRequest, stream bool) chatCompletionRequest {
	out := chatCompletionRequest{
		Model:       req.Model,
		Messages:    completionMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if len(req.Tools) > 0 {
		out.Tools = completionTools(req.Tools)
		out.ToolChoice = "auto"
	}
	return out
}

// completionMessages flattens block-structured prompt messages into the
// completions shape: tool results become standalone "tool" role messages,
// tool uses ride as assistant tool_calls, image blocks are dropped (the
// local endpoints this client targets are text-only).
func completionMessages(req *ports.ChatRequest) []chatMessage {
	out := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != nil && *req.System != "" {
		out = append(out, chatMessage{Role: "system", Content: *req.System})
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == models.ChatRoleAssistant {
			role = "assistant"
		}

		var text []string
		var toolCalls []toolCall
		for _, b := range msg.Blocks {
			switch b.Type {
			case models.BlockTypeText:
				if b.Text != "" {
					text = append(text, b.Text)
				}
			case models.BlockTypeToolUse:
				toolCalls = append(toolCalls, toolCall{
					ID:   b.ID,
					Type: "function",
					Function: functionCall{
						Name:      b.Name,
						Arguments: string(rawArguments(string(b.Input))),
					},
				})
			case models.BlockTypeToolResult:
				out = append(out, chatMessage{
					Role:       "tool",
					ToolCallID: b.ToolUseID,
					Content:    b.Content,
				})
			}
		}

		if len(text) == 0 && len(toolCalls) == 0 {
			continue
		}
		out = append(out, chatMessage{
			Role:      role,
			Content:   strings.Join(text, "\n\n"),
			ToolCalls: toolCalls,
		})
	}
	return out
}

func completionTools(tools []ports.ToolSchema) []chatTool {
	out := make([]chatTool, len(tools))
	for i, t := range tools {
		out[i] = chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

func translateCompletion(resp *chatCompletionResponse) *ports.ChatResponse {
	choice := resp.Choices[0]

	reason := choice.FinishReason
	if reason == "" && len(choice.Message.ToolCalls) > 0 {
		reason = "tool_calls"
	}

	out := &ports.ChatResponse{
		Content:    choice.Message.Content,
		StopReason: normalizeFinishReason(reason),
		Model:      resp.Model,
		Usage: ports.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.Content != "" {
		out.Blocks = append(out.Blocks, models.NewTextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Blocks = append(out.Blocks, models.NewToolUseBlock(tc.ID, tc.Function.Name, rawArguments(tc.Function.Arguments)))
	}
	return out
}

// normalizeFinishReason maps completion finish reasons onto the stop
// reason vocabulary the session layer keys on.
func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop", "":
		return "end_turn"
	case "tool_calls", "function_call":
		return "tool_use"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// rawArguments returns the arguments as raw JSON, substituting an empty
// object when the accumulated string is not valid JSON.
func rawArguments(arguments string) json.RawMessage {
	if !json.Valid([]byte(arguments)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(arguments)
}

// streamAccumulator assembles the final response from streamed deltas.
// Tool-call arguments arrive fragmented across chunks; a new id closes the
// previous call.
type streamAccumulator struct {
	model        string
	text         strings.Builder
	toolCalls    []toolCall
	current      *toolCall
	finishReason string
	usage        ports.TokenUsage
}

func (a *streamAccumulator) apply(chunk *chatCompletionChunk) string {
	if chunk.Usage != nil {
		a.usage.InputTokens = chunk.Usage.PromptTokens
		a.usage.OutputTokens = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	choice := chunk.Choices[0]

	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		if tc.ID != "" {
			a.flushToolCall()
			a.current = &toolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: functionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			}
		} else if a.current != nil {
			a.current.Function.Arguments += tc.Function.Arguments
		}
	}

	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
		a.flushToolCall()
	}

	a.text.WriteString(choice.Delta.Content)
	return choice.Delta.Content
}

func (a *streamAccumulator) flushToolCall() {
	if a.current != nil {
		a.toolCalls = append(a.toolCalls, *a.current)
		a.current = nil
	}
}

func (a *streamAccumulator) response() *ports.ChatResponse {
	a.flushToolCall()

	reason := a.finishReason
	if reason == "" && len(a.toolCalls) > 0 {
		reason = "tool_calls"
	}

	out := &ports.ChatResponse{
		Content:    a.text.String(),
		StopReason: normalizeFinishReason(reason),
		Model:      a.model,
		Usage:      a.usage,
	}
	if out.Content != "" {
		out.Blocks = append(out.Blocks, models.NewTextBlock(out.Content))
	}
	for _, tc := range a.toolCalls {
		out.Blocks = append(out.Blocks, models.NewToolUseBlock(tc.ID, tc.Function.Name, rawArguments(tc.Function.Arguments)))
	}
	return out
}
