package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/circuitbreaker"
	"github.com/elowen-ai/elowen/internal/ports"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.GetTracerProvider().Tracer("internal/llm")

const (
	// LLMTimeout is the maximum time to wait for a model invocation,
	// including the full body of a stream.
	LLMTimeout = 2 * time.Minute

	streamBuffer = 10
)

// StreamChunk is one increment from a provider stream. Text carries a
// token delta; the final chunk has Done set and the assembled response.
type StreamChunk struct {
	Text     string
	Done     bool
	Response *ports.ChatResponse
	Err      error
}

// Client is a single provider connection speaking the neutral request
// shape. Implementations: AnthropicClient (official SDK) and OpenAIClient
// (OpenAI-compatible local endpoints).
type Client interface {
	Chat(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error)
	ChatStream(ctx context.Context, req *ports.ChatRequest) (<-chan StreamChunk, error)
}

// Service implements ports.LLMClient around a provider client, adding the
// circuit breaker and request timeout every provider shares.
type Service struct {
	client  Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewService wraps a provider client.
func NewService(client Client) *Service {
	return &Service{
		client:  client,
		breaker: circuitbreaker.New(5, 30*time.Second), // 5 failures, 30s cooldown
	}
}

// Send sends a non-streaming chat request.
func (s *Service) Send(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error) {
	var result *ports.ChatResponse
	err := s.breaker.Execute(func() error {
		var err error
		result, err = s.doSend(ctx, req)
		return err
	})
	return result, err
}

func (s *Service) doSend(ctx context.Context, req *ports.ChatRequest) (*ports.ChatResponse, error) {
	// Bound the request so a hung provider cannot stall the turn forever.
	ctx, cancel := context.WithTimeout(ctx, LLMTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "llm.chat", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.max_tokens", req.MaxTokens),
		attribute.Int("llm.request.tools", len(req.Tools)),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)

	resp, err := s.client.Chat(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("chat request failed: %w", err)
	}

	span.SetAttributes(
		attribute.String("llm.response.stop_reason", resp.StopReason),
		attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.usage.cache_read_tokens", resp.Usage.CacheReadTokens),
	)
	return resp, nil
}

// SendStream sends a streaming chat request. The timeout spans the whole
// stream; cancel runs when the forwarding goroutine exits, not when this
// function returns.
func (s *Service) SendStream(parentCtx context.Context, req *ports.ChatRequest) (<-chan ports.ChatStreamChunk, error) {
	ctx, cancel := context.WithTimeout(parentCtx, LLMTimeout)

	ctx, span := tracer.Start(ctx, "llm.chat_stream", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.request.max_tokens", req.MaxTokens),
		attribute.Int("llm.request.tools", len(req.Tools)),
		attribute.Int("llm.request.messages", len(req.Messages)),
	)

	clientChan, err := s.client.ChatStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}

	outputChan := make(chan ports.ChatStreamChunk, streamBuffer)
	go func() {
		defer cancel()
		defer span.End()
		s.forwardStreamChunks(ctx, clientChan, outputChan)
	}()

	return outputChan, nil
}

// forwardStreamChunks relays provider chunks to the caller until the
// stream ends or the context is cancelled.
func (s *Service) forwardStreamChunks(ctx context.Context, clientChan <-chan StreamChunk, outputChan chan<- ports.ChatStreamChunk) {
	defer close(outputChan)

	for {
		select {
		case <-ctx.Done():
			// best effort: a reader that already left never sees this
			select {
			case outputChan <- ports.ChatStreamChunk{Err: ctx.Err()}:
			default:
			}
			return
		case chunk, ok := <-clientChan:
			if !ok {
				return
			}
			out := ports.ChatStreamChunk{
				Text:     chunk.Text,
				Done:     chunk.Done,
				Response: chunk.Response,
				Err:      chunk.Err,
			}
			select {
			case outputChan <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Providers resolves the ports.LLMClient for a configured provider name.
// Entities carry a provider field; unknown names fall back to the default.
type Providers struct {
	clients map[string]ports.LLMClient
	def     string
}

func NewProviders(defaultProvider string) *Providers {
	return &Providers{
		clients: make(map[string]ports.LLMClient),
		def:     defaultProvider,
	}
}

func (p *Providers) Register(name string, client ports.LLMClient) {
	p.clients[name] = client
}

// For returns the client registered under name, falling back to the
// default provider. Nil when neither is registered.
func (p *Providers) For(name string) ports.LLMClient {
	if c, ok := p.clients[name]; ok {
		return c
	}
	return p.clients[p.def]
}

// Default returns the default provider's name.
func (p *Providers) Default() string {
	return p.def
}
