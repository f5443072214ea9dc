package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/metrics"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// tokenEventRing bounds the event channel. Token events are dropped when
// the consumer falls behind; tool events, done and stored always wait for
// the consumer.
const tokenEventRing = 64

// ProcessTurnStream runs one streaming turn with the agentic tool loop.
// The returned channel carries events in a fixed order: memories, start,
// token deltas interleaved with tool_start/tool_result pairs, done, and
// stored after persistence; error is terminal. The channel closes when the
// turn finishes or the consumer's context ends.
func (m *SessionManager) ProcessTurnStream(ctx context.Context, req *TurnRequest) (<-chan ports.StreamEvent, error) {
	if err := validateTurnRequest(req); err != nil {
		return nil, err
	}
	ms, release, err := m.acquire(ctx, req.ConversationID, req.RespondingEntityID)
	if err != nil {
		return nil, err
	}
	return m.streamAcquired(ctx, ms, release, req)
}

// streamAcquired starts the turn goroutine on an already-locked session.
// Regeneration enters here after its row surgery, keeping the lock it took
// before mutating the record.
func (m *SessionManager) streamAcquired(ctx context.Context, ms *managedSession, release func(), req *TurnRequest) (<-chan ports.StreamEvent, error) {
	if req.Message == nil && !ms.session.MultiEntity {
		release()
		return nil, domain.NewDomainError(domain.ErrContinuationInvalid, "continuation without a message requires a multi-entity conversation")
	}

	events := make(chan ports.StreamEvent, tokenEventRing)
	go func() {
		defer close(events)
		defer release()
		m.runStreamTurn(ctx, ms.session, req, events)
	}()
	return events, nil
}

// streamEmitter delivers events to the consumer. Token deltas are lossy;
// everything else blocks until taken or the consumer is gone.
type streamEmitter struct {
	ctx    context.Context
	events chan<- ports.StreamEvent
}

func (e *streamEmitter) send(ev ports.StreamEvent) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *streamEmitter) sendToken(text string) {
	select {
	case e.events <- ports.StreamEvent{Type: ports.StreamEventToken, Text: text}:
	default:
	}
}

func (e *streamEmitter) sendError(err error) {
	e.send(ports.StreamEvent{Type: ports.StreamEventError, Error: err.Error()})
}

func (m *SessionManager) runStreamTurn(ctx context.Context, sess *models.Session, req *TurnRequest, events chan<- ports.StreamEvent) {
	em := &streamEmitter{ctx: ctx, events: events}
	started := time.Now()

	prep, err := m.prepareTurn(ctx, sess, req, true)
	if err != nil {
		em.sendError(err)
		return
	}

	em.send(ports.StreamEvent{
		Type:           ports.StreamEventMemories,
		NewMemories:    prep.newMemories,
		TotalInContext: sess.InContextCount(),
		MemoryIDs:      prep.surfacedIDs,
	})
	em.send(ports.StreamEvent{Type: ports.StreamEventStart, Model: prep.request.Model})

	outcome, err := m.runToolLoop(ctx, sess, prep, em)
	if err != nil {
		em.sendError(err)
		return
	}
	if outcome.canceled {
		// Consumer left mid-stream: no exchange is appended. Retrieval
		// counts recorded during preparation stand; those memories were
		// genuinely surfaced.
		return
	}

	sess.AppendUserTurn(prep.userMessage)
	sess.AppendContext(outcome.exchange...)
	sess.AppendAssistantTurn(outcome.finalText)
	sess.UpdateCacheBreakpoint(prep.consolidate)

	em.send(ports.StreamEvent{
		Type:       ports.StreamEventDone,
		Content:    outcome.finalText,
		StopReason: outcome.stopReason,
		Usage:      &outcome.usage,
		ToolUses:   outcome.toolUses,
	})

	metrics.TurnsTotal.WithLabelValues(outcome.stopReason).Inc()
	metrics.TurnDuration.WithLabelValues(sess.Provider).Observe(time.Since(started).Seconds())
	metrics.CacheTokens.WithLabelValues("read").Add(float64(outcome.usage.CacheReadTokens))
	metrics.CacheTokens.WithLabelValues("write").Add(float64(outcome.usage.CacheWriteTokens))

	// The exchange happened; a consumer that disconnects right here must
	// not abort the write.
	humanID, assistantID, err := m.persistTurn(context.WithoutCancel(ctx), sess, &turnPersist{
		human:           prep.userMessage,
		existingHumanID: req.existingHumanID,
		assistant:       outcome.finalText,
		toolExchange:    outcome.exchange,
	})
	if err != nil {
		m.Close(sess.ConversationID)
		em.sendError(err)
		return
	}

	em.send(ports.StreamEvent{
		Type:               ports.StreamEventStored,
		HumanMessageID:     humanID,
		AssistantMessageID: assistantID,
	})
}

// toolLoopOutcome is what the tool loop hands back for session mutation
// and persistence.
type toolLoopOutcome struct {
	finalText  string
	stopReason string
	usage      ports.TokenUsage
	toolUses   []ports.ToolUseRecord
	exchange   []models.ContextMessage
	canceled   bool
}

// runToolLoop drives the model-call / tool-execution cycle. Iteration 1
// uses the full prompt; later iterations rebuild from a base prompt without
// the memories block, splice the accumulated tool exchange on, and carry
// the cache marker on the latest tool-result message so consecutive
// iterations share a byte-stable prefix.
func (m *SessionManager) runToolLoop(ctx context.Context, sess *models.Session, prep *preparedTurn, em *streamEmitter) (*toolLoopOutcome, error) {
	maxIterations := m.budgets.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	tc := ports.ToolContext{ConversationID: sess.ConversationID, EntityID: sess.EntityID}
	outcome := &toolLoopOutcome{}

	working := prep.request.Messages
	var base []ports.PromptMessage
	var exchangePrompt []ports.PromptMessage
	var collected strings.Builder

	for iteration := 0; iteration < maxIterations; iteration++ {
		if iteration > 0 {
			if base == nil {
				// Built once: the notes blocks inside it must stay
				// byte-identical across iterations for the prefix to hold.
				base = m.assembler.BuildBase(ctx, sess, prep.userMessage, prep.images)
			}
			working = append(append([]ports.PromptMessage{}, base...), exchangePrompt...)
			moveCacheMarker(working)
		}

		request := *prep.request
		request.Messages = working

		chunks, err := prep.client.SendStream(ctx, &request)
		if err != nil {
			if ctx.Err() != nil {
				outcome.canceled = true
				return outcome, nil
			}
			return nil, err
		}

		var resp *ports.ChatResponse
		for chunk := range chunks {
			if chunk.Err != nil {
				if ctx.Err() != nil {
					outcome.canceled = true
					return outcome, nil
				}
				return nil, chunk.Err
			}
			if chunk.Text != "" {
				em.sendToken(chunk.Text)
			}
			if chunk.Done {
				resp = chunk.Response
			}
		}
		if resp == nil {
			if ctx.Err() != nil {
				outcome.canceled = true
				return outcome, nil
			}
			return nil, fmt.Errorf("stream ended without a final response")
		}

		outcome.usage.InputTokens += resp.Usage.InputTokens
		outcome.usage.OutputTokens += resp.Usage.OutputTokens
		outcome.usage.CacheReadTokens += resp.Usage.CacheReadTokens
		outcome.usage.CacheWriteTokens += resp.Usage.CacheWriteTokens

		if resp.Content != "" {
			if collected.Len() > 0 {
				collected.WriteString("\n")
			}
			collected.WriteString(resp.Content)
		}

		toolBlocks := toolUseBlocks(resp.Blocks)
		if resp.StopReason != "tool_use" || len(toolBlocks) == 0 {
			outcome.finalText = resp.Content
			outcome.stopReason = resp.StopReason
			return outcome, nil
		}

		resultBlocks := make([]models.ContentBlock, 0, len(toolBlocks))
		for _, tb := range toolBlocks {
			if ctx.Err() != nil {
				outcome.canceled = true
				return outcome, nil
			}
			em.send(ports.StreamEvent{
				Type:      ports.StreamEventToolStart,
				ToolUseID: tb.ID,
				ToolName:  tb.Name,
				ToolInput: tb.Input,
			})

			// Handlers run to completion even if the consumer leaves; they
			// may have side effects. Their own timeouts bound them.
			result := m.executor.Execute(context.WithoutCancel(ctx), tc, tb.ID, tb.Name, tb.Input)

			status := "ok"
			if result.IsError {
				status = "error"
			}
			metrics.ToolExecutionsTotal.WithLabelValues(tb.Name, status).Inc()

			outcome.toolUses = append(outcome.toolUses, ports.ToolUseRecord{
				ToolUseID: result.ToolUseID,
				Name:      tb.Name,
				Input:     tb.Input,
				Content:   result.Content,
				IsError:   result.IsError,
			})
			em.send(ports.StreamEvent{
				Type:      ports.StreamEventToolResult,
				ToolUseID: result.ToolUseID,
				ToolName:  tb.Name,
				Content:   result.Content,
				IsError:   result.IsError,
			})
			resultBlocks = append(resultBlocks, models.NewToolResultBlock(result.ToolUseID, result.Content, result.IsError))
		}
		if ctx.Err() != nil {
			outcome.canceled = true
			return outcome, nil
		}

		exchangePrompt = append(exchangePrompt,
			ports.PromptMessage{Role: models.ChatRoleAssistant, Blocks: resp.Blocks},
			ports.PromptMessage{Role: models.ChatRoleUser, Blocks: resultBlocks},
		)
		outcome.exchange = append(outcome.exchange,
			models.ContextMessage{Role: models.ChatRoleAssistant, Blocks: resp.Blocks},
			models.ContextMessage{Role: models.ChatRoleUser, Blocks: resultBlocks},
		)
	}

	outcome.finalText = collected.String()
	outcome.stopReason = "max_iterations"
	return outcome, nil
}

// moveCacheMarker puts the single cache breakpoint on the last message of
// the working set, the latest tool-result message, extending the stable
// prefix through the tool exchange.
func moveCacheMarker(messages []ports.PromptMessage) {
	for i := range messages {
		messages[i].CacheControl = false
	}
	if len(messages) > 0 {
		messages[len(messages)-1].CacheControl = true
	}
}

func toolUseBlocks(blocks []models.ContentBlock) []models.ContentBlock {
	var out []models.ContentBlock
	for _, b := range blocks {
		if b.Type == models.BlockTypeToolUse {
			out = append(out, b)
		}
	}
	return out
}
