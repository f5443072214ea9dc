package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/application/services"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/ports"
	"github.com/jackc/pgx/v5"
)

// TurnService is the slice of the session manager the turn endpoints
// consume.
type TurnService interface {
	ProcessTurn(ctx context.Context, req *services.TurnRequest) (*ports.TurnResult, error)
	ProcessTurnStream(ctx context.Context, req *services.TurnRequest) (<-chan ports.StreamEvent, error)
	RegenerateTurn(ctx context.Context, req *services.RegenerateRequest) (<-chan ports.StreamEvent, error)
}

type TurnsHandler struct {
	turns            TurnService
	conversationRepo ports.ConversationRepository
	messageRepo      ports.MessageRepository
	broadcaster      *WebSocketBroadcaster
}

func NewTurnsHandler(
	turns TurnService,
	conversationRepo ports.ConversationRepository,
	messageRepo ports.MessageRepository,
	broadcaster *WebSocketBroadcaster,
) *TurnsHandler {
	return &TurnsHandler{
		turns:            turns,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		broadcaster:      broadcaster,
	}
}

// Send handles POST /api/v1/send: one blocking turn, response once the
// exchange is persisted.
func (h *TurnsHandler) Send(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.SendTurnRequest](r, w)
	if !ok {
		return
	}
	if !h.requireConversation(w, r, req.ConversationID) {
		return
	}

	result, err := h.turns.ProcessTurn(r.Context(), toTurnRequest(req))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.broadcastStored(r.Context(), req.ConversationID, result.HumanMessageID, result.AssistantMessageID)
	respondJSON(w, result, http.StatusOK)
}

// Stream handles POST /api/v1/stream: the same request as Send, answered
// as Server-Sent Events (memories, start, token*, tool_start/tool_result
// pairs, done, stored; error is terminal).
func (h *TurnsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.SendTurnRequest](r, w)
	if !ok {
		return
	}
	if !h.requireConversation(w, r, req.ConversationID) {
		return
	}

	events, err := h.turns.ProcessTurnStream(r.Context(), toTurnRequest(req))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.streamSSE(w, r, req.ConversationID, events)
}

// Regenerate handles POST /api/v1/regenerate: re-answer the exchange
// anchored at a human or assistant message id, streaming like Stream.
func (h *TurnsHandler) Regenerate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.RegenerateTurnRequest](r, w)
	if !ok {
		return
	}
	if req.MessageID == "" {
		respondError(w, "invalid_request", "message_id is required", http.StatusBadRequest)
		return
	}
	if !h.requireConversation(w, r, req.ConversationID) {
		return
	}

	events, err := h.turns.RegenerateTurn(r.Context(), &services.RegenerateRequest{
		ConversationID:     req.ConversationID,
		MessageID:          req.MessageID,
		RespondingEntityID: req.RespondingEntityID,
		UserDisplayName:    req.UserDisplayName,
		Verbosity:          req.Verbosity,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	h.streamSSE(w, r, req.ConversationID, events)
}

// requireConversation resolves and gates the target conversation; it
// writes the error response itself when the turn must not proceed.
func (h *TurnsHandler) requireConversation(w http.ResponseWriter, r *http.Request, conversationID string) bool {
	if conversationID == "" {
		respondError(w, "invalid_request", "conversation_id is required", http.StatusBadRequest)
		return false
	}

	conv, err := h.conversationRepo.GetByID(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, domain.ErrConversationNotFound) {
			respondError(w, "not_found", "Conversation not found", http.StatusNotFound)
		} else {
			log.Printf("failed to load conversation %s: %v", conversationID, err)
			respondError(w, "internal_error", "Failed to retrieve conversation", http.StatusInternalServerError)
		}
		return false
	}

	return requireActiveConversation(conv, w)
}

func (h *TurnsHandler) streamSSE(w http.ResponseWriter, r *http.Request, conversationID string, events <-chan ports.StreamEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, "internal_error", "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable buffering for nginx
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if err := writeSSE(w, flusher, ev); err != nil {
			// Client went away; the request context cancels the turn.
			log.Printf("SSE write failed for conversation %s: %v", conversationID, err)
			return
		}
		if ev.Type == ports.StreamEventStored {
			h.broadcastStored(r.Context(), conversationID, ev.HumanMessageID, ev.AssistantMessageID)
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev ports.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// broadcastStored pushes freshly persisted rows to WebSocket sync
// subscribers. Best effort: a failed fetch only costs the live update,
// clients recover via backfill.
func (h *TurnsHandler) broadcastStored(ctx context.Context, conversationID string, messageIDs ...string) {
	if h.broadcaster == nil {
		return
	}

	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || h.broadcaster.SubscriberCount(conversationID) == 0 {
		return
	}

	rows, err := h.messageRepo.GetByIDs(context.WithoutCancel(ctx), ids)
	if err != nil {
		log.Printf("warning: failed to load stored messages for broadcast: %v", err)
		return
	}
	for _, row := range rows {
		h.broadcaster.BroadcastMessage(conversationID, (&dto.MessageResponse{}).FromModel(row))
	}
}

func toTurnRequest(req *dto.SendTurnRequest) *services.TurnRequest {
	turn := &services.TurnRequest{
		ConversationID:     req.ConversationID,
		Message:            req.Message,
		RespondingEntityID: req.RespondingEntityID,
		UserDisplayName:    req.UserDisplayName,
		Verbosity:          req.Verbosity,
		Model:              req.Model,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
		SystemPrompt:       req.SystemPrompt,
	}
	for _, a := range req.Attachments {
		turn.Attachments = append(turn.Attachments, services.Attachment{
			Filename:  a.Filename,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}
	return turn
}
