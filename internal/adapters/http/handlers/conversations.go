package handlers

import (
	"net/http"
	"strings"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/application/services"
	"github.com/elowen-ai/elowen/internal/domain/models"
)

type ConversationsHandler struct {
	conversations *services.ConversationService
}

func NewConversationsHandler(conversations *services.ConversationService) *ConversationsHandler {
	return &ConversationsHandler{conversations: conversations}
}

func (h *ConversationsHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[dto.CreateConversationRequest](r, w)
	if !ok {
		return
	}

	conv, err := h.conversations.Create(r.Context(), services.CreateConversationParams{
		Title:          strings.TrimSpace(req.Title),
		EntityID:       req.EntityID,
		Type:           models.ConversationType(req.Type),
		ParticipantIDs: req.ParticipantIDs,
		SystemPrompt:   req.SystemPrompt,
		SystemPrompts:  req.SystemPrompts,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := (&dto.ConversationResponse{}).FromModel(conv)
	resp.Participants = req.ParticipantIDs
	respondJSON(w, resp, http.StatusCreated)
}

func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	convs, err := h.conversations.List(r.Context(), includeArchived, limit, offset)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, &dto.ConversationListResponse{
		Conversations: dto.FromConversationModelList(convs),
		Total:         len(convs),
		Limit:         limit,
		Offset:        offset,
	}, http.StatusOK)
}

func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	conv, err := h.conversations.GetByID(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resp := (&dto.ConversationResponse{}).FromModel(conv)
	if conv.IsMultiEntity() {
		participants, err := h.conversations.Participants(r.Context(), conv)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		resp.Participants = participants
	}
	respondJSON(w, resp, http.StatusOK)
}

// Messages handles GET /api/v1/conversations/{id}/messages, returning
// the full persisted transcript including tool rows.
func (h *ConversationsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	msgs, err := h.conversations.Messages(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, &dto.MessageListResponse{
		Messages: dto.FromMessageModelList(msgs),
		Total:    len(msgs),
	}, http.StatusOK)
}

func (h *ConversationsHandler) Archive(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	conv, err := h.conversations.Archive(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, (&dto.ConversationResponse{}).FromModel(conv), http.StatusOK)
}

func (h *ConversationsHandler) Unarchive(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	conv, err := h.conversations.Unarchive(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, (&dto.ConversationResponse{}).FromModel(conv), http.StatusOK)
}

// Delete handles DELETE /api/v1/conversations/{id}. Only archived
// conversations can be deleted.
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	if err := h.conversations.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
