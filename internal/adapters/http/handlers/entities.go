package handlers

import (
	"net/http"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/config"
)

type EntitiesHandler struct {
	entities  []config.EntityConfig
	defaultID string
}

func NewEntitiesHandler(entities []config.EntityConfig, defaultID string) *EntitiesHandler {
	return &EntitiesHandler{entities: entities, defaultID: defaultID}
}

// List handles GET /api/v1/entities: the configured entity roster, so
// clients can offer an entity picker for multi-entity conversations.
func (h *EntitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := &dto.EntityListResponse{
		Entities: make([]*dto.EntityResponse, 0, len(h.entities)),
		Default:  h.defaultID,
	}
	for _, e := range h.entities {
		resp.Entities = append(resp.Entities, &dto.EntityResponse{
			ID:           e.ID,
			Label:        e.Label,
			Description:  e.Description,
			Provider:     e.Provider,
			DefaultModel: e.DefaultModel,
		})
	}
	respondJSON(w, resp, http.StatusOK)
}
