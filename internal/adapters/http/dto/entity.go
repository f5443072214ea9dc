package dto

// EntityResponse describes one configured entity. System prompts are
// deliberately not exposed.
type EntityResponse struct {
	ID           string `json:"id"`
	Label        string `json:"label"`
	Description  string `json:"description,omitempty"`
	Provider     string `json:"provider"`
	DefaultModel string `json:"default_model,omitempty"`
}

// EntityListResponse lists the configured entities
type EntityListResponse struct {
	Entities []*EntityResponse `json:"entities"`
	Default  string            `json:"default"`
}
