package dto

// AttachmentPayload carries one uploaded file. Data is base64 in JSON.
type AttachmentPayload struct {
	Filename  string `json:"filename"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"data"`
}

// SendTurnRequest is the body of POST /send and POST /stream. A null
// message is a continuation turn and is only valid in multi-entity
// conversations.
type SendTurnRequest struct {
	ConversationID     string              `json:"conversation_id"`
	Message            *string             `json:"message"`
	RespondingEntityID string              `json:"responding_entity_id,omitempty"`
	UserDisplayName    string              `json:"user_display_name,omitempty"`
	Verbosity          string              `json:"verbosity,omitempty"`
	Model              string              `json:"model,omitempty"`
	Temperature        *float64            `json:"temperature,omitempty"`
	MaxTokens          *int                `json:"max_tokens,omitempty"`
	SystemPrompt       *string             `json:"system_prompt,omitempty"`
	Attachments        []AttachmentPayload `json:"attachments,omitempty"`
}

// RegenerateTurnRequest is the body of POST /regenerate. MessageID names
// either the assistant reply to redo or the human turn to re-answer.
type RegenerateTurnRequest struct {
	ConversationID     string `json:"conversation_id"`
	MessageID          string `json:"message_id"`
	RespondingEntityID string `json:"responding_entity_id,omitempty"`
	UserDisplayName    string `json:"user_display_name,omitempty"`
	Verbosity          string `json:"verbosity,omitempty"`
}
