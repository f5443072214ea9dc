package domain

import "errors"

// Common domain errors
var (
	// Conversation errors
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationBusy     = errors.New("conversation has a turn in flight")
	ErrContinuationInvalid  = errors.New("continuation requires a multi-entity conversation")

	// Entity errors
	ErrEntityNotFound      = errors.New("entity not found")
	ErrEntityNotConfigured = errors.New("entity is not configured")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRole     = errors.New("invalid message role")

	// Memory errors
	ErrMemoryNotFound     = errors.New("memory not found")
	ErrMemorySearchFailed = errors.New("memory search failed")

	// LLM errors
	ErrLLMUnavailable    = errors.New("LLM service unavailable")
	ErrLLMRequestFailed  = errors.New("LLM request failed")
	ErrLLMStreamAborted  = errors.New("LLM stream aborted")
	ErrLLMContextTooLong = errors.New("context too long for LLM")

	// Validation errors
	ErrInvalidID    = errors.New("invalid ID format")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}
