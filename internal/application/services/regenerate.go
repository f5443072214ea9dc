package services

import (
	"context"
	"log"
	"sort"

	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// RegenerateRequest asks for a fresh assistant reply. MessageID names either
// the assistant message to redo or the human message whose reply should be
// redone. Rows after the anchored user turn are discarded, so regenerating
// an old exchange rewinds the conversation to that point.
type RegenerateRequest struct {
	ConversationID     string
	MessageID          string
	RespondingEntityID string
	UserDisplayName    string
	Verbosity          string
}

// RegenerateTurn deletes the prior reply from the database of record and
// from every affected entity index, rewinds the conversation to the user
// turn being re-answered, and re-runs the turn as a streaming exchange.
// When MessageID names a continuation reply (no preceding human turn), the
// re-run is a continuation too. The turn lock is taken before the row
// surgery and held through the re-run, so an in-flight turn makes
// regeneration fail fast instead of racing it.
func (m *SessionManager) RegenerateTurn(ctx context.Context, req *RegenerateRequest) (<-chan ports.StreamEvent, error) {
	if req.ConversationID == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "conversation_id is required")
	}
	if req.MessageID == "" {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "message_id is required")
	}

	conv, err := m.conversations.GetByID(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	ms, release, err := m.lockConversation(req.ConversationID)
	if err != nil {
		return nil, err
	}

	rows, err := m.messages.ListByConversation(ctx, req.ConversationID)
	if err != nil {
		release()
		return nil, err
	}
	idx := indexOfMessage(rows, req.MessageID)
	if idx < 0 {
		release()
		return nil, domain.NewDomainError(domain.ErrMessageNotFound, "message "+req.MessageID+" not found in conversation")
	}
	target := rows[idx]
	anchor, humanRow, err := resolveRegenerationAnchor(rows, idx)
	if err != nil {
		release()
		return nil, err
	}

	// A redo of a specific reply defaults to the entity that spoke it.
	respondingEntityID := req.RespondingEntityID
	if respondingEntityID == "" && target.Role == models.MessageRoleAssistant {
		respondingEntityID = target.SpeakerEntityID
	}

	doomed := rows[anchor:]
	if len(doomed) > 0 {
		err := m.txManager.WithTransaction(ctx, func(ctx context.Context) error {
			for _, row := range doomed {
				if err := m.messages.Delete(ctx, row.ID); err != nil {
					return err
				}
			}
			return m.conversations.Touch(ctx, req.ConversationID, m.now())
		})
		if err != nil {
			release()
			return nil, err
		}
		// The rows are gone; finish the index cleanup even if the caller
		// disconnects. Leftover vectors are orphans that retrieval skips and
		// the reconcile sweep removes, so failures here only log.
		m.unindexMessages(context.WithoutCancel(ctx), conv, doomed)
	}

	// Rebuild from the surviving rows; the pre-surgery session is stale.
	sess, err := m.LoadFromDB(ctx, req.ConversationID, respondingEntityID, nil)
	if err != nil {
		ms.session = nil
		release()
		return nil, err
	}
	ms.session = sess

	turnReq := &TurnRequest{
		ConversationID:     req.ConversationID,
		RespondingEntityID: respondingEntityID,
		UserDisplayName:    req.UserDisplayName,
		Verbosity:          req.Verbosity,
	}
	if humanRow != nil {
		content := humanRow.Content
		turnReq.Message = &content
		turnReq.existingHumanID = humanRow.ID
	}
	if err := validateTurnRequest(turnReq); err != nil {
		release()
		return nil, err
	}
	return m.streamAcquired(ctx, ms, release, turnReq)
}

// resolveRegenerationAnchor locates the first row to delete and the human
// row being re-answered. For a human id the anchor is the row after it; for
// an assistant id the anchor walks back over the exchange's tool rows to the
// human turn that opened it. An assistant reply with no opening human turn
// is a continuation: its whole generation is deleted and humanRow is nil.
func resolveRegenerationAnchor(rows []*models.Message, idx int) (anchor int, humanRow *models.Message, err error) {
	target := rows[idx]

	switch target.Role {
	case models.MessageRoleHuman:
		return idx + 1, target, nil
	case models.MessageRoleAssistant:
		j := idx - 1
		for j >= 0 && isToolRow(rows[j]) {
			j--
		}
		if j >= 0 && rows[j].Role == models.MessageRoleHuman {
			return j + 1, rows[j], nil
		}
		return j + 1, nil, nil
	default:
		return 0, nil, domain.NewDomainError(domain.ErrInvalidInput, "regeneration requires a human or assistant message id")
	}
}

// rewindTrailingUserTurn drops a trailing plain user turn from the rolling
// context. After a regeneration's row surgery the replayed context ends with
// the human turn being re-answered; the turn pipeline re-renders it as the
// current message.
func rewindTrailingUserTurn(sess *models.Session) {
	n := len(sess.RollingContext)
	if n == 0 {
		return
	}
	last := sess.RollingContext[n-1]
	if last.Role == models.ChatRoleUser && len(last.Blocks) == 0 {
		sess.TruncateContextAt(n - 1)
	}
}

func indexOfMessage(rows []*models.Message, id string) int {
	for i, row := range rows {
		if row.ID == id {
			return i
		}
	}
	return -1
}

func isToolRow(row *models.Message) bool {
	return row.Role == models.MessageRoleToolUse || row.Role == models.MessageRoleToolResult
}

// unindexMessages removes deleted human and assistant rows from every entity
// index the conversation feeds. Tool rows were never indexed.
func (m *SessionManager) unindexMessages(ctx context.Context, conv *models.Conversation, rows []*models.Message) {
	targets := m.storeTargets(ctx, conv)
	for _, row := range rows {
		if row.Role != models.MessageRoleHuman && row.Role != models.MessageRoleAssistant {
			continue
		}
		for _, entityID := range targets {
			if err := m.store.Delete(ctx, entityID, row.ID); err != nil {
				log.Printf("warning: memory index delete failed for %s (entity %s): %v\n", row.ID, entityID, err)
			}
		}
	}
}

// storeTargets mirrors indexTargets for callers that hold a conversation row
// instead of a live session.
func (m *SessionManager) storeTargets(ctx context.Context, conv *models.Conversation) []string {
	if !conv.IsMultiEntity() {
		id := conv.EntityID
		if id == "" {
			id = m.defaults.EntityID
		}
		return []string{id}
	}
	parts, err := m.participants.ListByConversation(ctx, conv.ID)
	if err != nil {
		log.Printf("warning: listing participants of %s failed: %v\n", conv.ID, err)
		return nil
	}
	targets := make([]string, 0, len(parts))
	for _, p := range parts {
		targets = append(targets, p.EntityID)
	}
	sort.Strings(targets)
	return targets
}
