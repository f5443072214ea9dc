// Package prompting builds the ordered message sequence sent to the model:
// a byte-stable cached prefix, the uncached tail of the rolling context, and
// a final composite user message carrying memories, date context, notes and
// the current user turn. Memories always land after the cache marker so a
// fresh retrieval cannot invalidate the cached prefix.
package prompting

import (
	"context"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

// continuationPrompt stands in for the user turn on multi-entity
// continuations, where the next speaker responds without new user input.
const continuationPrompt = "Continue the conversation naturally, responding to what has been said so far."

type Assembler struct {
	notes ports.NotesProvider
	now   func() time.Time
}

// NewAssembler builds an assembler. notes may be nil; note lookups are
// best-effort and never fail a turn.
func NewAssembler(notes ports.NotesProvider) *Assembler {
	return &Assembler{notes: notes, now: time.Now}
}

// Build produces the complete prompt for one turn. userMessage is nil on a
// multi-entity continuation. attachments are appended to the final user
// message as extra blocks and are never persisted.
func (a *Assembler) Build(ctx context.Context, s *models.Session, userMessage *string, attachments []models.ContentBlock) []ports.PromptMessage {
	return a.build(ctx, s, userMessage, attachments, true)
}

// BuildBase produces the same prompt without the memories block. Tool-loop
// iterations after the first rebuild from this base so that the tool
// exchange, not the shifting memories block, forms the stable prefix.
func (a *Assembler) BuildBase(ctx context.Context, s *models.Session, userMessage *string, attachments []models.ContentBlock) []ports.PromptMessage {
	return a.build(ctx, s, userMessage, attachments, false)
}

func (a *Assembler) build(ctx context.Context, s *models.Session, userMessage *string, attachments []models.ContentBlock, includeMemories bool) []ports.PromptMessage {
	messages := make([]ports.PromptMessage, 0, len(s.RollingContext)+1)
	for _, m := range s.RollingContext {
		messages = append(messages, toPromptMessage(m))
	}

	// Exactly one cache marker, on the last message of the cached prefix.
	if s.LastCachedContextLength > 0 && s.LastCachedContextLength <= len(messages) {
		messages[s.LastCachedContextLength-1].CacheControl = true
	}

	blocks := []models.ContentBlock{models.NewTextBlock(a.composeFinal(ctx, s, userMessage, includeMemories))}
	blocks = append(blocks, attachments...)
	messages = append(messages, ports.PromptMessage{Role: models.ChatRoleUser, Blocks: blocks})

	if s.MultiEntity {
		prependText(&messages[0], a.multiEntityHeader(s))
	}
	return messages
}

// composeFinal renders the final composite user message.
func (a *Assembler) composeFinal(ctx context.Context, s *models.Session, userMessage *string, includeMemories bool) string {
	hasHistory := len(s.RollingContext) > 0

	var parts []string
	if hasHistory {
		parts = append(parts, "[/CONVERSATION HISTORY]")
	}
	if includeMemories {
		if block := s.RenderMemoriesBlock(); block != "" {
			parts = append(parts, block)
		}
	}
	parts = append(parts, "[CURRENT USER MESSAGE]")
	parts = append(parts, a.dateContext(s))
	parts = append(parts, a.noteBlocks(ctx, s)...)

	turn := continuationPrompt
	if userMessage != nil {
		turn = *userMessage
		if s.MultiEntity {
			turn = "[Human]: " + turn
		}
	}
	parts = append(parts, turn)

	body := strings.Join(parts, "\n\n")
	if !hasHistory {
		body = "[CONVERSATION HISTORY]\n\n" + body
	}
	return body
}

func (a *Assembler) dateContext(s *models.Session) string {
	var b strings.Builder
	b.WriteString("[DATE CONTEXT]\n")
	if s.ConversationStartDate != nil {
		b.WriteString("Conversation started: ")
		b.WriteString(s.ConversationStartDate.UTC().Format("2006-01-02"))
		b.WriteString("\n")
	}
	b.WriteString("Current date: ")
	b.WriteString(a.now().UTC().Format("2006-01-02"))
	return b.String()
}

func (a *Assembler) noteBlocks(ctx context.Context, s *models.Session) []string {
	if a.notes == nil {
		return nil
	}
	var parts []string
	if n, err := a.notes.EntityNotes(ctx, s.EntityID); err != nil {
		log.Printf("warning: entity notes lookup failed for %s: %v\n", s.EntityID, err)
	} else if n != "" {
		parts = append(parts, n)
	}
	if n, err := a.notes.SharedNotes(ctx); err != nil {
		log.Printf("warning: shared notes lookup failed: %v\n", err)
	} else if n != "" {
		parts = append(parts, n)
	}
	return parts
}

// multiEntityHeader names the participants. Labels are sorted so the header,
// which lands inside the cached prefix, is stable across calls.
func (a *Assembler) multiEntityHeader(s *models.Session) string {
	labels := make([]string, 0, len(s.EntityLabels))
	for _, label := range s.EntityLabels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return "[This is a conversation among multiple participants: " + strings.Join(labels, ", ") + "]\n\n"
}

func toPromptMessage(m models.ContextMessage) ports.PromptMessage {
	if len(m.Blocks) > 0 {
		return ports.PromptMessage{Role: m.Role, Blocks: m.Blocks}
	}
	return ports.PromptMessage{Role: m.Role, Blocks: []models.ContentBlock{models.NewTextBlock(m.Content)}}
}

// prependText prefixes the first text block of a message. A message with no
// text block is left alone; the header has nowhere stable to live there.
func prependText(pm *ports.PromptMessage, header string) {
	for i, b := range pm.Blocks {
		if b.Type == models.BlockTypeText {
			pm.Blocks = append([]models.ContentBlock(nil), pm.Blocks...)
			pm.Blocks[i].Text = header + pm.Blocks[i].Text
			return
		}
	}
}
