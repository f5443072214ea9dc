package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/domain/models"
	"github.com/elowen-ai/elowen/internal/ports"
)

func kindsEqual(got, want []ports.StreamEventType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func tokenText(events []ports.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == ports.StreamEventToken {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestProcessTurnStream_FirstTurn(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	f.retriever.entries = []*models.MemoryEntry{memEntry("em_mem1", "likes basil")}
	f.llm.script = []scriptedTurn{{
		tokens: []string{"Hello ", "there"},
		resp: &ports.ChatResponse{
			Content:    "Hello there",
			StopReason: "end_turn",
			Usage:      ports.TokenUsage{InputTokens: 30, OutputTokens: 4},
		},
	}}

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("hi"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)

	want := []ports.StreamEventType{
		ports.StreamEventMemories,
		ports.StreamEventStart,
		ports.StreamEventDone,
		ports.StreamEventStored,
	}
	if kinds := eventKinds(got); !kindsEqual(kinds, want) {
		t.Fatalf("event order wrong: %v", kinds)
	}

	mem, _ := findEvent(got, ports.StreamEventMemories)
	if mem.NewMemories != 1 || len(mem.MemoryIDs) != 1 || mem.MemoryIDs[0] != "em_mem1" {
		t.Errorf("memories event wrong: %+v", mem)
	}
	start, _ := findEvent(got, ports.StreamEventStart)
	if start.Model != "claude-sonnet-4" {
		t.Errorf("start event wrong: %+v", start)
	}
	if text := tokenText(got); text != "Hello there" {
		t.Errorf("token deltas wrong: %q", text)
	}
	done, _ := findEvent(got, ports.StreamEventDone)
	if done.Content != "Hello there" || done.StopReason != "end_turn" {
		t.Errorf("done event wrong: %+v", done)
	}
	if done.Usage == nil || done.Usage.InputTokens != 30 {
		t.Errorf("done usage wrong: %+v", done.Usage)
	}
	stored, _ := findEvent(got, ports.StreamEventStored)
	if stored.HumanMessageID != "em_test1" || stored.AssistantMessageID != "em_test2" {
		t.Errorf("stored ids wrong: %+v", stored)
	}

	sess, _ := f.manager.Get("ec_1")
	if len(sess.RollingContext) != 2 || sess.LastCachedContextLength != 2 {
		t.Errorf("session state wrong: len=%d cached=%d", len(sess.RollingContext), sess.LastCachedContextLength)
	}
}

func TestProcessTurnStream_ToolLoop(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	f.retriever.entries = []*models.MemoryEntry{memEntry("em_mem1", "planted basil in May")}
	f.executor.name = "memory_query"
	f.executor.handler = func(input json.RawMessage) (string, bool) {
		return "two notes found", false
	}
	toolInput := json.RawMessage(`{"query":"basil"}`)
	f.llm.script = []scriptedTurn{
		{
			tokens: []string{"Let me check."},
			resp: &ports.ChatResponse{
				Content:    "Let me check.",
				StopReason: "tool_use",
				Blocks: []models.ContentBlock{
					models.NewTextBlock("Let me check."),
					models.NewToolUseBlock("etu_1", "memory_query", toolInput),
				},
				Usage: ports.TokenUsage{InputTokens: 50, OutputTokens: 10},
			},
		},
		{
			tokens: []string{"Done."},
			resp: &ports.ChatResponse{
				Content:    "Done.",
				StopReason: "end_turn",
				Usage:      ports.TokenUsage{InputTokens: 70, OutputTokens: 5},
			},
		},
	}

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("did I plant basil?"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)

	want := []ports.StreamEventType{
		ports.StreamEventMemories,
		ports.StreamEventStart,
		ports.StreamEventToolStart,
		ports.StreamEventToolResult,
		ports.StreamEventDone,
		ports.StreamEventStored,
	}
	if kinds := eventKinds(got); !kindsEqual(kinds, want) {
		t.Fatalf("event order wrong: %v", kinds)
	}

	ts, _ := findEvent(got, ports.StreamEventToolStart)
	if ts.ToolUseID != "etu_1" || ts.ToolName != "memory_query" {
		t.Errorf("tool_start wrong: %+v", ts)
	}
	tr, _ := findEvent(got, ports.StreamEventToolResult)
	if tr.Content != "two notes found" || tr.IsError {
		t.Errorf("tool_result wrong: %+v", tr)
	}
	done, _ := findEvent(got, ports.StreamEventDone)
	// done carries only the final iteration's text
	if done.Content != "Done." || done.StopReason != "end_turn" {
		t.Errorf("done event wrong: %+v", done)
	}
	if len(done.ToolUses) != 1 || done.ToolUses[0].Name != "memory_query" || done.ToolUses[0].Content != "two notes found" {
		t.Errorf("tool uses wrong: %+v", done.ToolUses)
	}
	if done.Usage.InputTokens != 120 || done.Usage.OutputTokens != 15 {
		t.Errorf("usage must sum across iterations: %+v", done.Usage)
	}

	if len(f.llm.requests) != 2 {
		t.Fatalf("expected two model calls, got %d", len(f.llm.requests))
	}
	if len(f.llm.requests[0].Tools) != 1 {
		t.Error("tools must be offered on the streaming path")
	}
	first := f.llm.requests[0].Messages
	if !strings.Contains(first[len(first)-1].Blocks[0].Text, "[MEMORIES FROM PREVIOUS CONVERSATIONS]") {
		t.Error("iteration 1 must carry the memories block")
	}

	// iteration 2 rebuilds from the memory-free base plus the tool exchange,
	// with the single marker moved to the latest tool-result message
	second := f.llm.requests[1].Messages
	if len(second) != 3 {
		t.Fatalf("expected base + tool exchange, got %d messages", len(second))
	}
	if strings.Contains(second[0].Blocks[0].Text, "[MEMORIES") {
		t.Error("rebuilt base must not carry the memories block")
	}
	if marked := markedIndexes(second); len(marked) != 1 || marked[0] != 2 {
		t.Errorf("marker must sit on the tool-result message, got %v", marked)
	}
	lastBlock := second[2].Blocks[0]
	if lastBlock.Type != models.BlockTypeToolResult || lastBlock.ToolUseID != "etu_1" {
		t.Errorf("tool exchange tail wrong: %+v", lastBlock)
	}

	sess, _ := f.manager.Get("ec_1")
	if len(sess.RollingContext) != 4 || sess.LastCachedContextLength != 4 {
		t.Fatalf("session state wrong: len=%d cached=%d", len(sess.RollingContext), sess.LastCachedContextLength)
	}
	if len(sess.RollingContext[1].Blocks) == 0 || len(sess.RollingContext[2].Blocks) == 0 {
		t.Error("the tool exchange must live in context as structured blocks")
	}
	if sess.RollingContext[3].Content != "Done." {
		t.Errorf("final assistant turn wrong: %q", sess.RollingContext[3].Content)
	}

	rows, _ := f.messages.ListByConversation(context.Background(), "ec_1")
	if len(rows) != 4 {
		t.Fatalf("expected 4 persisted rows, got %d", len(rows))
	}
	wantRoles := []models.MessageRole{
		models.MessageRoleHuman,
		models.MessageRoleToolUse,
		models.MessageRoleToolResult,
		models.MessageRoleAssistant,
	}
	for i, role := range wantRoles {
		if rows[i].Role != role {
			t.Errorf("row %d role = %s, want %s", i, rows[i].Role, role)
		}
	}
	// tool rows never become memories
	if len(f.store.upserts) != 2 {
		t.Errorf("expected 2 index upserts, got %v", f.store.upserts)
	}
}

func TestProcessTurnStream_MaxIterations(t *testing.T) {
	f := newTurnFixture()
	f.manager.budgets.MaxToolIterations = 2
	f.seedConversation("ec_1")
	f.executor.name = "memory_query"
	f.executor.handler = func(input json.RawMessage) (string, bool) { return "nothing", false }

	toolTurn := func(text, id string) scriptedTurn {
		return scriptedTurn{resp: &ports.ChatResponse{
			Content:    text,
			StopReason: "tool_use",
			Blocks: []models.ContentBlock{
				models.NewTextBlock(text),
				models.NewToolUseBlock(id, "memory_query", json.RawMessage(`{"query":"x"}`)),
			},
		}}
	}
	f.llm.script = []scriptedTurn{toolTurn("Checking one.", "etu_1"), toolTurn("Checking two.", "etu_2")}

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("look harder"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)

	done, ok := findEvent(got, ports.StreamEventDone)
	if !ok {
		t.Fatal("expected a done event")
	}
	if done.StopReason != "max_iterations" {
		t.Errorf("stop reason = %q, want max_iterations", done.StopReason)
	}
	// exhaustion keeps everything the model said along the way
	if done.Content != "Checking one.\nChecking two." {
		t.Errorf("exhaustion content wrong: %q", done.Content)
	}
	if len(done.ToolUses) != 2 {
		t.Errorf("expected both tool uses recorded, got %d", len(done.ToolUses))
	}

	rows, _ := f.messages.ListByConversation(context.Background(), "ec_1")
	if len(rows) != 6 {
		t.Errorf("expected human + 2 tool exchanges + assistant, got %d rows", len(rows))
	}
}

func TestProcessTurnStream_CancelMidStreamKeepsTurnUnwritten(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	f.llm.script = []scriptedTurn{{tokens: []string{"Hel"}, hang: true}}

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.manager.ProcessTurnStream(ctx, &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []ports.StreamEvent
	for ev := range events {
		got = append(got, ev)
		if ev.Type == ports.StreamEventToken {
			cancel()
		}
	}
	defer cancel()

	for _, ev := range got {
		switch ev.Type {
		case ports.StreamEventDone, ports.StreamEventStored, ports.StreamEventError:
			t.Errorf("canceled turn must end silently, saw %s", ev.Type)
		}
	}

	// nothing persisted, session intact for the retry
	if f.tx.calls != 0 {
		t.Errorf("expected no transaction, got %d", f.tx.calls)
	}
	rows, _ := f.messages.ListByConversation(context.Background(), "ec_1")
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
	sess, ok := f.manager.Get("ec_1")
	if !ok {
		t.Fatal("expected the session to survive a cancel")
	}
	if len(sess.RollingContext) != 0 {
		t.Errorf("canceled turn must not reach the rolling context, got %d messages", len(sess.RollingContext))
	}
}

func TestProcessTurnStream_PersistFailureEmitsError(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	f.messages.createErr = errors.New("insert failed")
	f.llm.script = []scriptedTurn{{resp: &ports.ChatResponse{Content: "hi", StopReason: "end_turn"}}}

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)

	want := []ports.StreamEventType{
		ports.StreamEventMemories,
		ports.StreamEventStart,
		ports.StreamEventDone,
		ports.StreamEventError,
	}
	if kinds := eventKinds(got); !kindsEqual(kinds, want) {
		t.Fatalf("event order wrong: %v", kinds)
	}
	errEv, _ := findEvent(got, ports.StreamEventError)
	if !strings.Contains(errEv.Error, "insert failed") {
		t.Errorf("error event wrong: %+v", errEv)
	}
	if _, ok := f.manager.Get("ec_1"); ok {
		t.Fatal("expected the session dropped after a failed persist")
	}
}

func TestProcessTurnStream_BusyConversationFailsFast(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	gate := make(chan struct{})
	f.llm.gate = gate

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("slow one"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the first turn holds the lock until its script completes
	if _, err := f.manager.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("impatient"),
	}); !errors.Is(err, domain.ErrConversationBusy) {
		t.Fatalf("expected ErrConversationBusy, got %v", err)
	}

	close(gate)
	got := drainEvents(t, events)
	if _, ok := findEvent(got, ports.StreamEventStored); !ok {
		t.Error("the in-flight turn must still complete")
	}
}

func TestProcessTurnStream_InvalidContinuationReleasesLock(t *testing.T) {
	f := newTurnFixture()
	f.seedConversation("ec_1")
	f.llm.script = []scriptedTurn{{resp: &ports.ChatResponse{Content: "hi", StopReason: "end_turn"}}}

	if _, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
	}); !errors.Is(err, domain.ErrContinuationInvalid) {
		t.Fatalf("expected ErrContinuationInvalid, got %v", err)
	}

	// the rejected request must not leave the conversation locked
	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID: "ec_1",
		Message:        strPtr("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)
	if _, ok := findEvent(got, ports.StreamEventStored); !ok {
		t.Error("expected the follow-up turn to run")
	}
}

func TestProcessTurnStream_MultiEntityContinuation(t *testing.T) {
	f := newTurnFixture()
	f.seedMultiEntity("ec_m", "elowen", "sage")
	f.llm.script = []scriptedTurn{{
		tokens: []string{"Shall we?"},
		resp:   &ports.ChatResponse{Content: "Shall we?", StopReason: "end_turn"},
	}}

	events, err := f.manager.ProcessTurnStream(context.Background(), &TurnRequest{
		ConversationID:     "ec_m",
		RespondingEntityID: "sage",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := drainEvents(t, events)

	stored, ok := findEvent(got, ports.StreamEventStored)
	if !ok {
		t.Fatal("expected a stored event")
	}
	if stored.HumanMessageID != "" {
		t.Errorf("continuation must not create a human row, got %s", stored.HumanMessageID)
	}
	if stored.AssistantMessageID == "" {
		t.Error("expected an assistant row id")
	}

	sess, _ := f.manager.Get("ec_m")
	last := sess.RollingContext[len(sess.RollingContext)-1]
	if last.Content != "[Sage]: Shall we?" {
		t.Errorf("continuation reply not labelled: %q", last.Content)
	}
}
