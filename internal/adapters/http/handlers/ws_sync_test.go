package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/domain/models"
)

func TestWebSocketSyncHandler_UnknownConversation(t *testing.T) {
	f := newHandlerFixture()
	handler := NewWebSocketSyncHandler(f.conversations, f.messages, NewWebSocketBroadcaster(), nil)

	req := httptest.NewRequest("GET", "/api/v1/conversations/missing/ws", nil)
	req = setURLParam(req, "id", "missing")
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 before upgrade, got %d", rr.Code)
	}
}

func TestWebSocketSyncHandler_MissingID(t *testing.T) {
	f := newHandlerFixture()
	handler := NewWebSocketSyncHandler(f.conversations, f.messages, NewWebSocketBroadcaster(), nil)

	req := httptest.NewRequest("GET", "/api/v1/conversations//ws", nil)
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

// syncTestServer mounts the handler behind a real router so upgrade
// requests come in over the wire.
func syncTestServer(t *testing.T, f *handlerFixture, b *WebSocketBroadcaster, origins []string) *httptest.Server {
	t.Helper()
	handler := NewWebSocketSyncHandler(f.conversations, f.messages, b, origins)
	r := chi.NewRouter()
	r.Get("/api/v1/conversations/{id}/ws", handler.Handle)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialSync(t *testing.T, srv *httptest.Server, conversationID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/" + conversationID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readSyncEvent(t *testing.T, conn *websocket.Conn) *dto.SyncEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		var event dto.SyncEvent
		if err := msgpack.Unmarshal(data, &event); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		return &event
	}
}

func sendSyncRequest(t *testing.T, conn *websocket.Conn, req *dto.SyncRequest) {
	t.Helper()
	data, err := msgpack.Marshal(req)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestWebSocketSyncHandler_HelloBackfillBroadcast(t *testing.T) {
	f := newHandlerFixture()
	f.seedConversation("conv-1", "elowen")
	f.seedMessage("msg-1", "conv-1", models.MessageRoleHuman, "how are the tomatoes?")
	second := f.seedMessage("msg-2", "conv-1", models.MessageRoleAssistant, "ripening nicely")
	second.CreatedAt = second.CreatedAt.Add(time.Second)
	f.messages.messages["msg-2"] = second

	b := NewWebSocketBroadcaster()
	srv := syncTestServer(t, f, b, nil)
	conn := dialSync(t, srv, "conv-1")

	hello := readSyncEvent(t, conn)
	if hello.Type != dto.SyncEventHello {
		t.Fatalf("expected hello first, got %q", hello.Type)
	}
	if hello.ConversationID != "conv-1" || hello.LastMessageID != "msg-2" || hello.MessageCount != 2 {
		t.Errorf("unexpected hello: %+v", hello)
	}

	// Replay everything after msg-1.
	sendSyncRequest(t, conn, &dto.SyncRequest{Type: "backfill", AfterMessageID: "msg-1"})
	replayed := readSyncEvent(t, conn)
	if replayed.Type != dto.SyncEventMessage || replayed.Message == nil || replayed.Message.ID != "msg-2" {
		t.Fatalf("expected replay of msg-2, got %+v", replayed)
	}

	// Empty cursor replays the whole transcript, oldest first.
	sendSyncRequest(t, conn, &dto.SyncRequest{Type: "backfill"})
	if ev := readSyncEvent(t, conn); ev.Message == nil || ev.Message.ID != "msg-1" {
		t.Fatalf("expected full replay to start at msg-1, got %+v", ev)
	}
	if ev := readSyncEvent(t, conn); ev.Message == nil || ev.Message.ID != "msg-2" {
		t.Fatalf("expected msg-2 second, got %+v", ev)
	}

	// A live broadcast lands as a message frame.
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount("conv-1") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	b.BroadcastMessage("conv-1", &dto.MessageResponse{ID: "msg-3", ConversationID: "conv-1", Role: "assistant", Content: "fresh"})
	live := readSyncEvent(t, conn)
	if live.Type != dto.SyncEventMessage || live.Message == nil || live.Message.ID != "msg-3" {
		t.Fatalf("expected live msg-3, got %+v", live)
	}
}

func TestWebSocketSyncHandler_UnknownRequestType(t *testing.T) {
	f := newHandlerFixture()
	f.seedConversation("conv-1", "elowen")
	f.seedMessage("msg-1", "conv-1", models.MessageRoleHuman, "still here?")

	srv := syncTestServer(t, f, NewWebSocketBroadcaster(), nil)
	conn := dialSync(t, srv, "conv-1")

	if hello := readSyncEvent(t, conn); hello.Type != dto.SyncEventHello {
		t.Fatalf("expected hello, got %q", hello.Type)
	}

	sendSyncRequest(t, conn, &dto.SyncRequest{Type: "subscribe"})
	errEvent := readSyncEvent(t, conn)
	if errEvent.Type != dto.SyncEventError || errEvent.Code != "invalid_message" {
		t.Fatalf("expected invalid_message error, got %+v", errEvent)
	}

	// The error frame is not terminal; the channel still answers.
	sendSyncRequest(t, conn, &dto.SyncRequest{Type: "backfill"})
	replay := readSyncEvent(t, conn)
	if replay.Type != dto.SyncEventMessage || replay.Message == nil || replay.Message.ID != "msg-1" {
		t.Fatalf("expected backfill to work after error frame, got %+v", replay)
	}
}

func TestWebSocketSyncHandler_ArchivedConversationWatchable(t *testing.T) {
	f := newHandlerFixture()
	conv := f.seedConversation("conv-1", "elowen")
	conv.Archived = true
	f.seedMessage("msg-1", "conv-1", models.MessageRoleHuman, "old thread")

	srv := syncTestServer(t, f, NewWebSocketBroadcaster(), nil)
	conn := dialSync(t, srv, "conv-1")

	hello := readSyncEvent(t, conn)
	if hello.Type != dto.SyncEventHello || hello.MessageCount != 1 {
		t.Fatalf("archived conversation should greet normally, got %+v", hello)
	}
}

func TestWebSocketSyncHandler_RejectsDisallowedOrigin(t *testing.T) {
	f := newHandlerFixture()
	f.seedConversation("conv-1", "elowen")

	srv := syncTestServer(t, f, NewWebSocketBroadcaster(), []string{"http://localhost:3000"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/conv-1/ws"

	header := http.Header{"Origin": []string{"http://evil.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail for disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 handshake response, got %+v", resp)
	}

	// The allowed origin connects fine.
	header = http.Header{"Origin": []string{"http://localhost:3000"}}
	conn, _, err = websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin should connect: %v", err)
	}
	conn.Close()
}
