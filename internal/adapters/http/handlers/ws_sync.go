package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/elowen-ai/elowen/internal/domain"
	"github.com/elowen-ai/elowen/internal/ports"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	syncReadTimeout  = 60 * time.Second
	syncPingInterval = 30 * time.Second
)

// WebSocketSyncHandler serves GET /api/v1/conversations/{id}/ws: a
// msgpack channel that greets with the conversation's latest state,
// replays missed messages on request and receives live broadcasts as
// turns persist.
type WebSocketSyncHandler struct {
	upgrader         websocket.Upgrader
	conversationRepo ports.ConversationRepository
	messageRepo      ports.MessageRepository
	broadcaster      *WebSocketBroadcaster
}

func NewWebSocketSyncHandler(
	conversationRepo ports.ConversationRepository,
	messageRepo ports.MessageRepository,
	broadcaster *WebSocketBroadcaster,
	allowedOrigins []string,
) *WebSocketSyncHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return &WebSocketSyncHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				return allowed[origin]
			},
		},
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		broadcaster:      broadcaster,
	}
}

func (h *WebSocketSyncHandler) Handle(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := validateURLParam(r, w, "id", "Conversation ID")
	if !ok {
		return
	}

	// Archived conversations stay watchable; the channel is read-only.
	if _, err := h.conversationRepo.GetByID(r.Context(), conversationID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, domain.ErrConversationNotFound) {
			respondError(w, "not_found", "Conversation not found", http.StatusNotFound)
		} else {
			log.Printf("failed to load conversation %s: %v", conversationID, err)
			respondError(w, "internal_error", "Failed to retrieve conversation", http.StatusInternalServerError)
		}
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("warning: WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sc := newSyncConn(conn)
	h.broadcaster.Subscribe(conversationID, sc)
	defer h.broadcaster.Unsubscribe(conversationID, sc)

	if err := h.sendHello(r.Context(), sc, conversationID); err != nil {
		log.Printf("warning: sync hello failed for conversation %s: %v", conversationID, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		h.readPump(ctx, sc, conversationID)
		cancel()
	}()

	go func() {
		defer wg.Done()
		h.writePump(ctx, sc)
	}()

	wg.Wait()
	log.Printf("WebSocket connection closed for conversation %s", conversationID)
}

// sendHello tells the client where the transcript currently ends, so it
// can decide whether a backfill is needed.
func (h *WebSocketSyncHandler) sendHello(ctx context.Context, sc *syncConn, conversationID string) error {
	rows, err := h.messageRepo.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	lastID := ""
	if len(rows) > 0 {
		lastID = rows[len(rows)-1].ID
	}
	return sc.writeEvent(dto.NewSyncHello(conversationID, lastID, len(rows)))
}

func (h *WebSocketSyncHandler) readPump(ctx context.Context, sc *syncConn, conversationID string) {
	conn := sc.conn
	conn.SetReadDeadline(time.Now().Add(syncReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(syncReadTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("warning: WebSocket read error: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		var req dto.SyncRequest
		if err := msgpack.Unmarshal(data, &req); err != nil {
			sc.writeEvent(dto.NewSyncError("invalid_message", "failed to decode sync request"))
			continue
		}

		switch req.Type {
		case "backfill":
			if err := h.backfill(ctx, sc, conversationID, req.AfterMessageID); err != nil {
				log.Printf("warning: backfill failed for conversation %s: %v", conversationID, err)
				sc.writeEvent(dto.NewSyncError("backfill_failed", "failed to replay messages"))
			}
		default:
			sc.writeEvent(dto.NewSyncError("invalid_message", "unknown sync request type "+req.Type))
		}
	}
}

func (h *WebSocketSyncHandler) writePump(ctx context.Context, sc *syncConn) {
	ticker := time.NewTicker(syncPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sc.writePing(); err != nil {
				return
			}
		}
	}
}

// backfill replays every persisted message created after afterID, oldest
// first; an empty or unknown afterID replays the whole transcript.
func (h *WebSocketSyncHandler) backfill(ctx context.Context, sc *syncConn, conversationID, afterID string) error {
	rows, err := h.messageRepo.ListByConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	start := 0
	if afterID != "" {
		for i, row := range rows {
			if row.ID == afterID {
				start = i + 1
				break
			}
		}
	}

	for _, row := range rows[start:] {
		if err := sc.writeEvent(dto.NewSyncMessage((&dto.MessageResponse{}).FromModel(row))); err != nil {
			return err
		}
	}
	return nil
}
