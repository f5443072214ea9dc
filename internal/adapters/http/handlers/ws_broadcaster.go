package handlers

import (
	"log"
	"sync"
	"time"

	"github.com/elowen-ai/elowen/internal/adapters/http/dto"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const syncWriteTimeout = 10 * time.Second

// syncConn serialises writes to one WebSocket connection; gorilla permits
// only a single concurrent writer, and frames come from the keepalive
// pump, backfill replies and the broadcaster at once.
type syncConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSyncConn(conn *websocket.Conn) *syncConn {
	return &syncConn{conn: conn}
}

func (c *syncConn) writeBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(syncWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *syncConn) writeEvent(event *dto.SyncEvent) error {
	data, err := msgpack.Marshal(event)
	if err != nil {
		return err
	}
	return c.writeBinary(data)
}

func (c *syncConn) writePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(syncWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// WebSocketBroadcaster fans persisted-message sync events out to the
// WebSocket connections watching each conversation. Events are msgpack
// binary frames; a connection that cannot be written to is dropped.
type WebSocketBroadcaster struct {
	mu          sync.RWMutex
	connections map[string]map[*syncConn]struct{}
}

func NewWebSocketBroadcaster() *WebSocketBroadcaster {
	return &WebSocketBroadcaster{
		connections: make(map[string]map[*syncConn]struct{}),
	}
}

func (b *WebSocketBroadcaster) Subscribe(conversationID string, conn *syncConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[conversationID] == nil {
		b.connections[conversationID] = make(map[*syncConn]struct{})
	}
	b.connections[conversationID][conn] = struct{}{}
	log.Printf("WebSocket subscribed to conversation %s (total: %d)", conversationID, len(b.connections[conversationID]))
}

func (b *WebSocketBroadcaster) Unsubscribe(conversationID string, conn *syncConn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if conns, ok := b.connections[conversationID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, conversationID)
		}
	}
}

// SubscriberCount reports how many connections watch a conversation.
func (b *WebSocketBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections[conversationID])
}

// BroadcastBinary writes an already-encoded frame to every subscriber of
// the conversation, unsubscribing connections whose writes fail.
func (b *WebSocketBroadcaster) BroadcastBinary(conversationID string, data []byte) {
	b.mu.RLock()
	conns, ok := b.connections[conversationID]
	if !ok || len(conns) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]*syncConn, 0, len(conns))
	for conn := range conns {
		targets = append(targets, conn)
	}
	b.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.writeBinary(data); err != nil {
			log.Printf("warning: WebSocket broadcast to conversation %s failed: %v", conversationID, err)
			b.Unsubscribe(conversationID, conn)
		}
	}
}

// BroadcastMessage pushes one persisted message as a sync event.
func (b *WebSocketBroadcaster) BroadcastMessage(conversationID string, msg *dto.MessageResponse) {
	b.broadcastEvent(conversationID, dto.NewSyncMessage(msg))
}

// BroadcastError pushes an error frame; subscribers stay connected.
func (b *WebSocketBroadcaster) BroadcastError(conversationID, code, detail string) {
	b.broadcastEvent(conversationID, dto.NewSyncError(code, detail))
}

func (b *WebSocketBroadcaster) broadcastEvent(conversationID string, event *dto.SyncEvent) {
	data, err := msgpack.Marshal(event)
	if err != nil {
		log.Printf("warning: failed to encode sync event: %v", err)
		return
	}
	b.BroadcastBinary(conversationID, data)
}
