package events

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 50 * time.Second
	sendBufferSize = 16
)

// Envelope is one pushed event on a live connection.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub fans events out to a user's live WebSocket connections. Delivery is
// best-effort: a slow consumer's buffer overflows and the event is dropped,
// the pull-style endpoints stay authoritative.
type Hub struct {
	mu    sync.RWMutex
	conns map[uint64]map[*connection]struct{}
}

type connection struct {
	userID uint64
	ws     *websocket.Conn
	send   chan Envelope
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[uint64]map[*connection]struct{})}
}

// Publish pushes an event to every live connection of the user. It never
// blocks the caller.
func (h *Hub) Publish(userID uint64, event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.conns[userID] {
		select {
		case conn.send <- Envelope{Event: event, Data: payload}:
		default:
			// Buffer full; drop rather than stall ingestion.
		}
	}
}

// ConnectionCount reports the user's live connections. Test helper.
func (h *Hub) ConnectionCount(userID uint64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect cross-origin from the web frontend; the JWT
	// guard already gates the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Attach upgrades the HTTP request and pumps events to the socket until the
// client goes away.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request, userID uint64) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	conn := &connection{
		userID: userID,
		ws:     ws,
		send:   make(chan Envelope, sendBufferSize),
	}

	h.mu.Lock()
	set, ok := h.conns[userID]
	if !ok {
		set = make(map[*connection]struct{})
		h.conns[userID] = set
	}
	set[conn] = struct{}{}
	h.mu.Unlock()

	go h.readPump(conn)
	go h.writePump(conn)
	return nil
}

func (h *Hub) detach(conn *connection) {
	conn.once.Do(func() {
		h.mu.Lock()
		if set, ok := h.conns[conn.userID]; ok {
			delete(set, conn)
			if len(set) == 0 {
				delete(h.conns, conn.userID)
			}
		}
		h.mu.Unlock()

		close(conn.send)
		_ = conn.ws.Close()
	})
}

// readPump discards client frames; it exists to react to close frames and
// pong deadlines.
func (h *Hub) readPump(conn *connection) {
	defer h.detach(conn)

	conn.ws.SetReadLimit(512)
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.detach(conn)
	}()

	for {
		select {
		case envelope, ok := <-conn.send:
			if !ok {
				return
			}
			payload, err := json.Marshal(envelope)
			if err != nil {
				log.Printf("events: marshal %s event failed: %v", envelope.Event, err)
				continue
			}
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
