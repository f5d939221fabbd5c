package session

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub upgrades a user's HTTP connection to a websocket and holds it as
// the live object behind active_socket[user], so a replaced connection
// can be forcibly closed rather than merely overwritten in Redis.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*websocket.Conn),
	}
}

// Upgrade accepts the connection for userID, forcibly closing any
// connection it is replacing.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string) (*websocket.Conn, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if prior, ok := h.conns[userID]; ok {
		prior.Close()
	}
	h.conns[userID] = conn
	h.mu.Unlock()

	return conn, nil
}

// Remove drops the tracked connection for userID, called from the
// connection's read loop once it closes.
func (h *Hub) Remove(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == conn {
		delete(h.conns, userID)
	}
}

// Push sends a state transition notification to userID if it has a
// live connection; a missing connection is not an error, since clients
// may be relying on polling instead.
func (h *Hub) Push(userID string, payload any) {
	h.mu.Lock()
	conn, ok := h.conns[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.WriteJSON(payload); err != nil {
		log.Printf("session: push to %s failed: %v", userID, err)
	}
}

// IsLive reports whether userID currently holds an open connection.
func (h *Hub) IsLive(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[userID]
	return ok
}
