package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// endpoint wraps one websocket connection as a presence.Endpoint. Writes
// are serialized: Deliver may be called from connection goroutines and
// from the orchestrator's deferred-commit path concurrently.
type endpoint struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newEndpoint(conn *websocket.Conn) *endpoint {
	return &endpoint{conn: conn}
}

func (e *endpoint) Deliver(payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.WriteJSON(payload)
}
