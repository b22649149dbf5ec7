package backend

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Registry is the process-wide set of live ingestion streams. It exists
// for fan-out and introspection, not for ingestion synchronization.
type Registry struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[*websocket.Conn]struct{})}
}

// Connect registers a live stream handle.
func (r *Registry) Connect(conn *websocket.Conn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
}

// Disconnect removes a handle. No-op if absent.
func (r *Registry) Disconnect(conn *websocket.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// Broadcast sends a text message to every registered stream. Send errors
// are swallowed; a dead connection is cleaned up by its own read loop.
func (r *Registry) Broadcast(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(text))
	}
}

// Count returns the number of live streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
