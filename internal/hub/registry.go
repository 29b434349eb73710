package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const broadcastTimeout = 5 * time.Second

// Registry tracks the dashboard connections subscribed to each call.
// A console has at most one connection per call; registering again
// replaces the old connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]*websocket.Conn // callID -> consoleID -> conn
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]map[string]*websocket.Conn),
	}
}

// Register adds a connection for a console watching a call. An existing
// connection for the same console is closed and replaced.
func (r *Registry) Register(callID, consoleID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[callID] == nil {
		r.conns[callID] = make(map[string]*websocket.Conn)
	}

	if old, ok := r.conns[callID][consoleID]; ok {
		old.Close(websocket.StatusNormalClosure, "connection replaced")
	}

	r.conns[callID][consoleID] = conn
}

// Unregister removes a console's connection for a call. The conn must
// match the registered one, so a late unregister from a replaced
// connection does not drop its successor.
func (r *Registry) Unregister(callID, consoleID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.conns[callID][consoleID]; ok && current == conn {
		delete(r.conns[callID], consoleID)
		if len(r.conns[callID]) == 0 {
			delete(r.conns, callID)
		}
	}
}

// Broadcast writes a frame to every connection watching a call.
// Connections that fail the write are closed and dropped.
func (r *Registry) Broadcast(callID string, frame []byte) {
	r.mu.RLock()
	targets := make(map[string]*websocket.Conn, len(r.conns[callID]))
	for consoleID, conn := range r.conns[callID] {
		targets[consoleID] = conn
	}
	r.mu.RUnlock()

	for consoleID, conn := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		err := conn.Write(ctx, websocket.MessageText, frame)
		cancel()
		if err != nil {
			slog.Warn("Dropping dashboard connection after failed write", "call_id", callID, "console_id", consoleID, "error", err)
			conn.Close(websocket.StatusAbnormalClosure, "write failed")
			r.Unregister(callID, consoleID, conn)
		}
	}
}

// CloseCall closes and removes every connection watching a call.
func (r *Registry) CloseCall(callID string) {
	r.mu.Lock()
	conns := r.conns[callID]
	delete(r.conns, callID)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(websocket.StatusNormalClosure, "call ended")
	}
}

// Count returns the number of connections watching a call.
func (r *Registry) Count(callID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[callID])
}
