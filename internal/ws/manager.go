// Package ws serves chat turns over WebSocket connections.
package ws

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks the live connection of each session. A session holds
// at most one connection; a newer one replaces the older.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewConnManager creates an empty ConnManager.
func NewConnManager() *ConnManager {
	return &ConnManager{active: make(map[string]*websocket.Conn)}
}

// Get returns the live connection of a session, or nil.
func (m *ConnManager) Get(sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[sessionID]
}

// Register makes conn the live connection of sessionID.
func (m *ConnManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	m.active[sessionID] = conn
	slog.Info("Chat connection registered", "session_id", sessionID)
}

// Unregister forgets conn if it is still the live connection of sessionID.
func (m *ConnManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.active[sessionID]; ok && current == conn {
		delete(m.active, sessionID)
		slog.Info("Chat connection unregistered", "session_id", sessionID)
	}
}

// CloseSession closes the live connection of sessionID, if any.
func (m *ConnManager) CloseSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.active[sessionID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		delete(m.active, sessionID)
	}
}

// CloseAll closes every connection. It is used on shutdown.
func (m *ConnManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, conn := range m.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(m.active, sid)
	}
}

// Len returns the number of live connections.
func (m *ConnManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
