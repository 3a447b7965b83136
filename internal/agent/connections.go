package agent

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks the open chat WebSocket of each user and tab session.
// Sockets are closed outside the registry lock: Close waits for the peer's
// close handshake.
type Connections struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn

	closeConn func(conn *websocket.Conn, code websocket.StatusCode, reason string)
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]map[string]*websocket.Conn),
		closeConn: func(conn *websocket.Conn, code websocket.StatusCode, reason string) {
			_ = conn.Close(code, reason)
		},
	}
}

// Get returns the open connection for a user and session.
func (m *Connections) Get(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection, closing any older one for the same session.
func (m *Connections) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}
	replaced, exists := m.active[userID][sessionID]
	m.active[userID][sessionID] = conn
	m.mu.Unlock()

	slog.Info("Chat socket registered", "user_id", userID, "session_id", sessionID)
	if exists && replaced != conn {
		m.closeConn(replaced, websocket.StatusPolicyViolation, "session opened elsewhere")
	}
}

// Unregister removes conn if it is still the current one for the session.
func (m *Connections) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseUser terminates every open chat socket of a user and returns how
// many were closed.
func (m *Connections) CloseUser(userID string) int {
	m.mu.Lock()
	sessions, ok := m.active[userID]
	delete(m.active, userID)
	m.mu.Unlock()

	if !ok {
		return 0
	}
	for sid, conn := range sessions {
		m.closeConn(conn, websocket.StatusNormalClosure, "profile reset")
		slog.Info("Chat socket closed", "user_id", userID, "session_id", sid)
	}
	return len(sessions)
}
