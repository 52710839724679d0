package wire

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Connection is one accepted worker or client connection.
type Connection struct {
	// ID uniquely identifies this connection within the server.
	ID string

	// Remote is the peer address.
	Remote string

	// ConnectedAt records when the connection was accepted.
	ConnectedAt time.Time

	// LastActivity is the time the last frame was read.
	LastActivity atomic.Value // time.Time

	// Requests counts frames served.
	Requests atomic.Uint64

	conn    net.Conn
	limiter *rate.Limiter
}

func newConnection(connID string, conn net.Conn, limiter *rate.Limiter) *Connection {
	now := time.Now().UTC()
	c := &Connection{
		ID:          connID,
		Remote:      conn.RemoteAddr().String(),
		ConnectedAt: now,
		conn:        conn,
		limiter:     limiter,
	}
	c.LastActivity.Store(now)
	return c
}

// touch records a served request.
func (c *Connection) touch() {
	c.LastActivity.Store(time.Now().UTC())
	c.Requests.Add(1)
}

// ConnectionManager tracks open connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{conns: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.conns[c.ID] = c
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Count returns the number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}

// closeAll closes every open connection. Their serve loops remove them.
func (cm *ConnectionManager) closeAll() {
	for _, c := range cm.All() {
		_ = c.conn.Close()
	}
}
