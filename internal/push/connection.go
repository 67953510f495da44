package push

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client WebSocket bound to a user. Writes are serialized
// by writeMu so event frames and pings never interleave.
type Connection struct {
	ID        string
	UserID    string
	Conn      net.Conn
	CreatedAt time.Time

	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanoseconds of the last frame read
	writeMu      sync.Mutex
}

func newConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when a frame was last read from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// WriteMessage sends a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// writeFrame sends a control frame.
func (c *Connection) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

// WritePing sends a protocol-level ping; browsers answer with a pong.
func (c *Connection) WritePing() error {
	return c.writeFrame(ws.NewPingFrame(nil))
}

func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry indexes open connections by id and by user. A user may hold
// several connections (tabs, devices).
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Connection
	byUser map[string]map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers c under its id and user.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	conns := r.byUser[c.UserID]
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byUser[c.UserID] = conns
	}
	conns[c.ID] = c
	r.mu.Unlock()
}

// Remove unregisters the connection and reports whether it was present, so
// concurrent removals clean up only once.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if conns := r.byUser[c.UserID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	return c, true
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ForUser returns a snapshot of the user's connections.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
