// Package live implements the Live Stream connection registry (spec §4.8):
// a per-user set of attached WebSocket connections, held entirely
// in-process. The only shared mutable state in the Update-Broadcaster is
// this map, protected by a fine-grained map-of-mutexes keyed by user_id so
// pushes to different users never contend on a single global lock.
package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskforge/taskforge/internal/metrics"
)

// HeartbeatInterval is the client ping cadence the broadcaster expects; two
// missed heartbeats close the connection.
const HeartbeatInterval = 30 * time.Second

// MissedHeartbeatLimit is how many consecutive missed pings close a
// connection.
const MissedHeartbeatLimit = 2

// ShutdownDrainDeadline bounds how long Registry.Shutdown waits for
// in-flight writes before forcing connections closed.
const ShutdownDrainDeadline = 5 * time.Second

// Frame is the wire shape pushed to clients (spec §4.8).
type Frame struct {
	Type      string          `json:"type"`
	Task      json.RawMessage `json:"task"`
	Timestamp time.Time       `json:"timestamp"`
}

// Connection is one attached WebSocket. writePump owns every JSON frame
// write; writeMu additionally guards the occasional out-of-band write (the
// heartbeat pong reply) so the two never race on the same *websocket.Conn,
// which gorilla requires callers to serialize themselves. Send is the
// thread-safe entry point other goroutines use to enqueue frames.
type Connection struct {
	conn    *websocket.Conn
	userID  string
	send    chan Frame
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

// Send enqueues frame for delivery, dropping it if the connection's buffer
// is full or it has already closed - a slow/dead client must never block
// the broadcaster's dispatch loop for every other user.
func (c *Connection) Send(frame Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
	}
}

func (c *Connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Registry is the broadcaster's in-memory connection map.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*userBucket
}

type userBucket struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*userBucket)}
}

// Attach registers conn under userID and starts its write pump. Callers
// must call the returned detach function when the connection's read loop
// exits.
func (r *Registry) Attach(userID string, wsConn *websocket.Conn) (*Connection, func()) {
	c := &Connection{conn: wsConn, userID: userID, send: make(chan Frame, 64), done: make(chan struct{})}

	r.mu.Lock()
	b, ok := r.users[userID]
	if !ok {
		b = &userBucket{conns: make(map[*Connection]struct{})}
		r.users[userID] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	metrics.LiveConnections.Inc()

	go c.writePump()

	return c, func() { r.detach(userID, c) }
}

func (r *Registry) detach(userID string, c *Connection) {
	c.close()

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.users[userID]
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.conns, c)
	empty := len(b.conns) == 0
	b.mu.Unlock()
	metrics.LiveConnections.Dec()
	if empty {
		delete(r.users, userID)
	}
}

// Push delivers frame to every connection currently attached for userID.
// Replicas with no local connection for userID are a no-op, which is what
// makes the broadcaster embarrassingly scalable (spec §4.8).
func (r *Registry) Push(userID string, frame Frame) {
	r.mu.RLock()
	b, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.conns {
		c.Send(frame)
	}
}

// Shutdown closes every connection, giving writePumps up to
// ShutdownDrainDeadline to flush their queues first.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	buckets := make([]*userBucket, 0, len(r.users))
	for _, b := range r.users {
		buckets = append(buckets, b)
	}
	r.mu.Unlock()

	deadline := time.Now().Add(ShutdownDrainDeadline)
	for _, b := range buckets {
		b.mu.Lock()
		for c := range b.conns {
			go func(c *Connection) {
				wait := time.Until(deadline)
				if wait > 0 {
					time.Sleep(wait)
				}
				c.close()
			}(c)
		}
		b.mu.Unlock()
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case frame := <-c.send:
			c.writeMu.Lock()
			err := c.conn.WriteJSON(frame)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// writePong replies to the client's text "ping" heartbeat (spec §6). Called
// from the connection's read loop, so it must take writeMu itself rather
// than relying on writePump's goroutine.
func (c *Connection) writePong() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte("pong"))
}

// writeControlPong replies to a protocol-level Ping control frame. Like
// writePong, it takes writeMu itself since gorilla's PingHandler callback
// runs on the reader's goroutine, not writePump's.
func (c *Connection) writeControlPong(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PongMessage, nil, deadline)
}
