package ws

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultSendBuffer is the number of outbound frames a connection queues
// before Send starts refusing new ones.
const DefaultSendBuffer = 64

// Connection represents a single authenticated WebSocket client. Outbound
// frames go through a bounded queue drained by a dedicated writer goroutine,
// so producers never block on a slow socket.
type Connection struct {
	ID        string    // connection ID (UUID)
	UserID    string    // authenticated owner of the connection
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established

	lastActive   atomic.Int64 // unix nanos of the last inbound frame
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(*Connection) // runs once, before the socket is closed
}

func newConnection(id, userID string, conn net.Conn, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
	c.Touch()
	return c
}

// Send queues a text frame without blocking. It returns false when the
// connection is closed or its queue is full.
func (c *Connection) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// WriteMessage writes a WebSocket text frame directly to the socket. The
// write mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// writePump drains the send queue until the connection is closed. A failed
// write closes the connection.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write failed conn=%s user=%s: %v", c.ID, c.UserID, err)
				_ = c.Close()
				return
			}
		}
	}
}

// Close stops the writer, runs the close hook and closes the underlying
// network connection. Only the first call has any effect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Touch records inbound activity on the connection.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last inbound frame.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// ConnectionManager is a thread-safe registry that maps connection IDs and
// the underlying net.Conn to their respective Connection objects. The second
// map serves the readiness loop, which only knows the net.Conn.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // connection_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove drops a connection from both lookup maps. It does not close the
// connection. Returns true if the connection was found, false if it was
// already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.byID[id]
	if !ok {
		return false
	}
	delete(cm.byID, id)
	delete(cm.byConn, conn.Conn)
	return true
}

// GetByConn returns the connection wrapping the given net.Conn, or nil if
// not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
