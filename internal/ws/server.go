// Package ws manages live WebSocket channels: upgrading authenticated HTTP
// requests, tracking open connections, reading client frames through an
// epoll readiness loop and writing server pushes through per-connection
// send queues.
package ws

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/horizon/dm-app/internal/metrics"
)

var (
	// ErrTooManyConnections is returned by Upgrade when the server is at
	// MaxConnections. The HTTP response has not been written yet.
	ErrTooManyConnections = errors.New("ws: too many connections")

	// ErrServerClosed is returned by Upgrade before Start or after Shutdown.
	ErrServerClosed = errors.New("ws: server closed")
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int             // max concurrent read-worker goroutines
	MaxConnections int             // hard cap on total connections
	ReadTimeout    time.Duration   // timeout for WebSocket read operations
	WriteTimeout   time.Duration   // timeout for WebSocket write operations
	SendBuffer     int             // per-connection outbound queue length
	Heartbeat      HeartbeatConfig // ping interval and liveness timeout
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     DefaultSendBuffer,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll.
// Upgraded connections are registered with an epoll instance for read
// readiness and ready connections are dispatched to a bounded worker pool.
// The server does not own an HTTP listener; the HTTP layer calls Upgrade.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}                       // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte) // data frame handler
	onConnect    func(conn *Connection)              // called once a connection is registered
	onDisconnect func(conn *Connection)              // called once a connection is released
	onAlive      func(conn *Connection)              // called by the heartbeat for live connections
	started      atomic.Bool
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine
// whenever a complete WebSocket data frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before any of its frames are read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked exactly once when a
// connection is released, whatever closed it (read error, close frame,
// heartbeat timeout, replacement or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// SetOnAlive registers a callback invoked on every heartbeat tick for each
// connection that is still alive.
func (s *Server) SetOnAlive(fn func(conn *Connection)) {
	s.onAlive = fn
}

// Start initializes the epoll instance and starts the event loop and the
// heartbeat monitor in background goroutines.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()
	s.started.Store(true)

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server started (workers=%d, max_conns=%d, send_buffer=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections, s.config.SendBuffer)
	return nil
}

// Upgrade upgrades an authenticated HTTP request to a WebSocket connection
// owned by userID, using the gobwas/ws zero-copy upgrader. When an error
// other than ErrTooManyConnections or ErrServerClosed is returned the
// response has already been written by the upgrader.
func (s *Server) Upgrade(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	if !s.started.Load() || s.isClosed() {
		return nil, ErrServerClosed
	}
	if s.conns.Count() >= s.config.MaxConnections {
		return nil, ErrTooManyConnections
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, fmt.Errorf("ws: upgrade failed: %w", err)
	}

	c := newConnection(uuid.New().String(), userID, conn, s.config.SendBuffer, s.config.WriteTimeout)
	c.onClose = s.release

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writePump()

	if s.onConnect != nil {
		s.onConnect(c)
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		_ = c.Close()
		return nil, fmt.Errorf("ws: epoll add: %w", err)
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)", c.ID, userID, c.Fd, s.conns.Count())
	return c, nil
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			if s.isClosed() {
				return
			}
			// EINTR is expected during signal handling.
			if !isEINTR(err) {
				log.Printf("ws: epoll wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Rearm(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. A failed read closes the
// connection, which releases it from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection closes c. Cleanup happens in release, which the
// connection runs exactly once regardless of who closes it.
func (s *Server) RemoveConnection(c *Connection) {
	_ = c.Close()
}

// release removes c from epoll while its descriptor is still open, drops it
// from the connection manager and notifies the application layer.
func (s *Server) release(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or the health endpoint).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Uptime returns the time since Start.
func (s *Server) Uptime() time.Duration {
	if !s.started.Load() {
		return 0
	}
	return time.Since(s.startedAt)
}

// Shutdown signals the event loop to exit, closes all active connections
// and cleans up the epoll instance. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		for _, c := range s.conns.All() {
			_ = c.Close()
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}

		log.Printf("ws: server stopped, all connections closed")
	})
	return nil
}

func (s *Server) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
