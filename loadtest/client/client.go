// Package client provides a load test client for the DM server. It opens a
// live channel with gobwas/ws (the same library the server uses), waits for
// the connected frame and sends messages through the REST API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/horizon/dm-app/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	Errors           int
}

// Client is a single simulated user holding a live channel.
type Client struct {
	conn   net.Conn
	rw     io.ReadWriter
	userID string

	mu       sync.Mutex
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once
}

// New dials the live channel at url (which must carry the token) and starts
// reading frames in the background. Handlers registered with On before the
// connected frame arrives will see every push.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	// The connected frame may already sit in br behind the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}

	c := &Client{
		conn:      conn,
		rw:        struct {
			io.Reader
			io.Writer
		}{r, conn},
		handlers:  make(map[string]func(json.RawMessage)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers the handler for a server frame type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[frameType] = handler
	c.mu.Unlock()
}

// Ping sends a keepalive frame.
func (c *Client) Ping() error {
	data, _ := json.Marshal(protocol.PingMsg{Type: protocol.TypePing})
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// WaitConnected blocks until the server confirmed the registration.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before registration")
	case <-c.connected:
		return nil
	}
}

// Closed is closed when the read loop stops.
func (c *Client) Closed() <-chan struct{} {
	return c.done
}

// UserID returns the user the server registered the channel for.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if env.Type == protocol.TypeConnected {
			var msg protocol.ConnectedMsg
			if err := json.Unmarshal(data, &msg); err == nil {
				c.mu.Lock()
				c.userID = msg.UserID
				c.mu.Unlock()
			}
			c.connectedOnce.Do(func() { close(c.connected) })
		}

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
