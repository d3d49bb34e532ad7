// Package messaging provides a NATS client wrapper for the events this
// service exchanges with its collaborators: it announces persisted messages
// and listens for directory changes.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/horizon/dm-app/internal/message"
)

// NATS subjects.
const (
	SubjectMessageCreated   = "dm.message.created"
	SubjectDirectoryUpdated = "directory.user.updated"
)

// MessageCreatedEvent is published once per persisted message.
type MessageCreatedEvent struct {
	Type    string          `json:"type"`
	Server  string          `json:"server"`
	Message message.Message `json:"message"`
}

// DirectoryUpdatedEvent is published by the profile service when a user
// record changes. UserID is empty for bulk changes.
type DirectoryUpdatedEvent struct {
	UserID string `json:"user_id"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	name   string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	closed bool
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "dm-server",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		name: config.Name,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated announces a persisted message. Publishing is
// buffered by the client and does not wait for the server.
func (c *NATSClient) PublishMessageCreated(msg message.Message) error {
	data, err := json.Marshal(MessageCreatedEvent{
		Type:    "message_created",
		Server:  c.name,
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("nats: encode message_created: %w", err)
	}
	return c.Publish(SubjectMessageCreated, data)
}

// SubscribeDirectoryUpdates calls handler for every directory change
// notification. Malformed payloads are logged and still reported, with an
// empty user id, since the directory did change.
func (c *NATSClient) SubscribeDirectoryUpdates(handler func(userID string)) error {
	return c.Subscribe(SubjectDirectoryUpdated, func(msg *nats.Msg) {
		var ev DirectoryUpdatedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] malformed %s payload: %v", SubjectDirectoryUpdated, err)
		}
		handler(ev.UserID)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
// It is safe to call more than once.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
