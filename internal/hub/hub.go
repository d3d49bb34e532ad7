// Package hub tracks which users hold an open live channel and pushes events
// to them. Delivery is best-effort: a push to an absent or saturated channel
// is dropped, and the message store remains the source of truth.
package hub

import (
	"log"
	"sync"

	"github.com/horizon/dm-app/internal/metrics"
	"github.com/horizon/dm-app/internal/protocol"
)

// Channel is a live, push-capable connection to one user.
type Channel interface {
	// Send hands data to the channel without blocking. It returns false when
	// the channel is closed or its outbound queue is full.
	Send(data []byte) bool

	// Close closes the channel. It must be safe to call more than once.
	Close() error
}

// PushResult reports what happened to a pushed event.
type PushResult int

const (
	Delivered PushResult = iota // handed to an open channel
	Offline                     // no channel registered for the user
	Dropped                     // channel present but saturated or closing
)

func (r PushResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Offline:
		return "offline"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Hub maps user ids to their single live channel. The map is the only
// mutable state and is guarded by mu; channels are closed outside the lock.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{channels: make(map[string]Channel)}
}

// Register installs ch as userID's live channel. A previously registered
// channel for the same user is closed and replaced.
func (h *Hub) Register(userID string, ch Channel) {
	h.mu.Lock()
	prev, had := h.channels[userID]
	h.channels[userID] = ch
	h.mu.Unlock()

	if had && prev != ch {
		log.Printf("[hub] user=%s opened a new channel, closing the previous one", userID)
		metrics.ConnectionsReplaced.Inc()
		_ = prev.Close()
	}
}

// Unregister removes userID's mapping only if it still points at ch, so a
// late unregister of a replaced channel cannot evict its successor. It
// reports whether the mapping was removed.
func (h *Hub) Unregister(userID string, ch Channel) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.channels[userID]; ok && cur == ch {
		delete(h.channels, userID)
		return true
	}
	return false
}

// Push encodes event and attempts a non-blocking send to userID's channel.
func (h *Hub) Push(userID string, event protocol.Event) PushResult {
	h.mu.RLock()
	ch, ok := h.channels[userID]
	h.mu.RUnlock()

	if !ok {
		metrics.PushesTotal.WithLabelValues(Offline.String()).Inc()
		return Offline
	}

	data, err := protocol.Encode(event)
	if err != nil {
		log.Printf("[hub] encode %s for user=%s: %v", event.EventType(), userID, err)
		metrics.PushesTotal.WithLabelValues(Dropped.String()).Inc()
		return Dropped
	}

	if !ch.Send(data) {
		log.Printf("[hub] channel unavailable for user=%s, dropped %s", userID, event.EventType())
		metrics.PushesTotal.WithLabelValues(Dropped.String()).Inc()
		return Dropped
	}

	metrics.PushesTotal.WithLabelValues(Delivered.String()).Inc()
	return Delivered
}

// Online reports whether userID currently has a registered channel.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	_, ok := h.channels[userID]
	h.mu.RUnlock()
	return ok
}

// Count returns the number of users with a registered channel.
func (h *Hub) Count() int {
	h.mu.RLock()
	n := len(h.channels)
	h.mu.RUnlock()
	return n
}
