// Package message defines the direct message record and its durable stores.
// A message is written once by Append and is never rewritten or deleted; the
// conversation between two users is derived by ListBetween.
package message

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateID is returned by Append when a message with the same ID has
// already been persisted.
var ErrDuplicateID = errors.New("message: duplicate id")

// Message is a single persisted direct message. The body is exposed as
// "message" on the wire to match what clients already send.
type Message struct {
	ID         uuid.UUID `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists messages and answers conversation queries. Implementations
// must be safe for concurrent use.
type Store interface {
	// Append assigns ID and CreatedAt when unset and writes the message
	// atomically. Appends for the same pair are serialized.
	Append(ctx context.Context, msg *Message) error

	// ListBetween returns every message exchanged between the two users in
	// conversation order.
	ListBetween(ctx context.Context, userA, userB string) ([]Message, error)

	// MarkRead advances reader's read cursor for peer to the newest message
	// peer has sent to reader.
	MarkRead(ctx context.Context, readerID, peerID string) error

	// UnreadCounts returns, per peer, the number of messages received by
	// reader after its read cursor. Peers with nothing unread are omitted.
	UnreadCounts(ctx context.Context, readerID string) (map[string]int, error)

	Close() error
}

// Pair returns the two user IDs in canonical order so that {a, b} and {b, a}
// address the same conversation.
func Pair(a, b string) (lo, hi string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Less reports whether a sorts before b in a conversation: created_at
// ascending, ties broken by id ascending.
func Less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// Sort orders msgs in conversation order.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// newID returns a time-ordered identifier.
func newID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// prepare fills in the server-assigned fields. last is the newest created_at
// already stored for the pair; the assigned timestamp never goes backwards so
// the stored order matches the append order.
func prepare(msg *Message, now, last time.Time) error {
	if msg.ID == uuid.Nil {
		id, err := newID()
		if err != nil {
			return err
		}
		msg.ID = id
	}
	if msg.CreatedAt.IsZero() {
		if now.Before(last) {
			now = last
		}
		msg.CreatedAt = now
	}
	return nil
}

// cursor is a position in a conversation; everything at or before it has
// been read.
type cursor struct {
	At time.Time `json:"at"`
	ID uuid.UUID `json:"id"`
}

func (c cursor) before(m Message) bool {
	return Less(Message{CreatedAt: c.At, ID: c.ID}, m)
}
