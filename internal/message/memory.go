package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pairKey struct{ lo, hi string }

func keyOf(a, b string) pairKey {
	lo, hi := Pair(a, b)
	return pairKey{lo: lo, hi: hi}
}

// MemoryStore keeps messages in process memory. Writes are serialized by a
// single lock, which is enough for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	byPair  map[pairKey][]Message
	ids     map[uuid.UUID]struct{}
	cursors map[pairKey]cursor // {reader, peer} -> read position
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byPair:  make(map[pairKey][]Message),
		ids:     make(map[uuid.UUID]struct{}),
		cursors: make(map[pairKey]cursor),
		now:     time.Now,
	}
}

// Append stores msg in its conversation, keeping the conversation sorted.
func (s *MemoryStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(msg.SenderID, msg.ReceiverID)
	conv := s.byPair[key]

	var last time.Time
	if n := len(conv); n > 0 {
		last = conv[n-1].CreatedAt
	}
	if err := prepare(msg, s.now().UTC(), last); err != nil {
		return err
	}
	if _, dup := s.ids[msg.ID]; dup {
		return ErrDuplicateID
	}

	i := sort.Search(len(conv), func(i int) bool { return Less(*msg, conv[i]) })
	conv = append(conv, Message{})
	copy(conv[i+1:], conv[i:])
	conv[i] = *msg

	s.byPair[key] = conv
	s.ids[msg.ID] = struct{}{}
	return nil
}

// ListBetween returns a copy of the conversation between userA and userB.
func (s *MemoryStore) ListBetween(_ context.Context, userA, userB string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.byPair[keyOf(userA, userB)]
	out := make([]Message, len(conv))
	copy(out, conv)
	return out, nil
}

// MarkRead moves the reader's cursor to the newest message from peer.
func (s *MemoryStore) MarkRead(_ context.Context, readerID, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.byPair[keyOf(readerID, peerID)]
	for i := len(conv) - 1; i >= 0; i-- {
		m := conv[i]
		if m.SenderID == peerID && m.ReceiverID == readerID {
			s.cursors[pairKey{lo: readerID, hi: peerID}] = cursor{At: m.CreatedAt, ID: m.ID}
			return nil
		}
	}
	return nil
}

// UnreadCounts counts messages addressed to reader past each read cursor.
func (s *MemoryStore) UnreadCounts(_ context.Context, readerID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for key, conv := range s.byPair {
		if key.lo != readerID && key.hi != readerID {
			continue
		}
		for _, m := range conv {
			if m.ReceiverID != readerID {
				continue
			}
			c, ok := s.cursors[pairKey{lo: readerID, hi: m.SenderID}]
			if ok && !c.before(m) {
				continue
			}
			counts[m.SenderID]++
		}
	}
	return counts, nil
}

// Len returns the total number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
