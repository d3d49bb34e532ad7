package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore persists messages in an embedded BadgerDB, for single-node
// deployments without PostgreSQL.
//
// Keys:
//
//	msg:<len lo>:<lo><len hi>:<hi>:<unix nanos, 19 digits>:<uuid>  -> JSON Message
//	id:<uuid>                                                      -> empty
//	read:<len reader>:<reader><len peer>:<peer>                    -> JSON cursor
//
// The zero-padded timestamp followed by the time-ordered id makes a forward
// prefix scan return a conversation in order.
type BadgerStore struct {
	db  *badger.DB
	mu  sync.Mutex // serializes appends so created_at stays monotonic per pair
	now func() time.Time
}

// OpenBadger opens (or creates) a BadgerDB at path.
func OpenBadger(path string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("message: open badger: %w", err)
	}
	return NewBadgerStore(db), nil
}

// NewBadgerStore wraps an already opened BadgerDB.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

// pairPrefix encodes both ids with their length, so no pair's prefix is a
// prefix of another pair's keys, even for ids that contain the separator.
func pairPrefix(a, b string) string {
	lo, hi := Pair(a, b)
	return fmt.Sprintf("msg:%d:%s%d:%s:", len(lo), lo, len(hi), hi)
}

func messageKey(m *Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", pairPrefix(m.SenderID, m.ReceiverID), m.CreatedAt.UnixNano(), m.ID))
}

func readKey(readerID, peerID string) []byte {
	return []byte(fmt.Sprintf("read:%d:%s%d:%s", len(readerID), readerID, len(peerID), peerID))
}

// Append writes msg and its id marker in one transaction.
func (s *BadgerStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		last, err := lastInPair(txn, pairPrefix(msg.SenderID, msg.ReceiverID))
		if err != nil {
			return err
		}
		if err := prepare(msg, s.now().UTC(), last); err != nil {
			return err
		}

		idKey := []byte("id:" + msg.ID.String())
		if _, err := txn.Get(idKey); err == nil {
			return ErrDuplicateID
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("message: lookup id: %w", err)
		}

		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("message: marshal: %w", err)
		}
		if err := txn.Set(messageKey(msg), data); err != nil {
			return fmt.Errorf("message: write: %w", err)
		}
		return txn.Set(idKey, nil)
	})
}

// lastInPair returns the created_at of the newest message under prefix, or
// the zero time when the conversation is empty.
func lastInPair(txn *badger.Txn, prefix string) (time.Time, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := txn.NewIterator(opts)
	defer it.Close()

	p := []byte(prefix)
	it.Seek(append([]byte(prefix), 0xff))
	if !it.ValidForPrefix(p) {
		return time.Time{}, nil
	}

	var m Message
	if err := it.Item().Value(func(val []byte) error {
		return json.Unmarshal(val, &m)
	}); err != nil {
		return time.Time{}, fmt.Errorf("message: read last: %w", err)
	}
	return m.CreatedAt, nil
}

// scan decodes every message under prefix in key order.
func scan(txn *badger.Txn, prefix string, fn func(Message)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		var m Message
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return fmt.Errorf("message: decode %s: %w", it.Item().Key(), err)
		}
		fn(m)
	}
	return nil
}

// ListBetween scans the pair's prefix.
func (s *BadgerStore) ListBetween(_ context.Context, userA, userB string) ([]Message, error) {
	msgs := []Message{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, pairPrefix(userA, userB), func(m Message) {
			msgs = append(msgs, m)
		})
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead stores the position of the newest message peer sent to reader.
func (s *BadgerStore) MarkRead(_ context.Context, readerID, peerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var (
			pos   cursor
			found bool
		)
		err := scan(txn, pairPrefix(readerID, peerID), func(m Message) {
			if m.SenderID == peerID && m.ReceiverID == readerID {
				pos = cursor{At: m.CreatedAt, ID: m.ID}
				found = true
			}
		})
		if err != nil || !found {
			return err
		}

		data, err := json.Marshal(pos)
		if err != nil {
			return err
		}
		return txn.Set(readKey(readerID, peerID), data)
	})
}

// UnreadCounts walks every stored message. Acceptable for the embedded
// backend; PostgreSQL answers this from an index.
func (s *BadgerStore) UnreadCounts(_ context.Context, readerID string) (map[string]int, error) {
	counts := make(map[string]int)
	cursors := make(map[string]*cursor)

	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, "msg:", func(m Message) {
			if m.ReceiverID != readerID {
				return
			}
			c, seen := cursors[m.SenderID]
			if !seen {
				c = loadCursor(txn, readerID, m.SenderID)
				cursors[m.SenderID] = c
			}
			if c != nil && !c.before(m) {
				return
			}
			counts[m.SenderID]++
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func loadCursor(txn *badger.Txn, readerID, peerID string) *cursor {
	item, err := txn.Get(readKey(readerID, peerID))
	if err != nil {
		return nil
	}
	var c cursor
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &c)
	}); err != nil {
		return nil
	}
	return &c
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
