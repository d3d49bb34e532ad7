package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists messages in PostgreSQL. Each conversation is
// addressed by its canonical (user_lo, user_hi) pair, which backs both the
// history range scan and the per-pair advisory lock taken on append.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to PostgreSQL, verifies the connection and applies
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("message: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("message: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore creates a store backed by the given database handle. The
// schema is expected to be migrated already.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB returns the underlying handle so other read-only components can share
// the connection pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Append inserts msg inside a transaction holding the pair's advisory lock.
// The id and created_at (clock_timestamp()) are both taken after the lock is
// acquired, so a pair's commit order matches its (created_at, id) order.
func (s *PostgresStore) Append(ctx context.Context, msg *Message) error {
	var createdAt sql.NullTime
	if !msg.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: msg.CreatedAt, Valid: true}
	}

	lo, hi := Pair(msg.SenderID, msg.ReceiverID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("message: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lo+"\x1f"+hi); err != nil {
		return fmt.Errorf("message: pair lock: %w", err)
	}

	if msg.ID == uuid.Nil {
		id, err := newID()
		if err != nil {
			return err
		}
		msg.ID = id
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, user_lo, user_hi, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, clock_timestamp()))
		RETURNING created_at`

	var stored time.Time
	err = tx.QueryRowContext(ctx, query,
		msg.ID, msg.SenderID, msg.ReceiverID, lo, hi, msg.Body, createdAt,
	).Scan(&stored)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("message: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("message: commit: %w", err)
	}
	msg.CreatedAt = stored.UTC()
	return nil
}

// ListBetween returns the conversation between userA and userB.
func (s *PostgresStore) ListBetween(ctx context.Context, userA, userB string) ([]Message, error) {
	lo, hi := Pair(userA, userB)

	const query = `
		SELECT id, sender_id, receiver_id, body, created_at
		FROM messages
		WHERE user_lo = $1 AND user_hi = $2
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	return msgs, nil
}

// MarkRead upserts the reader's cursor to the newest message from peer. The
// statement is a no-op when peer has never written to reader.
func (s *PostgresStore) MarkRead(ctx context.Context, readerID, peerID string) error {
	const query = `
		INSERT INTO message_reads (reader_id, peer_id, last_read_at, last_read_id)
		SELECT receiver_id, sender_id, created_at, id
		FROM messages
		WHERE sender_id = $2 AND receiver_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
		ON CONFLICT (reader_id, peer_id) DO UPDATE
		SET last_read_at = EXCLUDED.last_read_at,
		    last_read_id = EXCLUDED.last_read_id`

	if _, err := s.db.ExecContext(ctx, query, readerID, peerID); err != nil {
		return fmt.Errorf("message: mark read: %w", err)
	}
	return nil
}

// UnreadCounts groups the reader's unread messages by sender.
func (s *PostgresStore) UnreadCounts(ctx context.Context, readerID string) (map[string]int, error) {
	const query = `
		SELECT m.sender_id, COUNT(*)
		FROM messages m
		LEFT JOIN message_reads r
		       ON r.reader_id = m.receiver_id AND r.peer_id = m.sender_id
		WHERE m.receiver_id = $1
		  AND (r.reader_id IS NULL OR (m.created_at, m.id) > (r.last_read_at, r.last_read_id))
		GROUP BY m.sender_id`

	rows, err := s.db.QueryContext(ctx, query, readerID)
	if err != nil {
		return nil, fmt.Errorf("message: unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			peer string
			n    int
		)
		if err := rows.Scan(&peer, &n); err != nil {
			return nil, fmt.Errorf("message: scan unread: %w", err)
		}
		counts[peer] = n
	}
	return counts, rows.Err()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
