// Package dm is the transactional boundary for direct messages: it validates
// a send, persists it, then hands it to the hub for live delivery. It also
// answers history, search, presence and read-state queries.
package dm

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/hub"
	"github.com/horizon/dm-app/internal/message"
	"github.com/horizon/dm-app/internal/metrics"
	"github.com/horizon/dm-app/internal/protocol"
)

const (
	DefaultMinQueryLength   = 2
	DefaultMaxSearchResults = 10
)

// Pusher delivers events to live channels without blocking.
type Pusher interface {
	Push(userID string, event protocol.Event) hub.PushResult
}

// Searcher answers recipient searches from a directory snapshot.
type Searcher interface {
	Search(query string, limit int, exclude string) []directory.SearchResult
}

// Limiter throttles sends per sender.
type Limiter interface {
	Allow(ctx context.Context, identifier string) (bool, error)
}

// Publisher announces persisted messages to other services.
type Publisher interface {
	PublishMessageCreated(msg message.Message) error
}

// Presence reports which users hold a live channel.
type Presence interface {
	Online(ctx context.Context, userIDs ...string) (map[string]bool, error)
}

// Config bounds message bodies and searches.
type Config struct {
	Limits           message.Limits
	MinQueryLength   int
	MaxSearchResults int
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		Limits:           message.DefaultLimits(),
		MinQueryLength:   DefaultMinQueryLength,
		MaxSearchResults: DefaultMaxSearchResults,
	}
}

// Deps are the collaborators of a Service. Limiter, Publisher and Presence
// are optional.
type Deps struct {
	Store     message.Store
	Directory directory.Directory
	Index     Searcher
	Hub       Pusher
	Limiter   Limiter
	Publisher Publisher
	Presence  Presence
}

// Service implements direct messaging: sending, history, recipient search
// and read state. It is safe for concurrent use.
type Service struct {
	cfg  Config
	deps Deps
}

// NewService creates a Service. A non-positive MaxSearchResults falls back to
// DefaultMaxSearchResults.
func NewService(cfg Config, deps Deps) *Service {
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = DefaultMaxSearchResults
	}
	return &Service{cfg: cfg, deps: deps}
}

// SendMessage validates, persists and pushes a message from senderID to
// receiverID. A returned message is durable whether or not the push reached
// the recipient; a returned error means nothing was persisted.
func (s *Service) SendMessage(ctx context.Context, senderID, receiverID, body string) (message.Message, error) {
	start := time.Now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	if err := s.checkSend(ctx, senderID, receiverID, body); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return message.Message{}, err
	}

	msg := &message.Message{SenderID: senderID, ReceiverID: receiverID, Body: body}
	if err := s.deps.Store.Append(ctx, msg); err != nil {
		log.Printf("[dm] append failed sender=%s receiver=%s: %v", senderID, receiverID, err)
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return message.Message{}, newError(ErrorStoreUnavailable, "message could not be saved, retry", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if res := s.deps.Hub.Push(receiverID, protocol.NewMessageMsg{Message: *msg}); res != hub.Delivered {
		log.Printf("[dm] message=%s not pushed to user=%s: %s", msg.ID, receiverID, res)
	}

	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishMessageCreated(*msg); err != nil {
			log.Printf("[dm] publish message=%s: %v", msg.ID, err)
		}
	}

	log.Printf("[dm] sent message=%s sender=%s receiver=%s len=%d", msg.ID, senderID, receiverID, len(body))
	return *msg, nil
}

func (s *Service) checkSend(ctx context.Context, senderID, receiverID, body string) error {
	if receiverID == "" {
		return newError(ErrorInvalidRecipient, "receiver_id is required", nil)
	}
	if senderID == receiverID {
		return newError(ErrorSelfMessage, "cannot send a message to yourself", nil)
	}

	if err := message.ValidateBody(body, s.cfg.Limits); err != nil {
		switch {
		case errors.Is(err, message.ErrEmptyBody):
			return newError(ErrorEmptyBody, "message must not be empty", err)
		case errors.Is(err, message.ErrBodyTooLong):
			return newError(ErrorBodyTooLong, err.Error(), err)
		default:
			return newError(ErrorInvalidBody, err.Error(), err)
		}
	}

	if _, err := s.deps.Directory.Get(ctx, receiverID); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return newError(ErrorInvalidRecipient, "receiver does not exist", err)
		}
		return newError(ErrorStoreUnavailable, "directory unavailable, retry", err)
	}

	if s.deps.Limiter != nil {
		// The limiter fails open; its error is informational.
		if ok, _ := s.deps.Limiter.Allow(ctx, senderID); !ok {
			return newError(ErrorRateLimited, "too many messages, slow down", nil)
		}
	}
	return nil
}

// GetHistory returns the conversation between userID and peerID, oldest
// first. An empty conversation is not an error; an unknown peer is.
func (s *Service) GetHistory(ctx context.Context, userID, peerID string) ([]message.Message, error) {
	if err := s.requireUser(ctx, peerID); err != nil {
		return nil, err
	}

	msgs, err := s.deps.Store.ListBetween(ctx, userID, peerID)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "history unavailable, retry", err)
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return msgs, nil
}

// SearchUsers returns ranked recipients for query, never including the
// caller. Queries shorter than the configured minimum fail with
// ErrorQueryTooShort.
func (s *Service) SearchUsers(ctx context.Context, callerID, query string) ([]directory.SearchResult, error) {
	start := time.Now()
	defer func() { metrics.SearchLatency.Observe(time.Since(start).Seconds()) }()

	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < s.cfg.MinQueryLength {
		return nil, newError(ErrorQueryTooShort, "query is too short", nil)
	}

	results := s.deps.Index.Search(q, s.cfg.MaxSearchResults, callerID)
	if len(results) == 0 || s.deps.Presence == nil {
		return results, nil
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	online, err := s.deps.Presence.Online(ctx, ids...)
	if err != nil {
		log.Printf("[dm] presence lookup failed, search results marked offline: %v", err)
		return results, nil
	}
	for i := range results {
		results[i].Online = online[results[i].ID]
	}
	return results, nil
}

// Online reports whether userID currently holds a live channel.
func (s *Service) Online(ctx context.Context, userID string) (bool, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return false, err
	}
	if s.deps.Presence == nil {
		return false, nil
	}

	online, err := s.deps.Presence.Online(ctx, userID)
	if err != nil {
		return false, newError(ErrorStoreUnavailable, "presence unavailable, retry", err)
	}
	return online[userID], nil
}

// MarkRead marks every message peerID has sent to readerID so far as read.
func (s *Service) MarkRead(ctx context.Context, readerID, peerID string) error {
	if err := s.deps.Store.MarkRead(ctx, readerID, peerID); err != nil {
		return newError(ErrorStoreUnavailable, "read state not saved, retry", err)
	}
	return nil
}

// UnreadCounts returns, per peer, how many messages readerID has not read.
// Peers with nothing unread are omitted.
func (s *Service) UnreadCounts(ctx context.Context, readerID string) (map[string]int, error) {
	counts, err := s.deps.Store.UnreadCounts(ctx, readerID)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "unread counts unavailable, retry", err)
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return counts, nil
}

func (s *Service) requireUser(ctx context.Context, userID string) error {
	if userID == "" {
		return newError(ErrorNotFound, "user does not exist", directory.ErrUserNotFound)
	}
	if _, err := s.deps.Directory.Get(ctx, userID); err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			return newError(ErrorNotFound, "user does not exist", err)
		}
		return newError(ErrorStoreUnavailable, "directory unavailable, retry", err)
	}
	return nil
}

// HubPresence answers presence from the local hub, for deployments without
// Redis.
type HubPresence struct {
	Hub interface{ Online(userID string) bool }
}

// Online implements Presence. It never fails.
func (p HubPresence) Online(_ context.Context, userIDs ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = p.Hub.Online(id)
	}
	return out, nil
}
