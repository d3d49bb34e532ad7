// Package presence records which users hold a live channel, in Redis, so
// every instance and the search endpoint see the same online state. Entries
// expire unless the heartbeat refreshes them, so a crashed instance cannot
// leave users online forever.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL covers a few missed heartbeats.
	DefaultTTL = 90 * time.Second
)

// Entry is a user's presence record as stored in Redis.
type Entry struct {
	UserID      string `redis:"user_id"`
	ConnID      string `redis:"conn_id"`     // live channel holding the entry
	Server      string `redis:"server"`      // which instance holds the channel
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp
}

// clearIfOwner deletes the entry only if it still belongs to the closing
// channel, so a late disconnect cannot wipe a newer connection's entry.
var clearIfOwner = redis.NewScript(`
if redis.call("HGET", KEYS[1], "conn_id") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Store manages presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	ttl        time.Duration
}

// NewStore connects to Redis and returns a presence store for this
// instance.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, ttl: DefaultTTL}
}

// SetTTL overrides how long an entry lives without a refresh.
func (s *Store) SetTTL(ttl time.Duration) {
	if ttl > 0 {
		s.ttl = ttl
	}
}

// SetOnline records that userID holds the live channel connID.
func (s *Store) SetOnline(ctx context.Context, userID, connID string) error {
	key := KeyPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, Entry{
		UserID:      userID,
		ConnID:      connID,
		Server:      s.serverName,
		ConnectedAt: now,
		LastSeen:    now,
	})
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends userID's entry if connID still owns it.
func (s *Store) Refresh(ctx context.Context, userID, connID string) error {
	key := KeyPrefix + userID

	owner, err := s.client.HGet(ctx, key, "conn_id").Result()
	if err == redis.Nil {
		// Expired while the channel stayed open; recreate it.
		return s.SetOnline(ctx, userID, connID)
	}
	if err != nil {
		return err
	}
	if owner != connID {
		return nil
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// SetOffline removes userID's entry if connID still owns it. It reports
// whether an entry was removed.
func (s *Store) SetOffline(ctx context.Context, userID, connID string) (bool, error) {
	n, err := clearIfOwner.Run(ctx, s.client, []string{KeyPrefix + userID}, connID).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Online reports, for each of userIDs, whether it has a presence entry.
func (s *Store) Online(ctx context.Context, userIDs ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, KeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	for i, id := range userIDs {
		out[id] = cmds[i].Val() > 0
	}
	return out, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
