package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to the Redis named by DM_TEST_REDIS_ADDR
// (default localhost:6379) and removes leftover test keys.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	addr := os.Getenv("DM_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 2 * time.Second}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "sender_a", testRule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d denied, expected allowed", i+1)
		}
	}

	ok, err := l.Allow(ctx, "sender_a", testRule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected request past the limit to be denied")
	}
}

func TestAllow_PerIdentifier(t *testing.T) {
	l := newTestLimiter(t).For(testRule)
	ctx := context.Background()

	for i := 0; i < testRule.Limit+1; i++ {
		_, _ = l.Allow(ctx, "sender_b")
	}

	ok, err := l.Allow(ctx, "sender_c")
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Fatal("a throttled sender must not affect another sender")
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Second}

	if ok, _ := l.Allow(ctx, "sender_d", rule); !ok {
		t.Fatal("first request denied")
	}
	if ok, _ := l.Allow(ctx, "sender_d", rule); ok {
		t.Fatal("second request allowed within the window")
	}

	time.Sleep(1100 * time.Millisecond)

	if ok, _ := l.Allow(ctx, "sender_d", rule); !ok {
		t.Fatal("request denied after the window expired")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "sender_e", testRule)
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if !ok {
		t.Fatal("expected the limiter to fail open")
	}
}

func TestAllow_ZeroLimitDisables(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "anyone", Rule{Key: "rl:test:"})
	if err != nil || !ok {
		t.Fatalf("expected a disabled rule to allow, got ok=%v err=%v", ok, err)
	}
}
