package notify

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func exercise(t *testing.T, n Notifier, channel string) {
	t.Helper()
	ctx := context.Background()

	for _, u := range []string{"u2", "u1", "u2"} {
		if err := n.Queue(ctx, channel, u); err != nil {
			t.Fatalf("Queue() error = %v", err)
		}
	}

	users, err := n.Drain(ctx, channel)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(users) != 2 || users[0] != "u1" || users[1] != "u2" {
		t.Errorf("Expected [u1 u2], got %v", users)
	}

	users, err = n.Drain(ctx, channel)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(users) != 0 {
		t.Errorf("Expected users to be notified once, got %v", users)
	}

	_ = n.Queue(ctx, channel, "u1")
	_ = n.Queue(ctx, channel, "u3")
	if err := n.Discard(ctx, channel, "u1"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if err := n.Discard(ctx, channel, "missing"); err != nil {
		t.Fatalf("Discard() of a missing user error = %v", err)
	}
	users, err = n.Drain(ctx, channel)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(users) != 1 || users[0] != "u3" {
		t.Errorf("Expected [u3] after discard, got %v", users)
	}
}

func TestMemory(t *testing.T) {
	exercise(t, NewMemory(), "c1")
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("LIVEROOM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVEROOM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = client.Close() }()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", addr, err)
	}

	exercise(t, NewRedis(client, "liveroom-test"), uuid.New().String())
}
