// Package notify keeps, per channel, the users waiting for an unread
// notification. A queued user is notified once, on the next message.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier is the set of users to notify on a channel's next message.
type Notifier interface {
	Queue(ctx context.Context, channelID, userID string) error
	// Discard removes a queued user.
	Discard(ctx context.Context, channelID, userID string) error
	// Drain returns and clears the queued users of a channel.
	Drain(ctx context.Context, channelID string) ([]string, error)
}

// Memory is an in-process Notifier.
type Memory struct {
	mu      sync.Mutex
	pending map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{pending: make(map[string]map[string]struct{})}
}

func (m *Memory) Queue(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	users, ok := m.pending[channelID]
	if !ok {
		users = make(map[string]struct{})
		m.pending[channelID] = users
	}
	users[userID] = struct{}{}
	return nil
}

func (m *Memory) Discard(ctx context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if users, ok := m.pending[channelID]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(m.pending, channelID)
		}
	}
	return nil
}

func (m *Memory) Drain(ctx context.Context, channelID string) ([]string, error) {
	m.mu.Lock()
	users := m.pending[channelID]
	delete(m.pending, channelID)
	m.mu.Unlock()

	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Redis keeps the sets in redis so every server process shares them.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(channelID string) string {
	return r.prefix + ":chat:unread.notify:" + channelID
}

func (r *Redis) Queue(ctx context.Context, channelID, userID string) error {
	if err := r.client.SAdd(ctx, r.key(channelID), userID).Err(); err != nil {
		return fmt.Errorf("failed to queue notification: %w", err)
	}
	return nil
}

func (r *Redis) Discard(ctx context.Context, channelID, userID string) error {
	if err := r.client.SRem(ctx, r.key(channelID), userID).Err(); err != nil {
		return fmt.Errorf("failed to discard notification: %w", err)
	}
	return nil
}

func (r *Redis) Drain(ctx context.Context, channelID string) ([]string, error) {
	var members *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, r.key(channelID))
		pipe.Del(ctx, r.key(channelID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain notifications: %w", err)
	}
	out := members.Val()
	sort.Strings(out)
	return out, nil
}
