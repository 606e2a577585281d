// Package hub keeps named recipient groups and delivers published frames
// to their members from a single loop, in publish order.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"liveroom/pkg/interfaces"
)

// Group names.
func ChatGroup(channelID string) string  { return "chat:" + channelID }
func QuestionGroup(roomID string) string { return "question:" + roomID }
func PollGroup(roomID string) string     { return "poll:" + roomID }
func WorldGroup(worldID string) string   { return "world:" + worldID }

// RenderFunc builds the frame for one recipient. Returning false skips the
// recipient.
type RenderFunc func(r interfaces.Recipient) (any, bool)

// Envelope is one fan-out request. Render, when set, replaces Frame per
// recipient. Skip names a socket that must not receive the frame.
// Recipients, when set, replaces the group lookup; the frame then goes
// through the same queue as group traffic. Group members are resolved
// when the envelope is published.
type Envelope struct {
	Group      string
	Frame      any
	Render     RenderFunc
	Skip       string
	Recipients []interfaces.Recipient
}

// Hub owns the group table and the delivery loop.
type Hub struct {
	mu       sync.RWMutex
	groups   map[string]map[string]interfaces.Recipient
	sockets  map[string]map[string]struct{}
	queue    chan *Envelope
	shutdown chan struct{}
	done     chan struct{}
	running  bool
	timeout  time.Duration
	logger   *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewHub creates a hub with a queue of queueSize envelopes. Publish waits
// up to timeout for queue space.
func NewHub(queueSize int, timeout time.Duration, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups:  make(map[string]map[string]interfaces.Recipient),
		sockets: make(map[string]map[string]struct{}),
		queue:   make(chan *Envelope, queueSize),
		timeout: timeout,
		logger:  logger.With("component", "hub"),
	}
}

// Start begins the delivery loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting fan-out hub")
	go h.run(ctx, h.shutdown, h.done)
	return nil
}

// Stop ends the delivery loop after draining queued envelopes.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("fan-out hub stopped")
	return nil
}

// Join adds r to group. Joining twice is a no-op.
func (h *Hub) Join(group string, r interfaces.Recipient) error {
	if group == "" {
		return ErrEmptyGroup
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[group]
	if !ok {
		members = make(map[string]interfaces.Recipient)
		h.groups[group] = members
	}
	members[r.SocketID()] = r

	joined, ok := h.sockets[r.SocketID()]
	if !ok {
		joined = make(map[string]struct{})
		h.sockets[r.SocketID()] = joined
	}
	joined[group] = struct{}{}
	return nil
}

// Leave removes the socket from group.
func (h *Hub) Leave(group, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(group, socketID)
}

func (h *Hub) leaveLocked(group, socketID string) {
	if members, ok := h.groups[group]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if joined, ok := h.sockets[socketID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(h.sockets, socketID)
		}
	}
}

// LeaveAll removes the socket from every group and returns the groups it
// was in.
func (h *Hub) LeaveAll(socketID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var left []string
	for group := range h.sockets[socketID] {
		left = append(left, group)
	}
	for _, group := range left {
		h.leaveLocked(group, socketID)
	}
	return left
}

// Members returns a copy of the group's recipients.
func (h *Hub) Members(group string) []interfaces.Recipient {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := h.groups[group]
	out := make([]interfaces.Recipient, 0, len(members))
	for _, r := range members {
		out = append(out, r)
	}
	return out
}

// InGroup reports whether the socket is a member of group.
func (h *Hub) InGroup(group, socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[group][socketID]
	return ok
}

// Publish queues an envelope. Envelopes are delivered in the order they
// were queued, to the group members at the time of the call.
func (h *Hub) Publish(ctx context.Context, env *Envelope) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}
	if env.Recipients == nil {
		resolved := *env
		resolved.Recipients = h.Members(env.Group)
		env = &resolved
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case h.queue <- env:
		h.published.Add(1)
		return nil
	case <-timer.C:
		h.logger.Error("fan-out queue full, dropping envelope", "group", env.Group)
		return ErrPublishTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case env := <-h.queue:
			h.deliver(env)
		case <-shutdown:
			h.drain()
			return
		case <-ctx.Done():
			h.drain()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		select {
		case env := <-h.queue:
			h.deliver(env)
		default:
			return
		}
	}
}

func (h *Hub) deliver(env *Envelope) {
	for _, r := range env.Recipients {
		if r.SocketID() == env.Skip {
			continue
		}
		frame := env.Frame
		if env.Render != nil {
			var ok bool
			if frame, ok = env.Render(r); !ok {
				continue
			}
		}
		if err := r.Send(frame); err != nil {
			h.failed.Add(1)
			h.logger.Debug("delivery failed", "group", env.Group, "socket", r.SocketID(), "error", err)
			continue
		}
		h.delivered.Add(1)
	}
}

// Stats reports group and delivery counters.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	groups := len(h.groups)
	sockets := len(h.sockets)
	h.mu.RUnlock()

	return map[string]any{
		"groups":    groups,
		"sockets":   sockets,
		"queued":    len(h.queue),
		"published": h.published.Load(),
		"delivered": h.delivered.Load(),
		"failed":    h.failed.Load(),
	}
}
