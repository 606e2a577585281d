// Package testutil holds the fakes and the sqlite-backed environment
// shared by the command module tests.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("client closed")

// Client records every frame sent to it as a JSON string.
type Client struct {
	mu     sync.RWMutex
	socket string
	world  string
	user   *types.User
	frames []string
	closed bool
}

func NewClient(socket, world string) *Client {
	return &Client{socket: socket, world: world}
}

func (c *Client) SocketID() string { return c.socket }
func (c *Client) WorldID() string  { return c.world }

func (c *Client) UserID() string {
	if u := c.User(); u != nil {
		return u.ID
	}
	return ""
}

func (c *Client) User() *types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Client) SetUser(u *types.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = u
}

func (c *Client) Send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.frames = append(c.frames, string(data))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Client) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Frames returns a copy of the recorded frames.
func (c *Client) Frames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.frames...)
}

// Last returns the most recent frame or "".
func (c *Client) Last() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.frames) == 0 {
		return ""
	}
	return c.frames[len(c.frames)-1]
}

// Reset forgets the recorded frames.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// Named returns the recorded frames whose first element is name.
func (c *Client) Named(name string) []string {
	prefix := `["` + name + `"`
	var out []string
	for _, f := range c.Frames() {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	return out
}

// WaitFor waits until n frames named name have arrived and returns them.
// Pushes go through the hub loop, so they land asynchronously.
func (c *Client) WaitFor(t *testing.T, name string, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		frames := c.Named(name)
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: expected %d %q frames, got %d: %v", c.socket, n, name, len(frames), c.Frames())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reply returns the success or error frame answering request id.
func (c *Client) Reply(t *testing.T, id int) string {
	t.Helper()
	success := fmt.Sprintf(`["success",%d,`, id)
	failure := fmt.Sprintf(`["error",%d,`, id)
	for _, f := range c.Frames() {
		if strings.HasPrefix(f, success) || strings.HasPrefix(f, failure) {
			return f
		}
	}
	t.Fatalf("%s: no reply to request %d in %v", c.socket, id, c.Frames())
	return ""
}

// Payload decodes element i of a recorded frame into v.
func Payload(t *testing.T, frame string, i int, v any) {
	t.Helper()
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(frame), &parts); err != nil {
		t.Fatalf("Frame %s is not a JSON array: %v", frame, err)
	}
	if i >= len(parts) {
		t.Fatalf("Frame %s has no element %d", frame, i)
	}
	if err := json.Unmarshal(parts[i], v); err != nil {
		t.Fatalf("Failed to decode element %d of %s: %v", i, frame, err)
	}
}

// Sessions is an interfaces.Sessions over test clients.
type Sessions struct {
	mu      sync.RWMutex
	clients []*Client
}

func NewSessions() *Sessions {
	return &Sessions{}
}

func (s *Sessions) Add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

func (s *Sessions) Remove(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.clients {
		if other == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

func (s *Sessions) UserConnections(worldID, userID string) []interfaces.Recipient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []interfaces.Recipient
	for _, c := range s.clients {
		if c.WorldID() == worldID && c.UserID() == userID {
			out = append(out, c)
		}
	}
	return out
}
