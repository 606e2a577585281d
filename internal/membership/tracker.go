// Package membership tracks which live sockets are subscribed to which
// channels. Sockets and channels live in their own tables; the link table
// holds (socket, channel) pairs.
package membership

import (
	"sort"
	"sync"
)

type link struct {
	socket  string
	channel string
}

type socketEntry struct {
	user     string
	channels map[string]struct{}
}

type channelEntry struct {
	sockets map[string]struct{}
	users   map[string]int
}

// Departure describes one link removed by Drop.
type Departure struct {
	Channel string
	User    string
	// Last is true when the user has no other socket on the channel.
	Last bool
}

// Tracker is safe for concurrent use. It does no I/O under its lock.
type Tracker struct {
	mu       sync.RWMutex
	sockets  map[string]*socketEntry
	channels map[string]*channelEntry
	links    map[link]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{
		sockets:  make(map[string]*socketEntry),
		channels: make(map[string]*channelEntry),
		links:    make(map[link]struct{}),
	}
}

// Subscribe links a socket of user to channel. added is false when the
// link already existed; first is true when this is the user's first socket
// on the channel.
func (t *Tracker) Subscribe(socketID, userID, channelID string) (added, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := link{socketID, channelID}
	if _, ok := t.links[key]; ok {
		return false, false
	}

	s, ok := t.sockets[socketID]
	if !ok {
		s = &socketEntry{user: userID, channels: make(map[string]struct{})}
		t.sockets[socketID] = s
	}
	c, ok := t.channels[channelID]
	if !ok {
		c = &channelEntry{sockets: make(map[string]struct{}), users: make(map[string]int)}
		t.channels[channelID] = c
	}

	t.links[key] = struct{}{}
	s.channels[channelID] = struct{}{}
	c.sockets[socketID] = struct{}{}
	c.users[s.user]++
	return true, c.users[s.user] == 1
}

// Unsubscribe removes the link. last is true when the user has no other
// socket on the channel; ok is false when there was no link.
func (t *Tracker) Unsubscribe(socketID, channelID string) (userID string, last, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unlinkLocked(socketID, channelID)
}

func (t *Tracker) unlinkLocked(socketID, channelID string) (string, bool, bool) {
	key := link{socketID, channelID}
	if _, ok := t.links[key]; !ok {
		return "", false, false
	}
	delete(t.links, key)

	s := t.sockets[socketID]
	user := s.user
	delete(s.channels, channelID)
	if len(s.channels) == 0 {
		delete(t.sockets, socketID)
	}

	c := t.channels[channelID]
	delete(c.sockets, socketID)
	c.users[user]--
	last := c.users[user] == 0
	if last {
		delete(c.users, user)
	}
	if len(c.sockets) == 0 {
		delete(t.channels, channelID)
	}
	return user, last, true
}

// Drop removes every link of a socket.
func (t *Tracker) Drop(socketID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sockets[socketID]
	if !ok {
		return nil
	}
	channels := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	out := make([]Departure, 0, len(channels))
	for _, ch := range channels {
		user, last, _ := t.unlinkLocked(socketID, ch)
		out = append(out, Departure{Channel: ch, User: user, Last: last})
	}
	return out
}

// IsSubscribed reports whether the socket is linked to the channel.
func (t *Tracker) IsSubscribed(socketID, channelID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.links[link{socketID, channelID}]
	return ok
}

// UserSockets returns how many sockets of user are linked to channel.
func (t *Tracker) UserSockets(channelID, userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.channels[channelID]; ok {
		return c.users[userID]
	}
	return 0
}

// Channels returns the channels a socket is linked to, sorted.
func (t *Tracker) Channels(socketID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sockets[socketID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Users returns the distinct users present on channel, sorted.
func (t *Tracker) Users(channelID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.users))
	for u := range c.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// UserCount returns the number of distinct users present on channel.
func (t *Tracker) UserCount(channelID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.channels[channelID]; ok {
		return len(c.users)
	}
	return 0
}

// Stats reports table sizes.
func (t *Tracker) Stats() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return map[string]int{
		"sockets":  len(t.sockets),
		"channels": len(t.channels),
		"links":    len(t.links),
	}
}
