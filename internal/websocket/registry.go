package websocket

import (
	"sync"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Registry indexes live connections by socket id and by user. A user may
// hold any number of sockets.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*Connection
	users   map[string]map[string]*Connection // world/user -> socket id -> conn
}

var _ interfaces.Sessions = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		sockets: make(map[string]*Connection),
		users:   make(map[string]map[string]*Connection),
	}
}

func userKey(worldID, userID string) string {
	return worldID + "/" + userID
}

// RegisterConnection adds a connection. Its user, if already set, is
// indexed; later SetUser calls keep the index current.
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	if _, exists := r.sockets[conn.id]; exists {
		r.mu.Unlock()
		return ErrDuplicateConnection
	}
	r.sockets[conn.id] = conn
	r.mu.Unlock()

	conn.registry = r
	if u := conn.User(); u != nil {
		r.identify(conn, nil, u)
	}
	return nil
}

// UnregisterConnection removes a connection. It is idempotent.
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.sockets[conn.id]; !exists || registered != conn {
		return
	}
	delete(r.sockets, conn.id)
	if u := conn.User(); u != nil {
		r.unindexLocked(conn, u)
	}
}

func (r *Registry) identify(conn *Connection, old, user *types.User) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sockets[conn.id]; !exists {
		return
	}
	if old != nil {
		r.unindexLocked(conn, old)
	}
	if user == nil {
		return
	}
	key := userKey(conn.worldID, user.ID)
	conns, ok := r.users[key]
	if !ok {
		conns = make(map[string]*Connection)
		r.users[key] = conns
	}
	conns[conn.id] = conn
}

func (r *Registry) unindexLocked(conn *Connection, user *types.User) {
	key := userKey(conn.worldID, user.ID)
	if conns, ok := r.users[key]; ok {
		delete(conns, conn.id)
		if len(conns) == 0 {
			delete(r.users, key)
		}
	}
}

// GetConnection returns a connection by socket id.
func (r *Registry) GetConnection(socketID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.sockets[socketID]
	return conn, ok
}

// UserConnections returns every live socket of a user.
func (r *Registry) UserConnections(worldID, userID string) []interfaces.Recipient {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userKey(worldID, userID)]
	out := make([]interfaces.Recipient, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// WorldConnections returns every live socket of a world.
func (r *Registry) WorldConnections(worldID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for _, c := range r.sockets {
		if c.worldID == worldID {
			out = append(out, c)
		}
	}
	return out
}

// GetStats returns registry statistics.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	worlds := make(map[string]struct{})
	for _, c := range r.sockets {
		worlds[c.worldID] = struct{}{}
	}
	return map[string]int{
		"total_connections": len(r.sockets),
		"online_users":      len(r.users),
		"active_worlds":     len(worlds),
	}
}
