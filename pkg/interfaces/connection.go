package interfaces

import "liveroom/pkg/types"

// Recipient is a connection as seen by the fan-out layer. User returns nil
// before authentication. Send must be safe for concurrent use and must not
// block on the network.
type Recipient interface {
	SocketID() string
	WorldID() string
	UserID() string
	User() *types.User
	Send(frame any) error
	Close() error
}

// Sessions finds the live connections of a user.
type Sessions interface {
	UserConnections(worldID, userID string) []Recipient
}
