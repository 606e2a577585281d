package router

import (
	"sync/atomic"

	"liveroom/internal/directory"
	"liveroom/internal/protocol"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Client is a connection whose identity the router may set.
type Client interface {
	interfaces.Recipient
	SetUser(user *types.User)
}

// Request is one client command being handled.
type Request struct {
	Client Client
	World  *directory.Snapshot
	Frame  *protocol.Frame

	replied atomic.Bool
}

func (r *Request) Command() string   { return r.Frame.Command }
func (r *Request) User() *types.User { return r.Client.User() }

// Decode unmarshals the payload into v.
func (r *Request) Decode(v any) error {
	return r.Frame.Decode(v)
}

// Reply sends the success frame now instead of after the handler returns.
// Events published later in the same command reach the client after it.
func (r *Request) Reply(payload any) {
	r.Respond(protocol.Success(r.Frame.ID, payload))
}

// Respond sends frame as the command's single response.
func (r *Request) Respond(frame any) {
	if r.replied.CompareAndSwap(false, true) {
		_ = r.Client.Send(frame)
	}
}

// Replied reports whether a response was sent.
func (r *Request) Replied() bool {
	return r.replied.Load()
}

// RoomModule returns a room of the request's world and its module of
// moduleType.
func (r *Request) RoomModule(roomID, moduleType string) (*types.Room, *types.Module, error) {
	room, ok := r.World.Room(roomID)
	if !ok {
		return nil, nil, protocol.ErrUnknownRoom
	}
	module, ok := room.Module(moduleType)
	if !ok {
		return nil, nil, protocol.ErrMissingModule
	}
	return room, module, nil
}
