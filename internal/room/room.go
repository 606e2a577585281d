// Package room implements room presence: entering a room subscribes the
// socket to the room's question and poll updates and is counted towards
// the room's audience.
package room

import (
	"context"
	"log/slog"

	"liveroom/internal/authz"
	"liveroom/internal/hub"
	"liveroom/internal/membership"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Module handles room.enter and room.leave.
type Module struct {
	gate     *authz.Gate
	hub      *hub.Hub
	presence *membership.Tracker
	logger   *slog.Logger
}

// NewModule creates the room module. presence must not be shared with
// the chat module.
func NewModule(gate *authz.Gate, h *hub.Hub, presence *membership.Tracker, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		gate:     gate,
		hub:      h,
		presence: presence,
		logger:   logger.With("component", "room"),
	}
}

func (m *Module) Register(r *router.Router) {
	r.Handle("room.enter", m.enter)
	r.Handle("room.leave", m.leave)
}

// UserCount returns the number of distinct users in a room.
func (m *Module) UserCount(roomID string) int {
	return m.presence.UserCount(roomID)
}

type roomBody struct {
	Room string `json:"room"`
}

func roomGroups(roomID string) []string {
	return []string{hub.QuestionGroup(roomID), hub.PollGroup(roomID)}
}

func (m *Module) enter(ctx context.Context, req *router.Request) (any, error) {
	var body roomBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	room, ok := req.World.Room(body.Room)
	if !ok {
		return nil, protocol.ErrUnknownRoom
	}
	if !m.gate.HasPermission(req.World.World, room, req.User(), types.PermRoomView) {
		return nil, protocol.ErrDenied
	}

	client := req.Client
	for _, group := range append(roomGroups(room.ID), hub.WorldGroup(client.WorldID())) {
		if err := m.hub.Join(group, client); err != nil {
			return nil, err
		}
	}
	_, first := m.presence.Subscribe(client.SocketID(), client.UserID(), room.ID)

	req.Reply(nil)
	if first {
		m.announce(ctx, client.WorldID(), room.ID)
	}
	return nil, nil
}

func (m *Module) leave(ctx context.Context, req *router.Request) (any, error) {
	var body roomBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if body.Room == "" {
		return nil, protocol.ErrUnknownRoom
	}

	client := req.Client
	for _, group := range roomGroups(body.Room) {
		m.hub.Leave(group, client.SocketID())
	}
	_, last, ok := m.presence.Unsubscribe(client.SocketID(), body.Room)

	req.Reply(nil)
	if ok && last {
		m.announce(ctx, client.WorldID(), body.Room)
	}
	return nil, nil
}

// Disconnect removes the socket from every room it entered.
func (m *Module) Disconnect(ctx context.Context, client router.Client) {
	for _, d := range m.presence.Drop(client.SocketID()) {
		for _, group := range roomGroups(d.Channel) {
			m.hub.Leave(group, client.SocketID())
		}
		if d.Last {
			m.announce(ctx, client.WorldID(), d.Channel)
		}
	}
	m.hub.Leave(hub.WorldGroup(client.WorldID()), client.SocketID())
}

func (m *Module) announce(ctx context.Context, worldID, roomID string) {
	frame := protocol.Push("world.user_count_change", map[string]any{
		"room":  roomID,
		"users": m.presence.UserCount(roomID),
	})
	render := func(r interfaces.Recipient) (any, bool) {
		return frame, r.User() != nil
	}
	env := &hub.Envelope{Group: hub.WorldGroup(worldID), Render: render}
	if err := m.hub.Publish(context.WithoutCancel(ctx), env); err != nil {
		m.logger.Error("failed to publish user count", "room", roomID, "error", err)
	}
}
