// Package user implements profile, block list and moderation commands.
package user

import (
	"context"
	"errors"
	"log/slog"

	"liveroom/internal/authz"
	"liveroom/internal/hub"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/internal/users"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

var (
	errNotFound = protocol.NewError(protocol.CodeUserNotFound, "")
	errInvalid  = protocol.NewError(protocol.CodeUserInvalid, "")
)

// Module handles the user.* commands.
type Module struct {
	users    *users.Directory
	gate     *authz.Gate
	hub      *hub.Hub
	sessions interfaces.Sessions
	logger   *slog.Logger
}

func NewModule(dir *users.Directory, gate *authz.Gate, h *hub.Hub, sessions interfaces.Sessions, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		users:    dir,
		gate:     gate,
		hub:      h,
		sessions: sessions,
		logger:   logger.With("component", "user"),
	}
}

func (m *Module) Register(r *router.Router) {
	r.Handle("user.update", m.update)
	r.Handle("user.fetch", m.fetch)
	r.Handle("user.block", m.block)
	r.Handle("user.unblock", m.unblock)
	r.Handle("user.list.blocked", m.listBlocked)
	r.Handle("user.ban", m.moderate(types.ModerationBanned))
	r.Handle("user.silence", m.moderate(types.ModerationSilenced))
	r.Handle("user.reactivate", m.moderate(types.ModerationNone))
}

// Disconnect drops the cached user once its last socket closes.
func (m *Module) Disconnect(ctx context.Context, c router.Client) {
	for _, r := range m.sessions.UserConnections(c.WorldID(), c.UserID()) {
		if r.SocketID() != c.SocketID() {
			return
		}
	}
	m.users.Forget(c.WorldID(), c.UserID())
}

type idBody struct {
	ID  string   `json:"id"`
	IDs []string `json:"ids"`
}

func mapError(err error) error {
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		return errNotFound
	case errors.Is(err, users.ErrSelfBlock),
		errors.Is(err, types.ErrProfileTooLarge),
		errors.Is(err, types.ErrInvalidDisplayName):
		return errInvalid
	}
	return err
}

func (m *Module) update(ctx context.Context, req *router.Request) (any, error) {
	var body struct {
		Profile map[string]any `json:"profile"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	updated, err := m.users.UpdateProfile(ctx, req.User(), body.Profile)
	if err != nil {
		return nil, mapError(err)
	}

	req.Client.SetUser(updated)
	recipients := m.refresh(updated, req.Client.SocketID())
	req.Reply(nil)

	if len(recipients) > 0 {
		env := &hub.Envelope{
			Group:      "user:" + updated.ID,
			Frame:      protocol.Push("user.updated", updated),
			Skip:       req.Client.SocketID(),
			Recipients: recipients,
		}
		if err := m.hub.Publish(context.WithoutCancel(ctx), env); err != nil {
			m.logger.Error("failed to push profile update", "user", updated.ID, "error", err)
		}
	}
	return nil, nil
}

// refresh replaces the user on every socket of u except skip and returns
// those sockets.
func (m *Module) refresh(u *types.User, skip string) []interfaces.Recipient {
	var out []interfaces.Recipient
	for _, r := range m.sessions.UserConnections(u.WorldID, u.ID) {
		if r.SocketID() == skip {
			continue
		}
		if c, ok := r.(router.Client); ok {
			c.SetUser(u)
		}
		out = append(out, r)
	}
	return out
}

func (m *Module) fetch(ctx context.Context, req *router.Request) (any, error) {
	var body idBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	worldID := req.World.World.ID
	full := m.gate.HasPermission(req.World.World, nil, req.User(), types.PermWorldUsersManage)
	view := func(u *types.User) any {
		if full {
			return u
		}
		return u.Public()
	}

	if body.IDs != nil {
		found, err := m.users.GetMany(ctx, worldID, body.IDs)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(found))
		for id, u := range found {
			out[id] = view(u)
		}
		return out, nil
	}

	if body.ID == "" {
		return nil, errNotFound
	}
	u, err := m.users.Get(ctx, worldID, body.ID)
	if err != nil {
		return nil, mapError(err)
	}
	return view(u), nil
}

func (m *Module) block(ctx context.Context, req *router.Request) (any, error) {
	var body idBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if err := m.users.Block(ctx, req.World.World.ID, req.Client.UserID(), body.ID); err != nil {
		return nil, mapError(err)
	}
	return nil, nil
}

func (m *Module) unblock(ctx context.Context, req *router.Request) (any, error) {
	var body idBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	if err := m.users.Unblock(ctx, req.World.World.ID, req.Client.UserID(), body.ID); err != nil {
		return nil, mapError(err)
	}
	return nil, nil
}

func (m *Module) listBlocked(ctx context.Context, req *router.Request) (any, error) {
	blocked, err := m.users.Blocked(ctx, req.World.World.ID, req.Client.UserID())
	if err != nil {
		return nil, err
	}
	out := make([]types.PublicUser, 0, len(blocked))
	for _, u := range blocked {
		out = append(out, u.Public())
	}
	return map[string]any{"users": out}, nil
}

// moderate returns the handler setting a moderation state. The target's
// sockets are told to reload and closed so they reconnect with the new
// permissions.
func (m *Module) moderate(state string) router.Handler {
	return func(ctx context.Context, req *router.Request) (any, error) {
		var body idBody
		if err := req.Decode(&body); err != nil {
			return nil, err
		}
		world := req.World.World
		if !m.gate.HasPermission(world, nil, req.User(), types.PermWorldUsersManage) {
			return nil, protocol.ErrDenied
		}
		if body.ID == "" {
			return nil, errNotFound
		}
		if body.ID == req.Client.UserID() {
			return nil, errInvalid
		}

		updated, err := m.users.SetModeration(ctx, world.ID, body.ID, state)
		if err != nil {
			return nil, mapError(err)
		}
		req.Reply(nil)

		reload := protocol.Push("connection.reload", nil)
		for _, r := range m.refresh(updated, "") {
			if err := r.Send(reload); err != nil {
				m.logger.Debug("reload push failed", "socket", r.SocketID(), "error", err)
			}
			_ = r.Close()
		}
		m.logger.Info("user moderated", "world", world.ID, "user", updated.ID, "state", state, "by", req.Client.UserID())
		return nil, nil
	}
}
