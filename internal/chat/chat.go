// Package chat implements channel membership, messaging and direct
// messages on top of the event sequencer and the fan-out hub.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"liveroom/internal/authz"
	"liveroom/internal/directory"
	"liveroom/internal/eventlog"
	"liveroom/internal/hub"
	"liveroom/internal/membership"
	"liveroom/internal/notify"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/internal/users"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Deps are the collaborators of the chat module.
type Deps struct {
	Directory *directory.Directory
	Gate      *authz.Gate
	Users     *users.Directory
	Store     interfaces.ChatStore
	Lanes     *eventlog.Lanes
	Hub       *hub.Hub
	Tracker   *membership.Tracker
	Notifier  notify.Notifier
	Sessions  interfaces.Sessions
	Logger    *slog.Logger
}

// Module handles the chat.* commands.
type Module struct {
	dir      *directory.Directory
	gate     *authz.Gate
	users    *users.Directory
	store    interfaces.ChatStore
	seq      *eventlog.Sequencer
	hub      *hub.Hub
	tracker  *membership.Tracker
	notifier notify.Notifier
	sessions interfaces.Sessions
	logger   *slog.Logger
}

func NewModule(d Deps) *Module {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewMemory()
	}
	m := &Module{
		dir:      d.Directory,
		gate:     d.Gate,
		users:    d.Users,
		store:    d.Store,
		hub:      d.Hub,
		tracker:  d.Tracker,
		notifier: d.Notifier,
		sessions: d.Sessions,
		logger:   d.Logger.With("component", "chat"),
	}
	m.seq = eventlog.NewSequencer(d.Store, d.Lanes, m.publish, d.Logger)
	return m
}

func (m *Module) Register(r *router.Router) {
	r.Handle("chat.subscribe", m.subscribe)
	r.Handle("chat.join", m.join)
	r.Handle("chat.leave", m.leave)
	r.Handle("chat.unsubscribe", m.unsubscribe)
	r.Handle("chat.send", m.send)
	r.Handle("chat.fetch", m.fetch)
	r.Handle("chat.mark_read", m.markRead)
	r.Handle("chat.direct.create", m.directCreate)
}

// Sequencer exposes the channel sequencer for stats.
func (m *Module) Sequencer() *eventlog.Sequencer { return m.seq }

// target is a resolved channel for one command.
type target struct {
	world      *directory.Snapshot
	channel    *types.Channel
	room       *types.Room
	module     *types.Module
	membership *types.Membership
}

// volatile is the room's configured membership mode.
func (t *target) volatile() bool {
	return t.room != nil && t.module.Bool("volatile", false)
}

type targetKey struct{}

func withTarget(ctx context.Context, t *target) context.Context {
	return context.WithValue(ctx, targetKey{}, t)
}

// requirement says when a command needs a durable membership.
type requirement int

const (
	memberNever requirement = iota
	memberDirect
	memberAlways
)

// resolve looks up the channel named by a command and enforces the room
// module, the room permission and the membership requirement.
func (m *Module) resolve(ctx context.Context, req *router.Request, channelID string, perm types.Permission, need requirement) (*target, error) {
	if channelID == "" {
		return nil, protocol.ErrUnknownChannel
	}
	t, err := m.lookup(ctx, req.World, channelID)
	if err != nil {
		return nil, err
	}
	user := req.User()

	if t.room != nil && perm != "" && !m.gate.HasPermission(req.World.World, t.room, user, perm) {
		return nil, protocol.ErrDenied
	}

	if need == memberAlways || (need == memberDirect && t.room == nil) {
		ms, err := m.store.GetMembership(ctx, channelID, user.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, protocol.ErrChatDenied
		}
		if err != nil {
			return nil, err
		}
		t.membership = ms
	}
	return t, nil
}

func (m *Module) lookup(ctx context.Context, snapshot *directory.Snapshot, channelID string) (*target, error) {
	channel, room, err := m.dir.Channel(ctx, snapshot, channelID)
	if errors.Is(err, directory.ErrUnknownChannel) {
		return nil, protocol.ErrUnknownRoom
	}
	if err != nil {
		return nil, err
	}

	t := &target{world: snapshot, channel: channel, room: room}
	if room != nil {
		module, ok := room.Module(types.ModuleChatNative)
		if !ok {
			return nil, protocol.ErrMissingModule
		}
		t.module = module
	}
	return t, nil
}

// publish fans a persisted event out to the channel group. It runs on the
// channel lane, so events reach the hub in id order.
func (m *Module) publish(ctx context.Context, event *types.Event) {
	t, _ := ctx.Value(targetKey{}).(*target)
	if t == nil {
		m.logger.Error("event published without channel scope", "channel", event.Channel, "event_id", event.EventID)
		return
	}
	ctx = context.WithoutCancel(ctx)

	var related map[string]bool
	if t.room == nil && event.EventType == types.EventTypeMessage {
		var err error
		related, err = m.users.BlockRelations(ctx, t.world.World.ID, event.Sender)
		if err != nil {
			m.logger.Error("failed to load block relations", "user", event.Sender, "error", err)
		}
	}

	frame := protocol.Push("chat.event", event)
	render := func(r interfaces.Recipient) (any, bool) {
		u := r.User()
		if u == nil || related[u.ID] {
			return nil, false
		}
		if t.room != nil && !m.gate.HasPermission(t.world.World, t.room, u, types.PermRoomChatRead) {
			return nil, false
		}
		return frame, true
	}

	if err := m.hub.Publish(ctx, &hub.Envelope{Group: hub.ChatGroup(event.Channel), Render: render}); err != nil {
		m.logger.Error("failed to publish event", "channel", event.Channel, "event_id", event.EventID, "error", err)
	}
}

// pushToUser queues frame for every socket of a user, behind any fan-out
// already queued.
func (m *Module) pushToUser(ctx context.Context, worldID, userID string, frame any, skip string) {
	recipients := m.sessions.UserConnections(worldID, userID)
	if len(recipients) == 0 {
		return
	}
	env := &hub.Envelope{Group: "user:" + userID, Frame: frame, Skip: skip, Recipients: recipients}
	if err := m.hub.Publish(context.WithoutCancel(ctx), env); err != nil {
		m.logger.Error("failed to push to user", "user", userID, "error", err)
	}
}

func memberDraft(membership string, user *types.User) (eventlog.Draft, error) {
	content, err := json.Marshal(map[string]any{
		"membership": membership,
		"user":       user.Public(),
	})
	if err != nil {
		return eventlog.Draft{}, err
	}
	return eventlog.Draft{EventType: types.EventTypeMember, Sender: user.ID, Content: content}, nil
}
