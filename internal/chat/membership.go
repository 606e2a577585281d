package chat

import (
	"context"
	"errors"
	"sort"

	"liveroom/internal/directory"
	"liveroom/internal/eventlog"
	"liveroom/internal/hub"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

var errMissingProfile = protocol.NewError(protocol.CodeJoinMissingProfile, "")

type channelBody struct {
	Channel  string `json:"channel"`
	Volatile *bool  `json:"volatile"`
}

func (m *Module) subscribe(ctx context.Context, req *router.Request) (any, error) {
	var body channelBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, types.PermRoomChatRead, memberDirect)
	if err != nil {
		return nil, err
	}
	return m.attach(ctx, req.Client, t)
}

func (m *Module) join(ctx context.Context, req *router.Request) (any, error) {
	var body channelBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, types.PermRoomChatJoin, memberNever)
	if err != nil {
		return nil, err
	}
	if t.room == nil {
		return nil, protocol.ErrUnknownRoom
	}
	user := req.User()
	if user.DisplayName() == "" {
		return nil, errMissingProfile
	}

	reply, err := m.attach(ctx, req.Client, t)
	if err != nil {
		return nil, err
	}

	volatile := t.volatile()
	if body.Volatile != nil && *body.Volatile != volatile &&
		m.gate.HasPermission(req.World.World, t.room, user, types.PermRoomChatModerate) {
		volatile = *body.Volatile
	}

	joined := false
	err = m.seq.Do(withTarget(ctx, t), t.channel.ID, func(ctx context.Context, b *eventlog.Batch) error {
		created, err := m.store.AddMembership(ctx, t.channel.ID, user.ID, volatile)
		if err != nil || !created {
			return err
		}
		joined = true
		draft, err := memberDraft("join", user)
		if err != nil {
			return err
		}
		_, err = b.Append(ctx, draft)
		return err
	})
	if err != nil {
		return nil, err
	}

	if joined {
		m.pushChannelList(ctx, req.World, user)
		if !volatile {
			m.queueUnread(ctx, t.channel.ID, user.ID)
		}
	}
	return reply, nil
}

func (m *Module) leave(ctx context.Context, req *router.Request) (any, error) {
	var body channelBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, "", memberNever)
	if err != nil {
		return nil, err
	}
	if t.room == nil {
		return nil, protocol.ErrUnknownRoom
	}
	user := req.User()

	m.detach(req.Client.SocketID(), t.channel.ID)
	if err := m.depart(ctx, t, user); err != nil {
		return nil, err
	}
	if err := m.notifier.Discard(ctx, t.channel.ID, user.ID); err != nil {
		m.logger.Warn("failed to discard unread notification", "channel", t.channel.ID, "error", err)
	}
	return nil, nil
}

func (m *Module) unsubscribe(ctx context.Context, req *router.Request) (any, error) {
	var body channelBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, "", memberNever)
	if err != nil {
		return nil, err
	}
	if err := m.release(ctx, t, req.Client.SocketID(), req.User()); err != nil {
		return nil, err
	}
	return nil, nil
}

// Disconnect releases every subscription of a closing socket. Volatile
// memberships end with the user's last socket.
func (m *Module) Disconnect(ctx context.Context, client router.Client) {
	user := client.User()
	departures := m.tracker.Drop(client.SocketID())
	for _, d := range departures {
		m.hub.Leave(hub.ChatGroup(d.Channel), client.SocketID())
	}
	if user == nil {
		return
	}

	var snapshot *directory.Snapshot
	for _, d := range departures {
		if !d.Last {
			continue
		}
		if snapshot == nil {
			var err error
			if snapshot, err = m.dir.World(ctx, client.WorldID()); err != nil {
				m.logger.Error("failed to load world on disconnect", "world", client.WorldID(), "error", err)
				return
			}
		}
		t, err := m.lookup(ctx, snapshot, d.Channel)
		if err != nil {
			continue
		}
		if err := m.leaveIfVolatile(ctx, t, user); err != nil {
			m.logger.Error("failed to end volatile membership", "channel", d.Channel, "user", user.ID, "error", err)
		}
	}
}

// attach subscribes the socket to the channel and returns the channel
// state reply.
func (m *Module) attach(ctx context.Context, client router.Client, t *target) (map[string]any, error) {
	user := client.User()
	m.tracker.Subscribe(client.SocketID(), user.ID, t.channel.ID)
	if err := m.hub.Join(hub.ChatGroup(t.channel.ID), client); err != nil {
		return nil, err
	}

	next, err := m.seq.NextEventID(ctx, t.channel.ID)
	if err != nil {
		return nil, err
	}
	pointer, err := m.store.MaxNonMemberEventID(ctx, t.channel.ID)
	if err != nil {
		return nil, err
	}
	members, err := m.members(ctx, t.world, t.channel.ID, user)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"state":                nil,
		"next_event_id":        next,
		"notification_pointer": pointer,
		"members":              members,
	}, nil
}

func (m *Module) detach(socketID, channelID string) (last, ok bool) {
	_, last, ok = m.tracker.Unsubscribe(socketID, channelID)
	m.hub.Leave(hub.ChatGroup(channelID), socketID)
	return last, ok
}

// release unsubscribes one socket and ends a volatile membership when it
// was the user's last socket on the channel.
func (m *Module) release(ctx context.Context, t *target, socketID string, user *types.User) error {
	last, ok := m.detach(socketID, t.channel.ID)
	if !ok || !last {
		return nil
	}
	return m.leaveIfVolatile(ctx, t, user)
}

func (m *Module) leaveIfVolatile(ctx context.Context, t *target, user *types.User) error {
	ms, err := m.store.GetMembership(ctx, t.channel.ID, user.ID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ms.Volatile {
		return nil
	}
	return m.depart(ctx, t, user)
}

// depart removes a durable membership and announces it.
func (m *Module) depart(ctx context.Context, t *target, user *types.User) error {
	left := false
	err := m.seq.Do(withTarget(ctx, t), t.channel.ID, func(ctx context.Context, b *eventlog.Batch) error {
		removed, err := m.store.RemoveMembership(ctx, t.channel.ID, user.ID)
		if err != nil || !removed {
			return err
		}
		left = true
		draft, err := memberDraft("leave", user)
		if err != nil {
			return err
		}
		_, err = b.Append(ctx, draft)
		return err
	})
	if err != nil {
		return err
	}
	if left {
		m.pushChannelList(ctx, t.world, user)
	}
	return nil
}

// members lists the durable members of a channel. Viewers allowed to
// manage users see the full records.
func (m *Module) members(ctx context.Context, snapshot *directory.Snapshot, channelID string, viewer *types.User) ([]any, error) {
	ids, err := m.store.ListMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	byID, err := m.users.GetMany(ctx, snapshot.World.ID, ids)
	if err != nil {
		return nil, err
	}
	admin := m.gate.HasPermission(snapshot.World, nil, viewer, types.PermWorldUsersManage)

	out := make([]any, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			continue
		}
		if admin {
			out = append(out, u)
		} else {
			out = append(out, u.Public())
		}
	}
	return out, nil
}

func (m *Module) directCreate(ctx context.Context, req *router.Request) (any, error) {
	var body struct {
		Users []string `json:"users"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	world := req.World.World
	user := req.User()
	if !m.gate.HasPermission(world, nil, user, types.PermWorldChatDirect) {
		return nil, protocol.ErrDenied
	}

	ids := participants(user.ID, body.Users)
	if len(ids) < 2 {
		return nil, protocol.ErrChatDenied
	}
	found, err := m.users.GetMany(ctx, world.ID, ids)
	if err != nil {
		return nil, err
	}
	if len(found) != len(ids) {
		return nil, protocol.ErrChatDenied
	}
	blocked, err := m.users.BlockedBetween(ctx, world.ID, user.ID, ids)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, protocol.ErrChatDenied
	}

	channel, created, err := m.store.GetOrCreateDirectChannel(ctx, world.ID, ids)
	if err != nil {
		return nil, err
	}
	t := &target{world: req.World, channel: channel}

	reply, err := m.attach(ctx, req.Client, t)
	if err != nil {
		return nil, err
	}

	if created {
		err := m.seq.Do(withTarget(ctx, t), channel.ID, func(ctx context.Context, b *eventlog.Batch) error {
			for _, id := range ids {
				draft, err := memberDraft("join", found[id])
				if err != nil {
					return err
				}
				if _, err := b.Append(ctx, draft); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			m.pushChannelList(ctx, req.World, found[id])
			m.queueUnread(ctx, channel.ID, id)
		}
		m.logger.Info("direct channel created", "world", world.ID, "channel", channel.ID, "users", len(ids))
	}

	reply["id"] = channel.ID
	return reply, nil
}

// participants returns the sorted, distinct user set including self.
func participants(self string, others []string) []string {
	seen := map[string]bool{self: true}
	ids := []string{self}
	for _, id := range others {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
