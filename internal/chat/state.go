package chat

import (
	"context"
	"errors"

	"liveroom/internal/directory"
	"liveroom/internal/protocol"
	"liveroom/pkg/types"
)

// ChannelInfo is one entry of a user's channel list. Members are listed
// for direct channels only.
type ChannelInfo struct {
	ID                  string             `json:"id"`
	NotificationPointer int64              `json:"notification_pointer"`
	Members             []types.PublicUser `json:"members,omitempty"`
}

// Channels lists the non-volatile channels user is a member of.
func (m *Module) Channels(ctx context.Context, snapshot *directory.Snapshot, user *types.User) ([]ChannelInfo, error) {
	ids, err := m.store.ListChannelsForUser(ctx, snapshot.World.ID, user.ID, false)
	if err != nil {
		return nil, err
	}

	out := make([]ChannelInfo, 0, len(ids))
	for _, id := range ids {
		t, err := m.lookup(ctx, snapshot, id)
		if errors.Is(err, protocol.ErrUnknownRoom) || errors.Is(err, protocol.ErrMissingModule) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if t.room != nil && !m.gate.HasPermission(snapshot.World, t.room, user, types.PermRoomChatRead) {
			continue
		}

		pointer, err := m.store.MaxNonMemberEventID(ctx, id)
		if err != nil {
			return nil, err
		}
		info := ChannelInfo{ID: id, NotificationPointer: pointer}
		if t.room == nil {
			members, err := m.publicMembers(ctx, snapshot.World.ID, id)
			if err != nil {
				return nil, err
			}
			info.Members = members
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *Module) publicMembers(ctx context.Context, worldID, channelID string) ([]types.PublicUser, error) {
	ids, err := m.store.ListMembers(ctx, channelID)
	if err != nil {
		return nil, err
	}
	byID, err := m.users.GetMany(ctx, worldID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]types.PublicUser, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u.Public())
		}
	}
	return out, nil
}

// ChannelList renders the channel list for the authenticated payload.
func (m *Module) ChannelList(ctx context.Context, snapshot *directory.Snapshot, user *types.User) (any, error) {
	return m.Channels(ctx, snapshot, user)
}

// ReadPointers returns the stored read pointers of a user.
func (m *Module) ReadPointers(ctx context.Context, user *types.User) (map[string]int64, error) {
	pointers, err := m.store.ReadPointers(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if pointers == nil {
		pointers = map[string]int64{}
	}
	return pointers, nil
}

// pushChannelList sends the current channel list to every socket of user.
func (m *Module) pushChannelList(ctx context.Context, snapshot *directory.Snapshot, user *types.User) {
	channels, err := m.Channels(ctx, snapshot, user)
	if err != nil {
		m.logger.Warn("failed to build channel list", "user", user.ID, "error", err)
		return
	}
	m.pushToUser(ctx, snapshot.World.ID, user.ID, protocol.Push("chat.channels", map[string]any{"channels": channels}), "")
}
