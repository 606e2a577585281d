package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"liveroom/internal/eventlog"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

const (
	defaultFetchCount = 50
	maxFetchCount     = 100
)

// Content types of channel.message events.
const (
	contentText    = "text"
	contentDeleted = "deleted"
	contentCall    = "call"
)

var (
	errUnsupportedEventType   = protocol.NewError(protocol.CodeChatEventType, "")
	errUnsupportedContentType = protocol.NewError(protocol.CodeChatContentType, "")
	errEmpty                  = protocol.NewError(protocol.CodeChatEmpty, "")
	errInvalidBody            = protocol.NewError(protocol.CodeChatInvalidBody, "")
)

type sendBody struct {
	Channel   string          `json:"channel"`
	EventType string          `json:"event_type"`
	Content   json.RawMessage `json:"content"`
	Replaces  *int64          `json:"replaces"`
}

type messageContent struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (c *messageContent) empty() bool {
	b := bytes.TrimSpace(c.Body)
	return len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`))
}

func (m *Module) send(ctx context.Context, req *router.Request) (any, error) {
	var body sendBody
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, types.PermRoomChatSend, memberAlways)
	if err != nil {
		return nil, err
	}
	if body.EventType != types.EventTypeMessage {
		return nil, errUnsupportedEventType
	}

	var content messageContent
	if err := json.Unmarshal(body.Content, &content); err != nil {
		return nil, errInvalidBody
	}
	if err := types.ValidateContent(body.Content); err != nil {
		return nil, errInvalidBody
	}
	switch {
	case content.Type == contentText:
	case content.Type == contentDeleted && body.Replaces != nil:
	case content.Type == contentCall && t.room == nil:
	default:
		return nil, errUnsupportedContentType
	}
	if content.Type == contentText && content.empty() {
		return nil, errEmpty
	}

	user := req.User()
	var sent *types.Event
	err = m.seq.Do(withTarget(ctx, t), t.channel.ID, func(ctx context.Context, b *eventlog.Batch) error {
		if t.room == nil {
			if err := m.directAllowed(ctx, t, user.ID); err != nil {
				return err
			}
		}
		if body.Replaces != nil {
			if err := m.edit(ctx, t, user, *body.Replaces, content.Type, body.Content); err != nil {
				return err
			}
		}
		event, err := b.Append(ctx, eventlog.Draft{
			EventType: types.EventTypeMessage,
			Sender:    user.ID,
			Content:   body.Content,
			Replaces:  body.Replaces,
		})
		if err != nil {
			return err
		}
		sent = event
		req.Reply(map[string]any{"event": event})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.notifyUnread(ctx, t, sent)
	return nil, nil
}

// directAllowed rejects messages of silenced users and messages between
// users with a block in either direction. It runs inside the channel lane.
func (m *Module) directAllowed(ctx context.Context, t *target, userID string) error {
	worldID := t.world.World.ID
	user, err := m.users.Get(ctx, worldID, userID)
	if err != nil {
		return err
	}
	if user.IsSilenced() || user.IsBanned() {
		return protocol.ErrChatDenied
	}
	members, err := m.store.ListMembers(ctx, t.channel.ID)
	if err != nil {
		return err
	}
	blocked, err := m.users.BlockedBetween(ctx, worldID, userID, members)
	if err != nil {
		return err
	}
	if blocked {
		return protocol.ErrChatDenied
	}
	return nil
}

// edit replaces the content of an earlier message. Authors may edit their
// own messages; moderators may only delete others'.
func (m *Module) edit(ctx context.Context, t *target, user *types.User, eventID int64, contentType string, content json.RawMessage) error {
	original, err := m.store.GetEvent(ctx, t.channel.ID, eventID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return errInvalidBody
	}
	if err != nil {
		return err
	}
	if original.EventType != types.EventTypeMessage {
		return errInvalidBody
	}
	if original.Sender != user.ID {
		moderator := t.room != nil && m.gate.HasPermission(t.world.World, t.room, user, types.PermRoomChatModerate)
		if contentType != contentDeleted || !moderator {
			return protocol.ErrChatDenied
		}
	}
	return m.store.UpdateEventContent(ctx, t.channel.ID, eventID, content, time.Now().UTC())
}

// notifyUnread tells every user waiting on the channel about the new
// message, once.
func (m *Module) notifyUnread(ctx context.Context, t *target, event *types.Event) {
	waiting, err := m.notifier.Drain(ctx, t.channel.ID)
	if err != nil {
		m.logger.Warn("failed to drain unread notifications", "channel", t.channel.ID, "error", err)
		return
	}
	frame := protocol.Push("chat.notification_pointers", map[string]int64{t.channel.ID: event.EventID})
	for _, userID := range waiting {
		m.pushToUser(ctx, t.world.World.ID, userID, frame, "")
	}
}

func (m *Module) queueUnread(ctx context.Context, channelID, userID string) {
	if err := m.notifier.Queue(ctx, channelID, userID); err != nil {
		m.logger.Warn("failed to queue unread notification", "channel", channelID, "user", userID, "error", err)
	}
}

func (m *Module) fetch(ctx context.Context, req *router.Request) (any, error) {
	var body struct {
		Channel  string `json:"channel"`
		Count    int    `json:"count"`
		BeforeID int64  `json:"before_id"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, types.PermRoomChatRead, memberDirect)
	if err != nil {
		return nil, err
	}

	count := body.Count
	if count <= 0 {
		count = defaultFetchCount
	}
	if count > maxFetchCount {
		count = maxFetchCount
	}
	before := body.BeforeID
	if before <= 0 {
		before = math.MaxInt64
	}

	events, err := m.store.FetchEvents(ctx, t.channel.ID, before, count, t.volatile())
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*types.Event{}
	}
	return map[string]any{"results": events}, nil
}

func (m *Module) markRead(ctx context.Context, req *router.Request) (any, error) {
	var body struct {
		Channel string `json:"channel"`
		ID      int64  `json:"id"`
	}
	if err := req.Decode(&body); err != nil {
		return nil, err
	}
	t, err := m.resolve(ctx, req, body.Channel, "", memberAlways)
	if err != nil {
		return nil, err
	}
	if body.ID <= 0 {
		return nil, errInvalidBody
	}

	user := req.User()
	if err := m.store.SetReadPointer(ctx, user.ID, t.channel.ID, body.ID); err != nil {
		return nil, err
	}
	if !t.membership.Volatile {
		m.queueUnread(ctx, t.channel.ID, user.ID)
	}
	req.Reply(nil)

	pointers, err := m.store.ReadPointers(ctx, user.ID)
	if err != nil {
		m.logger.Warn("failed to load read pointers", "user", user.ID, "error", err)
		return nil, nil
	}
	m.pushToUser(ctx, req.World.World.ID, user.ID, protocol.Push("chat.read_pointers", pointers), req.Client.SocketID())
	return nil, nil
}
