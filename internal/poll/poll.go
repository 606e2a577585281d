// Package poll implements single-choice room polls with live results.
package poll

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveroom/internal/authz"
	"liveroom/internal/eventlog"
	"liveroom/internal/hub"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

var (
	errInactive = protocol.NewError(protocol.CodePollInactive, "")
	errUnknown  = protocol.NewError(protocol.CodePollUnknown, "Unknown poll.")
	errInvalid  = protocol.NewError(protocol.CodeInvalidBody, "Invalid poll.")
)

// Module handles the poll.* commands.
type Module struct {
	store  interfaces.PollStore
	gate   *authz.Gate
	lanes  *eventlog.Lanes
	hub    *hub.Hub
	logger *slog.Logger
	now    func() time.Time
}

func NewModule(store interfaces.PollStore, gate *authz.Gate, lanes *eventlog.Lanes, h *hub.Hub, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		store:  store,
		gate:   gate,
		lanes:  lanes,
		hub:    h,
		logger: logger.With("component", "poll"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Register(r *router.Router) {
	r.Handle("poll.create", m.create)
	r.Handle("poll.update", m.update)
	r.Handle("poll.list", m.list)
	r.Handle("poll.vote", m.vote)
	r.Handle("poll.pin", m.pin)
	r.Handle("poll.unpin", m.unpin)
	r.Handle("poll.delete", m.remove)
}

type optionBody struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Order   *int   `json:"order"`
}

type scope struct {
	world *types.World
	room  *types.Room
	user  *types.User
}

func (m *Module) action(req *router.Request, perm types.Permission, v any) (*scope, error) {
	var target struct {
		Room string `json:"room"`
	}
	if err := req.Decode(&target); err != nil {
		return nil, err
	}
	room, module, err := req.RoomModule(target.Room, types.ModulePoll)
	if err != nil {
		return nil, err
	}
	if !module.Bool("active", false) {
		return nil, errInactive
	}
	s := &scope{world: req.World.World, room: room, user: req.User()}
	if !m.gate.HasPermission(s.world, room, s.user, perm) {
		return nil, protocol.ErrDenied
	}
	if err := req.Decode(v); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Module) manages(s *scope, u *types.User) bool {
	return m.gate.HasPermission(s.world, s.room, u, types.PermRoomPollManage)
}

func (m *Module) locked(ctx context.Context, s *scope, fn func(ctx context.Context) error) error {
	return m.lanes.Do(ctx, "poll:"+s.room.ID, fn)
}

func (m *Module) load(ctx context.Context, s *scope, id string) (*types.Poll, error) {
	if id == "" {
		return nil, errUnknown
	}
	p, err := m.store.GetPoll(ctx, s.room.ID, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, errUnknown
	}
	return p, err
}

// options turns option definitions into poll options. Ids must name one
// of existing; options without an id get a fresh one.
func options(defs []optionBody, existing []types.PollOption) ([]types.PollOption, error) {
	known := make(map[string]bool, len(existing))
	for _, o := range existing {
		known[o.ID] = true
	}
	out := make([]types.PollOption, 0, len(defs))
	for i, d := range defs {
		if strings.TrimSpace(d.Content) == "" {
			return nil, errInvalid
		}
		o := types.PollOption{ID: d.ID, Content: d.Content, Order: i}
		if o.ID == "" {
			o.ID = uuid.NewString()
		} else if !known[o.ID] {
			return nil, errInvalid
		}
		delete(known, o.ID)
		if d.Order != nil {
			o.Order = *d.Order
		}
		out = append(out, o)
	}
	return out, nil
}

// stateRank orders poll states; polls only move forward.
var stateRank = map[string]int{types.PollDraft: 0, types.PollOpen: 1, types.PollClosed: 2}

func (m *Module) create(ctx context.Context, req *router.Request) (any, error) {
	var b struct {
		Content  string       `json:"content"`
		State    string       `json:"state"`
		PollType string       `json:"poll_type"`
		Options  []optionBody `json:"options"`
	}
	s, err := m.action(req, types.PermRoomPollManage, &b)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(b.Content) == "" {
		return nil, errInvalid
	}
	if b.State == "" {
		b.State = types.PollDraft
	}
	if b.State != types.PollDraft && b.State != types.PollOpen {
		return nil, errInvalid
	}
	for i := range b.Options {
		b.Options[i].ID = ""
	}
	opts, err := options(b.Options, nil)
	if err != nil {
		return nil, err
	}

	p := &types.Poll{
		ID:        uuid.NewString(),
		WorldID:   s.world.ID,
		RoomID:    s.room.ID,
		Content:   b.Content,
		State:     b.State,
		PollType:  b.PollType,
		Options:   opts,
		Timestamp: m.now(),
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		if err := m.store.CreatePoll(ctx, p); err != nil {
			return err
		}
		m.announce(ctx, req, s, p, map[string]string{})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("poll created", "room", s.room.ID, "poll", p.ID, "state", p.State)
	return nil, nil
}

func (m *Module) update(ctx context.Context, req *router.Request) (any, error) {
	var b struct {
		ID       string       `json:"id"`
		Content  *string      `json:"content"`
		State    *string      `json:"state"`
		PollType *string      `json:"poll_type"`
		Options  []optionBody `json:"options"`
	}
	s, err := m.action(req, types.PermRoomPollManage, &b)
	if err != nil {
		return nil, err
	}

	err = m.locked(ctx, s, func(ctx context.Context) error {
		p, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if p.State == types.PollClosed {
			return protocol.ErrDenied
		}
		votes, err := m.store.PollVotes(ctx, p.ID)
		if err != nil {
			return err
		}

		if b.Content != nil {
			if strings.TrimSpace(*b.Content) == "" {
				return errInvalid
			}
			p.Content = *b.Content
		}
		if b.PollType != nil {
			p.PollType = *b.PollType
		}
		if b.Options != nil {
			if p.State != types.PollDraft {
				return protocol.ErrDenied
			}
			if p.Options, err = options(b.Options, p.Options); err != nil {
				return err
			}
		}
		if b.State != nil {
			next, ok := stateRank[*b.State]
			if !ok {
				return errInvalid
			}
			if next < stateRank[p.State] {
				return protocol.ErrDenied
			}
			p.State = *b.State
		}
		if p.State == types.PollClosed {
			p.CachedResults = results(p, votes)
		}

		if err := m.store.UpdatePoll(ctx, p); err != nil {
			return err
		}
		m.announce(ctx, req, s, p, votes)
		return nil
	})
	return nil, err
}

func (m *Module) list(ctx context.Context, req *router.Request) (any, error) {
	var b struct{}
	s, err := m.action(req, types.PermRoomPollRead, &b)
	if err != nil {
		return nil, err
	}
	polls, err := m.store.ListPolls(ctx, s.room.ID)
	if err != nil {
		return nil, err
	}
	manager := m.manages(s, s.user)

	out := make([]*View, 0, len(polls))
	for _, p := range polls {
		if p.State == types.PollDraft && !manager {
			continue
		}
		votes, err := m.store.PollVotes(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, render(p, votes, s.user, manager))
	}
	return out, nil
}

func (m *Module) vote(ctx context.Context, req *router.Request) (any, error) {
	var b struct {
		ID      string   `json:"id"`
		Options []string `json:"options"`
	}
	s, err := m.action(req, types.PermRoomPollVote, &b)
	if err != nil {
		return nil, err
	}

	err = m.locked(ctx, s, func(ctx context.Context) error {
		p, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if p.State != types.PollOpen {
			return protocol.ErrDenied
		}
		if len(b.Options) != 1 {
			return protocol.NewError(protocol.CodePollVote, "Exactly one option must be chosen.")
		}
		if !p.HasOption(b.Options[0]) {
			return protocol.NewError(protocol.CodePollVote, "Unknown option.")
		}
		if err := m.store.SetPollVote(ctx, p.ID, s.user.ID, b.Options[0]); err != nil {
			return err
		}
		votes, err := m.store.PollVotes(ctx, p.ID)
		if err != nil {
			return err
		}
		m.announce(ctx, req, s, p, votes)
		return nil
	})
	return nil, err
}

func (m *Module) pin(ctx context.Context, req *router.Request) (any, error) {
	var b struct {
		ID string `json:"id"`
	}
	s, err := m.action(req, types.PermRoomPollManage, &b)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		p, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if err := m.store.PinPoll(ctx, s.room.ID, p.ID); err != nil {
			return err
		}
		req.Reply(map[string]any{"id": p.ID})
		m.broadcast(ctx, s, protocol.Push("poll.pinned", map[string]any{"room": s.room.ID, "id": p.ID}), p.State)
		return nil
	})
	return nil, err
}

func (m *Module) unpin(ctx context.Context, req *router.Request) (any, error) {
	var b struct{}
	s, err := m.action(req, types.PermRoomPollManage, &b)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		if err := m.store.UnpinPolls(ctx, s.room.ID); err != nil {
			return err
		}
		req.Reply(nil)
		m.broadcast(ctx, s, protocol.Push("poll.unpinned", map[string]any{"room": s.room.ID}), "")
		return nil
	})
	return nil, err
}

func (m *Module) remove(ctx context.Context, req *router.Request) (any, error) {
	var b struct {
		ID string `json:"id"`
	}
	s, err := m.action(req, types.PermRoomPollManage, &b)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		p, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if err := m.store.DeletePoll(ctx, s.room.ID, p.ID); err != nil {
			return err
		}
		req.Reply(map[string]any{"poll": p.ID})
		m.broadcast(ctx, s, protocol.Push("poll.deleted", map[string]any{"room": s.room.ID, "id": p.ID}), p.State)
		return nil
	})
	return nil, err
}

// announce replies to the caller with its view of p and sends every room
// member theirs.
func (m *Module) announce(ctx context.Context, req *router.Request, s *scope, p *types.Poll, votes map[string]string) {
	req.Reply(map[string]any{"poll": render(p, votes, s.user, m.manages(s, s.user))})

	snapshot := *p
	view := func(r interfaces.Recipient) (any, bool) {
		u := r.User()
		if u == nil || !m.gate.HasPermission(s.world, s.room, u, types.PermRoomPollRead) {
			return nil, false
		}
		manager := m.manages(s, u)
		if snapshot.State == types.PollDraft && !manager {
			return nil, false
		}
		return protocol.Push("poll.created_or_updated", map[string]any{"poll": render(&snapshot, votes, u, manager)}), true
	}
	m.publish(ctx, s, &hub.Envelope{Group: hub.PollGroup(s.room.ID), Render: view})
}

// broadcast sends frame to poll readers. Frames about draft polls reach
// managers only.
func (m *Module) broadcast(ctx context.Context, s *scope, frame any, state string) {
	filter := func(r interfaces.Recipient) (any, bool) {
		u := r.User()
		if u == nil || !m.gate.HasPermission(s.world, s.room, u, types.PermRoomPollRead) {
			return nil, false
		}
		if state == types.PollDraft && !m.manages(s, u) {
			return nil, false
		}
		return frame, true
	}
	m.publish(ctx, s, &hub.Envelope{Group: hub.PollGroup(s.room.ID), Render: filter})
}

func (m *Module) publish(ctx context.Context, s *scope, env *hub.Envelope) {
	if err := m.hub.Publish(context.WithoutCancel(ctx), env); err != nil {
		m.logger.Error("failed to publish poll update", "room", s.room.ID, "error", err)
	}
}
