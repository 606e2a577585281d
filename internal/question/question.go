// Package question implements moderated room Q&A.
package question

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
	errInactive = protocol.NewError(protocol.CodeQuestionInactive, "")
	errUnknown  = protocol.NewError(protocol.CodeQuestionUnknown, "Unknown question.")
	errInvalid  = protocol.NewError(protocol.CodeInvalidBody, "Invalid question.")
)

// Module handles the question.* commands.
type Module struct {
	store  interfaces.QuestionStore
	gate   *authz.Gate
	lanes  *eventlog.Lanes
	hub    *hub.Hub
	logger *slog.Logger
	now    func() time.Time
}

func NewModule(store interfaces.QuestionStore, gate *authz.Gate, lanes *eventlog.Lanes, h *hub.Hub, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		store:  store,
		gate:   gate,
		lanes:  lanes,
		hub:    h,
		logger: logger.With("component", "question"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Register(r *router.Router) {
	r.Handle("question.ask", m.ask)
	r.Handle("question.update", m.update)
	r.Handle("question.list", m.list)
	r.Handle("question.vote", m.vote)
	r.Handle("question.pin", m.pin)
	r.Handle("question.unpin", m.unpin)
	r.Handle("question.delete", m.remove)
}

type body struct {
	Room     string  `json:"room"`
	ID       string  `json:"id"`
	Content  *string `json:"content"`
	State    *string `json:"state"`
	Answered *bool   `json:"answered"`
	Vote     bool    `json:"vote"`
}

type scope struct {
	world *types.World
	room  *types.Room
	user  *types.User
}

// action decodes the body and resolves the room. An inactive module is
// rejected before the permission check.
func (m *Module) action(req *router.Request, perm types.Permission) (*scope, *body, error) {
	var b body
	if err := req.Decode(&b); err != nil {
		return nil, nil, err
	}
	room, module, err := req.RoomModule(b.Room, types.ModuleQuestion)
	if err != nil {
		return nil, nil, err
	}
	if !module.Bool("active", false) {
		return nil, nil, errInactive
	}
	s := &scope{world: req.World.World, room: room, user: req.User()}
	if !m.gate.HasPermission(s.world, room, s.user, perm) {
		return nil, nil, protocol.ErrDenied
	}
	return s, &b, nil
}

func (m *Module) moderates(s *scope, u *types.User) bool {
	return m.gate.HasPermission(s.world, s.room, u, types.PermRoomQuestionMod)
}

// visibleTo reports whether u may see q: moderators see every question,
// askers see their own, everyone else only the published ones.
func (m *Module) visibleTo(s *scope, q *types.Question, u *types.User) bool {
	if !m.gate.HasPermission(s.world, s.room, u, types.PermRoomQuestionRead) {
		return false
	}
	return q.Visible() || q.SenderID == u.ID || m.moderates(s, u)
}

// locked runs fn on the room's question lane.
func (m *Module) locked(ctx context.Context, s *scope, fn func(ctx context.Context) error) error {
	return m.lanes.Do(ctx, "question:"+s.room.ID, fn)
}

func (m *Module) load(ctx context.Context, s *scope, id string) (*types.Question, error) {
	if id == "" {
		return nil, errUnknown
	}
	q, err := m.store.GetQuestion(ctx, s.room.ID, id)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, errUnknown
	}
	return q, err
}

func (m *Module) ask(ctx context.Context, req *router.Request) (any, error) {
	s, b, err := m.action(req, types.PermRoomQuestionAsk)
	if err != nil {
		return nil, err
	}
	if b.Content == nil || strings.TrimSpace(*b.Content) == "" {
		return nil, errInvalid
	}
	module, _ := s.room.Module(types.ModuleQuestion)

	q := &types.Question{
		ID:        uuid.NewString(),
		WorldID:   s.world.ID,
		RoomID:    s.room.ID,
		SenderID:  s.user.ID,
		Content:   *b.Content,
		State:     types.QuestionVisible,
		Timestamp: m.now(),
	}
	if module.Bool("requires_moderation", true) {
		q.State = types.QuestionModQueue
	}

	err = m.locked(ctx, s, func(ctx context.Context) error {
		if err := m.store.CreateQuestion(ctx, q); err != nil {
			return err
		}
		req.Reply(map[string]any{"question": q})
		m.broadcastQuestion(ctx, s, q, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("question asked", "room", s.room.ID, "question", q.ID, "state", q.State)
	return nil, nil
}

// transitions lists the states a question may move to from each state.
// Archived questions stay archived.
var transitions = map[string][]string{
	types.QuestionModQueue: {types.QuestionVisible, types.QuestionArchived},
	types.QuestionVisible:  {types.QuestionAnswered, types.QuestionArchived},
	types.QuestionAnswered: {types.QuestionVisible, types.QuestionArchived},
}

func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Module) update(ctx context.Context, req *router.Request) (any, error) {
	s, b, err := m.action(req, types.PermRoomQuestionMod)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		q, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		wasVisible := q.Visible()

		if b.Content != nil {
			if strings.TrimSpace(*b.Content) == "" {
				return errInvalid
			}
			q.Content = *b.Content
		}
		next := q.State
		if b.State != nil {
			if !types.IsValidQuestionState(*b.State) {
				return errInvalid
			}
			next = *b.State
		}
		if b.Answered != nil {
			switch {
			case *b.Answered:
				next = types.QuestionAnswered
			case next == types.QuestionAnswered:
				next = types.QuestionVisible
			}
		}
		if !canTransition(q.State, next) {
			return protocol.ErrDenied
		}
		q.State = next

		if err := m.store.UpdateQuestion(ctx, q); err != nil {
			return err
		}
		req.Reply(map[string]any{"question": q})
		m.broadcastQuestion(ctx, s, q, wasVisible)
		return nil
	})
	return nil, err
}

func (m *Module) list(ctx context.Context, req *router.Request) (any, error) {
	s, _, err := m.action(req, types.PermRoomQuestionRead)
	if err != nil {
		return nil, err
	}
	questions, err := m.store.ListQuestions(ctx, s.room.ID)
	if err != nil {
		return nil, err
	}
	voted, err := m.store.VotedQuestions(ctx, s.room.ID, s.user.ID)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(questions))
	for _, q := range questions {
		if m.visibleTo(s, q, s.user) {
			out = append(out, render(q, voted[q.ID]))
		}
	}
	return out, nil
}

// render is the list view of a question, with the viewer's vote.
func render(q *types.Question, voted bool) map[string]any {
	return map[string]any{
		"id":        q.ID,
		"room_id":   q.RoomID,
		"content":   q.Content,
		"state":     q.State,
		"answered":  q.State == types.QuestionAnswered,
		"is_pinned": q.IsPinned,
		"score":     q.Score,
		"timestamp": q.Timestamp,
		"voted":     voted,
	}
}

func (m *Module) vote(ctx context.Context, req *router.Request) (any, error) {
	s, b, err := m.action(req, types.PermRoomQuestionVote)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		q, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if !q.Visible() {
			return protocol.ErrDenied
		}
		score, err := m.store.SetQuestionVote(ctx, q.ID, s.user.ID, b.Vote)
		if err != nil {
			return err
		}
		q.Score = score
		req.Reply(map[string]any{"question": q})
		m.broadcastQuestion(ctx, s, q, true)
		return nil
	})
	return nil, err
}

func (m *Module) pin(ctx context.Context, req *router.Request) (any, error) {
	s, b, err := m.action(req, types.PermRoomQuestionMod)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		q, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if !q.Visible() {
			return protocol.ErrDenied
		}
		if err := m.store.PinQuestion(ctx, s.room.ID, q.ID); err != nil {
			return err
		}
		req.Reply(map[string]any{"id": q.ID})
		m.broadcast(ctx, s, protocol.Push("question.pinned", map[string]any{"room": s.room.ID, "id": q.ID}), nil)
		return nil
	})
	return nil, err
}

func (m *Module) unpin(ctx context.Context, req *router.Request) (any, error) {
	s, _, err := m.action(req, types.PermRoomQuestionMod)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		if err := m.store.UnpinQuestions(ctx, s.room.ID); err != nil {
			return err
		}
		req.Reply(nil)
		m.broadcast(ctx, s, protocol.Push("question.unpinned", map[string]any{"room": s.room.ID}), nil)
		return nil
	})
	return nil, err
}

func (m *Module) remove(ctx context.Context, req *router.Request) (any, error) {
	s, b, err := m.action(req, types.PermRoomQuestionMod)
	if err != nil {
		return nil, err
	}
	err = m.locked(ctx, s, func(ctx context.Context) error {
		q, err := m.load(ctx, s, b.ID)
		if err != nil {
			return err
		}
		if err := m.store.DeleteQuestion(ctx, s.room.ID, q.ID); err != nil {
			return err
		}
		req.Reply(map[string]any{"id": q.ID})
		frame := protocol.Push("question.deleted", map[string]any{"room": s.room.ID, "id": q.ID})
		m.broadcast(ctx, s, frame, func(u *types.User) bool { return m.visibleTo(s, q, u) })
		return nil
	})
	return nil, err
}

// broadcastQuestion announces a new or changed question. Readers who can
// no longer see it still get the update when it was public before.
func (m *Module) broadcastQuestion(ctx context.Context, s *scope, q *types.Question, wasVisible bool) {
	snapshot := *q
	frame := protocol.Push("question.created_or_updated", map[string]any{"question": snapshot})
	m.broadcast(ctx, s, frame, func(u *types.User) bool {
		return m.visibleTo(s, &snapshot, u) || (wasVisible && m.gate.HasPermission(s.world, s.room, u, types.PermRoomQuestionRead))
	})
}

// broadcast sends frame to the room's question group. A nil filter sends
// to every reader.
func (m *Module) broadcast(ctx context.Context, s *scope, frame any, filter func(u *types.User) bool) {
	render := func(r interfaces.Recipient) (any, bool) {
		u := r.User()
		if u == nil {
			return nil, false
		}
		if filter != nil {
			return frame, filter(u)
		}
		return frame, m.gate.HasPermission(s.world, s.room, u, types.PermRoomQuestionRead)
	}
	env := &hub.Envelope{Group: hub.QuestionGroup(s.room.ID), Render: render}
	if err := m.hub.Publish(context.WithoutCancel(ctx), env); err != nil {
		m.logger.Error("failed to publish question update", "room", s.room.ID, "error", err)
	}
}
