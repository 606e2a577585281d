package auth

import (
	"context"
	"errors"
	"log/slog"

	"liveroom/internal/authz"
	"liveroom/internal/directory"
	"liveroom/internal/protocol"
	"liveroom/internal/router"
	"liveroom/internal/users"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// ChatState supplies the chat part of the authenticated payload.
type ChatState interface {
	ChannelList(ctx context.Context, snapshot *directory.Snapshot, user *types.User) (any, error)
	ReadPointers(ctx context.Context, user *types.User) (map[string]int64, error)
}

// Module implements the authenticate command.
type Module struct {
	users    *users.Directory
	gate     *authz.Gate
	verifier *Verifier
	chat     ChatState
	logger   *slog.Logger
}

// NewModule creates the authentication module. chat may be nil when no
// chat module runs.
func NewModule(dir *users.Directory, gate *authz.Gate, verifier *Verifier, chat ChatState, logger *slog.Logger) *Module {
	if logger == nil {
		logger = slog.Default()
	}
	return &Module{
		users:    dir,
		gate:     gate,
		verifier: verifier,
		chat:     chat,
		logger:   logger.With("component", "auth"),
	}
}

func (m *Module) Register(r *router.Router) {
	r.HandlePublic("authenticate", m.authenticate)
}

var (
	errMissingCredentials = protocol.NewError(protocol.CodeAuthMissing, "")
	errDenied             = protocol.NewError(protocol.CodeAuthDenied, "")
)

type credentials struct {
	ClientID string `json:"client_id"`
	Token    string `json:"token"`
}

func (m *Module) authenticate(ctx context.Context, req *router.Request) (any, error) {
	var body credentials
	if err := req.Decode(&body); err != nil {
		return nil, err
	}

	world := req.World.World
	var (
		key    interfaces.UserKey
		traits []string
	)
	switch {
	case body.Token != "":
		claims, err := m.verifier.Verify(world, body.Token)
		if err != nil {
			m.logger.Debug("token rejected", "world", world.ID, "expired", IsExpired(err), "error", err)
			return nil, errDenied
		}
		key.TokenID = claims.SubjectID()
		traits = claims.Traits
	case body.ClientID != "":
		key.ClientID = body.ClientID
	default:
		return nil, errMissingCredentials
	}

	// Users that could never view the world are not created at all.
	provisional := &types.User{WorldID: world.ID, Traits: traits}
	if !m.gate.HasPermission(world, nil, provisional, types.PermWorldView) {
		return nil, errDenied
	}

	user, _, err := m.users.Login(ctx, world.ID, key, traits)
	if err != nil {
		if errors.Is(err, users.ErrInvalidKey) {
			return nil, errMissingCredentials
		}
		return nil, err
	}
	if user.IsBanned() || !m.gate.HasPermission(world, nil, user, types.PermWorldView) {
		return nil, errDenied
	}

	payload := map[string]any{
		"world.config":       BuildWorldConfig(m.gate, req.World, user),
		"user.config":        user,
		"chat.channels":      []any{},
		"chat.read_pointers": map[string]int64{},
	}
	if m.chat != nil {
		channels, err := m.chat.ChannelList(ctx, req.World, user)
		if err != nil {
			return nil, err
		}
		pointers, err := m.chat.ReadPointers(ctx, user)
		if err != nil {
			return nil, err
		}
		payload["chat.channels"] = channels
		payload["chat.read_pointers"] = pointers
	}

	req.Client.SetUser(user)
	m.logger.Info("authenticated", "world", world.ID, "user", user.ID, "socket", req.Client.SocketID())
	req.Respond([]any{"authenticated", payload})
	return nil, nil
}
