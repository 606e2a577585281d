package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"liveroom/internal/authz"
	"liveroom/internal/database"
	"liveroom/internal/directory"
	"liveroom/internal/eventlog"
	"liveroom/internal/hub"
	"liveroom/internal/membership"
	"liveroom/internal/notify"
	"liveroom/internal/router"
	"liveroom/internal/users"
	dbconfig "liveroom/pkg/database"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Seed is the world most module tests run against. Everyone is a
// participant; "moderator" and "admin" traits add those system roles.
const Seed = `
worlds:
  - id: sample
    title: Sample Conference
    config:
      jwt_secrets:
        - issuer: any
          audience: sample
          secret: s3cret
    trait_grants:
      participant: []
      moderator: ["moderator"]
      admin: ["admin"]
    rooms:
      - id: room_0
        name: Lobby
        modules:
          - type: chat.native
            config:
              volatile: false
      - id: room_volatile
        name: Hallway
        modules:
          - type: chat.native
            config:
              volatile: true
      - id: stage
        name: Stage
        modules:
          - type: livestream.native
          - type: question
            config:
              active: true
              requires_moderation: false
          - type: poll
            config:
              active: true
      - id: moderated
        name: Moderated Q&A
        modules:
          - type: question
            config:
              active: true
              requires_moderation: true
      - id: closed
        name: Closed
        modules:
          - type: question
            config:
              active: false
          - type: poll
            config:
              active: false
      - id: plain
        name: No modules
        modules: []
`

// Env is a full set of core components over a temporary sqlite database.
type Env struct {
	DB        *database.Manager
	Directory *directory.Directory
	Gate      *authz.Gate
	Users     *users.Directory
	Hub       *hub.Hub
	Tracker   *membership.Tracker
	Lanes     *eventlog.Lanes
	Notifier  *notify.Memory
	Sessions  *Sessions
	Router    *router.Router
	Logger    *slog.Logger
}

// NewEnv builds the environment and imports seed.
func NewEnv(t *testing.T, seed string) *Env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := database.NewManager(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	dir := directory.New(db, nil, logger)
	parsed, err := directory.ParseSeed(strings.NewReader(seed))
	if err != nil {
		t.Fatalf("Failed to parse seed: %v", err)
	}
	if err := dir.Import(context.Background(), parsed); err != nil {
		t.Fatalf("Failed to import seed: %v", err)
	}

	h := hub.NewHub(1000, time.Second, logger)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	return &Env{
		DB:        db,
		Directory: dir,
		Gate:      authz.New(),
		Users:     users.NewDirectory(db, logger),
		Hub:       h,
		Tracker:   membership.NewTracker(),
		Lanes:     eventlog.NewLanes(),
		Notifier:  notify.NewMemory(),
		Sessions:  NewSessions(),
		Router:    router.NewRouter(dir, router.Options{MessagesPerMinute: 10000, Logger: logger}),
		Logger:    logger,
	}
}

// Connect creates an anonymous client of world.
func (e *Env) Connect(socket, world string) *Client {
	c := NewClient(socket, world)
	e.Sessions.Add(c)
	return c
}

// Login attaches a user created from clientID to c, bypassing the
// authenticate command. A non-empty name becomes profile.display_name.
func (e *Env) Login(t *testing.T, c *Client, clientID, name string, traits ...string) *types.User {
	t.Helper()
	ctx := context.Background()

	user, _, err := e.Users.Login(ctx, c.WorldID(), interfaces.UserKey{ClientID: clientID}, nil)
	if err != nil {
		t.Fatalf("Login(%s) error = %v", clientID, err)
	}
	if len(traits) > 0 {
		user, err = e.DB.SetTraits(ctx, c.WorldID(), user.ID, traits)
		if err != nil {
			t.Fatalf("Failed to set traits: %v", err)
		}
		e.Users.Forget(c.WorldID(), user.ID)
	}
	if name != "" {
		user, err = e.Users.UpdateProfile(ctx, user, map[string]any{"display_name": name})
		if err != nil {
			t.Fatalf("Failed to set profile: %v", err)
		}
	}
	c.SetUser(user)
	return user
}

// Do sends one raw frame through the router. A returned error fails the
// test, since it would close the connection.
func (e *Env) Do(t *testing.T, c *Client, frame string) {
	t.Helper()
	if err := e.Router.HandleFrame(context.Background(), c, []byte(frame)); err != nil {
		t.Fatalf("HandleFrame(%s) error = %v", frame, err)
	}
}

// Call sends [command, id, payload] and returns the reply to id.
func (e *Env) Call(t *testing.T, c *Client, id int, command, payload string) string {
	t.Helper()
	e.Do(t, c, fmt.Sprintf(`[%q, %d, %s]`, command, id, payload))
	return c.Reply(t, id)
}

// Disconnect runs connection teardown for c.
func (e *Env) Disconnect(c *Client) {
	e.Router.Disconnect(context.Background(), c)
	e.Sessions.Remove(c)
	_ = c.Close()
}

// RoomChannel returns the chat channel id of a room.
func (e *Env) RoomChannel(t *testing.T, world, room string) string {
	t.Helper()
	_, r, err := e.Directory.Room(context.Background(), world, room)
	if err != nil {
		t.Fatalf("Room(%s) error = %v", room, err)
	}
	if r.ChannelID == "" {
		t.Fatalf("Room %s has no chat channel", room)
	}
	return r.ChannelID
}
