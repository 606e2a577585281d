package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"liveroom/internal/chat"
	"liveroom/internal/testutil"
	"liveroom/pkg/types"
)

func newAuth(t *testing.T, seed string, withChat bool) *testutil.Env {
	t.Helper()
	env := testutil.NewEnv(t, seed)
	var state ChatState
	if withChat {
		m := chat.NewModule(chat.Deps{
			Directory: env.Directory,
			Gate:      env.Gate,
			Users:     env.Users,
			Store:     env.DB,
			Lanes:     env.Lanes,
			Hub:       env.Hub,
			Tracker:   env.Tracker,
			Notifier:  env.Notifier,
			Sessions:  env.Sessions,
			Logger:    env.Logger,
		})
		env.Router.Mount(m)
		state = m
	}
	env.Router.Mount(NewModule(env.Users, env.Gate, NewVerifier(0), state, env.Logger))
	return env
}

func authenticate(t *testing.T, env *testutil.Env, c *testutil.Client, payload string) map[string]json.RawMessage {
	t.Helper()
	env.Do(t, c, fmt.Sprintf(`["authenticate", 1, %s]`, payload))
	frames := c.Named("authenticated")
	if len(frames) == 0 {
		t.Fatalf("Expected an authenticated frame, got %v", c.Frames())
	}
	var body map[string]json.RawMessage
	testutil.Payload(t, frames[len(frames)-1], 1, &body)
	return body
}

func errorCode(t *testing.T, c *testutil.Client, id int) string {
	t.Helper()
	reply := c.Reply(t, id)
	if !strings.HasPrefix(reply, `["error"`) {
		return ""
	}
	var body struct {
		Code string `json:"code"`
	}
	testutil.Payload(t, reply, 2, &body)
	return body.Code
}

func TestAuthenticate_ClientID(t *testing.T) {
	env := newAuth(t, testutil.Seed, false)
	c := env.Connect("s1", "sample")

	body := authenticate(t, env, c, `{"client_id":"browser-1"}`)
	for _, key := range []string{"world.config", "user.config", "chat.channels", "chat.read_pointers"} {
		if _, ok := body[key]; !ok {
			t.Errorf("Expected key %s in payload", key)
		}
	}
	if c.User() == nil {
		t.Fatal("Expected the socket to carry a user")
	}

	var user types.User
	if err := json.Unmarshal(body["user.config"], &user); err != nil {
		t.Fatalf("Failed to decode user.config: %v", err)
	}
	if user.ID != c.UserID() {
		t.Errorf("Expected user.config id %s, got %s", c.UserID(), user.ID)
	}

	var cfg WorldConfig
	if err := json.Unmarshal(body["world.config"], &cfg); err != nil {
		t.Fatalf("Failed to decode world.config: %v", err)
	}
	if cfg.ID != "sample" || len(cfg.Rooms) != 6 {
		t.Errorf("Unexpected world config %+v", cfg)
	}
	if strings.Contains(string(body["world.config"]), "s3cret") {
		t.Error("world.config leaks token secrets")
	}

	// The same client id maps to the same user.
	other := env.Connect("s2", "sample")
	authenticate(t, env, other, `{"client_id":"browser-1"}`)
	if other.UserID() != c.UserID() {
		t.Errorf("Expected the same user for the same client id")
	}
}

func TestAuthenticate_Token(t *testing.T) {
	env := newAuth(t, testutil.Seed, false)
	c := env.Connect("s1", "sample")

	token := sign(t, "s3cret", jwt.MapClaims{
		"iss":    "any",
		"aud":    "sample",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"uid":    1234,
		"traits": []string{"moderator"},
	})
	body := authenticate(t, env, c, fmt.Sprintf(`{"token":%q}`, token))

	user := c.User()
	if user.TokenID != "1234" {
		t.Errorf("Expected token id 1234, got %q", user.TokenID)
	}
	var cfg WorldConfig
	_ = json.Unmarshal(body["world.config"], &cfg)
	if len(cfg.Rooms) == 0 {
		t.Fatal("Expected visible rooms")
	}
	found := false
	for _, p := range cfg.Rooms[0].Permissions {
		if p == types.PermRoomChatModerate {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected moderator room permissions, got %v", cfg.Rooms[0].Permissions)
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	env := newAuth(t, testutil.Seed, false)
	expired := sign(t, "s3cret", jwt.MapClaims{
		"iss": "any",
		"aud": "sample",
		"exp": time.Now().Add(-time.Hour).Unix(),
		"uid": "x",
	})

	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{"no credentials", `{}`, "auth.missing_id_or_token"},
		{"bad token", `{"token":"nope"}`, "auth.denied"},
		{"expired token", fmt.Sprintf(`{"token":%q}`, expired), "auth.denied"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := env.Connect(fmt.Sprintf("f%d", i), "sample")
			env.Do(t, c, fmt.Sprintf(`["authenticate", 1, %s]`, tt.payload))
			if code := errorCode(t, c, 1); code != tt.expected {
				t.Errorf("Expected %s, got %v", tt.expected, c.Frames())
			}
			if c.User() != nil {
				t.Error("Expected the socket to stay anonymous")
			}
		})
	}
}

func TestAuthenticate_Banned(t *testing.T) {
	env := newAuth(t, testutil.Seed, false)
	c := env.Connect("s1", "sample")
	authenticate(t, env, c, `{"client_id":"troll"}`)

	if _, err := env.Users.SetModeration(context.Background(), "sample", c.UserID(), types.ModerationBanned); err != nil {
		t.Fatalf("SetModeration() error = %v", err)
	}

	again := env.Connect("s2", "sample")
	env.Do(t, again, `["authenticate", 1, {"client_id":"troll"}]`)
	if code := errorCode(t, again, 1); code != "auth.denied" {
		t.Errorf("Expected auth.denied for a banned user, got %v", again.Frames())
	}
}

const privateSeed = `
worlds:
  - id: private
    title: Invite only
    config:
      jwt_secrets:
        - issuer: any
          audience: private
          secret: s3cret
    trait_grants:
      participant: ["attendee"]
    rooms: []
`

func TestAuthenticate_WorldViewRequired(t *testing.T) {
	env := newAuth(t, privateSeed, false)

	c := env.Connect("s1", "private")
	env.Do(t, c, `["authenticate", 1, {"client_id":"guest"}]`)
	if code := errorCode(t, c, 1); code != "auth.denied" {
		t.Errorf("Expected auth.denied without world:view, got %v", c.Frames())
	}

	token := sign(t, "s3cret", jwt.MapClaims{
		"iss":    "any",
		"aud":    "private",
		"exp":    time.Now().Add(time.Hour).Unix(),
		"uid":    "ticket-1",
		"traits": []string{"attendee"},
	})
	ok := env.Connect("s2", "private")
	authenticate(t, env, ok, fmt.Sprintf(`{"token":%q}`, token))
	if ok.User() == nil {
		t.Error("Expected attendee to authenticate")
	}
}

func TestAuthenticate_AlreadyAuthenticated(t *testing.T) {
	env := newAuth(t, testutil.Seed, false)
	c := env.Connect("s1", "sample")
	authenticate(t, env, c, `{"client_id":"browser-1"}`)

	env.Do(t, c, `["authenticate", 2, {"client_id":"browser-2"}]`)
	if code := errorCode(t, c, 2); code != "auth.already_authenticated" {
		t.Errorf("Expected auth.already_authenticated, got %v", c.Frames())
	}
}

func TestAuthenticate_ChatState(t *testing.T) {
	env := newAuth(t, testutil.Seed, true)
	ch := env.RoomChannel(t, "sample", "room_0")

	c := env.Connect("s1", "sample")
	authenticate(t, env, c, `{"client_id":"browser-1"}`)
	if _, err := env.Users.UpdateProfile(context.Background(), c.User(), map[string]any{"display_name": "Alice"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	user, _ := env.Users.Get(context.Background(), "sample", c.UserID())
	c.SetUser(user)
	env.Call(t, c, 2, "chat.join", fmt.Sprintf(`{"channel":%q}`, ch))
	env.Call(t, c, 3, "chat.mark_read", fmt.Sprintf(`{"channel":%q,"id":1}`, ch))

	next := env.Connect("s2", "sample")
	body := authenticate(t, env, next, `{"client_id":"browser-1"}`)

	var channels []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body["chat.channels"], &channels); err != nil {
		t.Fatalf("Failed to decode chat.channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != ch {
		t.Errorf("Expected the joined channel, got %s", body["chat.channels"])
	}
	var pointers map[string]int64
	_ = json.Unmarshal(body["chat.read_pointers"], &pointers)
	if pointers[ch] != 1 {
		t.Errorf("Expected read pointer 1, got %v", pointers)
	}
}
