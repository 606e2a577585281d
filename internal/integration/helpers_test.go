package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"liveroom/internal/app"
	"liveroom/internal/config"
	"liveroom/internal/testutil"
)

const (
	world       = "sample"
	worldSecret = "s3cret"
	waitTimeout = 5 * time.Second
)

// startServer runs a full application on a loopback port over a
// temporary database seeded with testutil.Seed. It returns the base URL.
func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "worlds.yaml")
	if err := os.WriteFile(seedPath, []byte(testutil.Seed), 0o600); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "liveroom.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Seed.Path = seedPath
	cfg.RateLimit.MessagesPerMinute = 10000

	application, err := app.NewApplication(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewApplication() error = %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = application.Stop(ctx)
	})
	return "http://" + application.Addr()
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func token(t *testing.T, uid string, traits ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":    "any",
		"aud":    world,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"uid":    uid,
		"traits": traits,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(worldSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

// wsClient reads frames in the background. Frames not consumed by await
// stay in the backlog for later calls.
type wsClient struct {
	conn    *websocket.Conn
	frames  chan []json.RawMessage
	backlog [][]json.RawMessage
	nextID  int

	closeOnce sync.Once
}

func dial(t *testing.T, base, worldID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/ws/world/" + worldID + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	c := &wsClient{conn: conn, frames: make(chan []json.RawMessage, 256)}
	go c.read()
	t.Cleanup(c.close)
	return c
}

func (c *wsClient) read() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
			continue
		}
		c.frames <- parts
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func name(parts []json.RawMessage) string {
	var s string
	_ = json.Unmarshal(parts[0], &s)
	return s
}

// await returns the first frame matching match, waiting up to waitTimeout.
func (c *wsClient) await(t *testing.T, what string, match func(parts []json.RawMessage) bool) []json.RawMessage {
	t.Helper()
	for i, parts := range c.backlog {
		if match(parts) {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			return parts
		}
	}
	timeout := time.After(waitTimeout)
	for {
		select {
		case parts, ok := <-c.frames:
			if !ok {
				t.Fatalf("Connection closed while waiting for %s", what)
			}
			if match(parts) {
				return parts
			}
			c.backlog = append(c.backlog, parts)
		case <-timeout:
			t.Fatalf("Timed out waiting for %s", what)
		}
	}
}

// push waits for the next [event, payload] frame called event.
func (c *wsClient) push(t *testing.T, event string) json.RawMessage {
	t.Helper()
	parts := c.await(t, event, func(parts []json.RawMessage) bool {
		return name(parts) == event && len(parts) == 2
	})
	return parts[1]
}

// call sends [command, id, payload] and returns the reply parts.
func (c *wsClient) call(t *testing.T, command, payload string) (string, json.RawMessage) {
	t.Helper()
	c.nextID++
	id := c.nextID
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`[%q,%d,%s]`, command, id, payload))); err != nil {
		t.Fatalf("Failed to send %s: %v", command, err)
	}
	want := fmt.Sprint(id)
	parts := c.await(t, command+" reply", func(parts []json.RawMessage) bool {
		kind := name(parts)
		return (kind == "success" || kind == "error" || kind == "pong") && len(parts) >= 2 && string(parts[1]) == want
	})
	if len(parts) < 3 {
		return name(parts), nil
	}
	return name(parts), parts[2]
}

// mustCall fails the test unless command succeeds.
func (c *wsClient) mustCall(t *testing.T, command, payload string, v any) {
	t.Helper()
	kind, body := c.call(t, command, payload)
	if kind != "success" {
		t.Fatalf("%s failed: %s", command, body)
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			t.Fatalf("Failed to decode %s reply: %v", command, err)
		}
	}
}

func errorCode(t *testing.T, kind string, body json.RawMessage) string {
	t.Helper()
	if kind != "error" {
		return ""
	}
	var e struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("Failed to decode error %s: %v", body, err)
	}
	return e.Code
}

type authenticated struct {
	World struct {
		Rooms []struct {
			ID      string `json:"id"`
			Channel string `json:"channel"`
		} `json:"rooms"`
	} `json:"world.config"`
	User struct {
		ID string `json:"id"`
	} `json:"user.config"`
}

func (a *authenticated) channel(roomID string) string {
	for _, r := range a.World.Rooms {
		if r.ID == roomID {
			return r.Channel
		}
	}
	return ""
}

// authenticate logs in with credentials and returns the authenticated
// payload.
func (c *wsClient) authenticate(t *testing.T, credentials string) *authenticated {
	t.Helper()
	c.nextID++
	frame := fmt.Sprintf(`["authenticate",%d,%s]`, c.nextID, credentials)
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("Failed to authenticate: %v", err)
	}
	parts := c.await(t, "authenticated", func(parts []json.RawMessage) bool {
		return name(parts) == "authenticated" || name(parts) == "error"
	})
	if name(parts) != "authenticated" {
		t.Fatalf("authenticate failed: %s", parts[len(parts)-1])
	}
	var payload authenticated
	if err := json.Unmarshal(parts[1], &payload); err != nil {
		t.Fatalf("Failed to decode authenticated payload: %v", err)
	}
	return &payload
}

// login authenticates by client id and sets a display name.
func (c *wsClient) login(t *testing.T, clientID, displayName string) *authenticated {
	t.Helper()
	auth := c.authenticate(t, fmt.Sprintf(`{"client_id":%q}`, clientID))
	c.mustCall(t, "user.update", fmt.Sprintf(`{"profile":{"display_name":%q}}`, displayName), nil)
	return auth
}

// closed waits until the server closes the connection.
func (c *wsClient) closed(t *testing.T) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("Timed out waiting for the server to close the connection")
		}
	}
}
