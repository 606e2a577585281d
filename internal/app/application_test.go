package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"liveroom/internal/config"
)

const seed = `
worlds:
  - id: sample
    title: Sample
    trait_grants:
      participant: []
    rooms:
      - id: main
        name: Main
        modules:
          - type: chat.native
`

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	seedPath := filepath.Join(dir, "worlds.yaml")
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("Failed to write seed: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "liveroom.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Seed.Path = seedPath
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.HTTP.Port = -1

	application, err := NewApplication(cfg, testLogger())
	if err == nil {
		t.Error("Constructor should reject invalid configuration")
	}
	if application != nil {
		t.Error("Constructor should not return an application for invalid configuration")
	}
}

func TestNewApplication_MissingSeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.Seed.Path = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := NewApplication(cfg, testLogger()); err == nil {
		t.Error("Expected a missing seed file to fail construction")
	}
}

func TestApplication_Lifecycle(t *testing.T) {
	application, err := NewApplication(testConfig(t), testLogger())
	if err != nil {
		t.Fatalf("NewApplication() error = %v", err)
	}
	if _, err := application.Directory().World(context.Background(), "sample"); err != nil {
		t.Fatalf("Expected the seed world to be imported: %v", err)
	}

	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + application.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	var health struct {
		Status string `json:"status"`
	}
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusOK || health.Status != "healthy" {
		t.Errorf("Expected a healthy server, got %d %+v (%v)", resp.StatusCode, health, err)
	}

	resp, err = client.Get("http://" + application.Addr() + "/api/stats")
	if err != nil {
		t.Fatalf("GET /api/stats error = %v", err)
	}
	var stats struct {
		Components map[string]json.RawMessage `json:"components"`
	}
	err = json.NewDecoder(resp.Body).Decode(&stats)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	for _, name := range []string{"router", "hub", "directory", "users", "membership", "sequencer", "lanes"} {
		if _, ok := stats.Components[name]; !ok {
			t.Errorf("Expected %s in stats", name)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if _, err := client.Get("http://" + application.Addr() + "/health"); err == nil {
		t.Error("Expected the listener closed after Stop")
	}
}
