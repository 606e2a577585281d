package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type mockDatabase struct {
	mu  sync.RWMutex
	err error
}

func (m *mockDatabase) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *mockDatabase) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

type mockRegistry struct {
	stats map[string]int
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{stats: map[string]int{"total_connections": 3, "online_users": 2, "active_worlds": 1}}
}

func (m *mockRegistry) GetStats() map[string]int { return m.stats }

func newTestServer(db *mockDatabase) *Server {
	stats := map[string]StatsFunc{
		"hub":    func() any { return map[string]any{"groups": 4} },
		"router": func() any { return map[string]any{"commands": 31} },
	}
	return NewServer(db, newMockRegistry(), stats, nil)
}

func TestServer_HealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		dbErr    error
		expected int
		status   string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"database down", errors.New("disk I/O error"), http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDatabase{}
			db.fail(tt.dbErr)
			server := newTestServer(db)

			w := httptest.NewRecorder()
			server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
			var response HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Status != tt.status {
				t.Errorf("Expected status %q, got %q", tt.status, response.Status)
			}
			if response.Connections["total_connections"] != 3 {
				t.Errorf("Expected registry stats, got %v", response.Connections)
			}
		})
	}
}

func TestServer_Stats(t *testing.T) {
	server := newTestServer(&mockDatabase{})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	var response struct {
		Connections map[string]int            `json:"connections"`
		Components  map[string]map[string]int `json:"components"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Components["router"]["commands"] != 31 || response.Components["hub"]["groups"] != 4 {
		t.Errorf("Unexpected components %v", response.Components)
	}
	if response.Connections["online_users"] != 2 {
		t.Errorf("Unexpected connections %v", response.Connections)
	}
}

func TestServer_CORSMiddleware(t *testing.T) {
	server := newTestServer(&mockDatabase{})

	w := httptest.NewRecorder()
	server.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected preflight status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS origin header")
	}
	if w.Body.Len() != 0 {
		t.Errorf("Expected empty preflight body, got %q", w.Body.String())
	}
}

func TestServer_ErrorHandling(t *testing.T) {
	server := newTestServer(&mockDatabase{})

	tests := []struct {
		name     string
		method   string
		path     string
		expected int
	}{
		{"post health", http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{"delete stats", http.MethodDelete, "/api/stats", http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/sessions", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.expected {
				t.Errorf("Expected status %d, got %d", tt.expected, w.Code)
			}
		})
	}
}

func TestServer_Register(t *testing.T) {
	mux := http.NewServeMux()
	newTestServer(&mockDatabase{}).Register(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected mounted stats route, got %d", w.Code)
	}
}
