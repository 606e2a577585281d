package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"liveroom/internal/config"
	"liveroom/internal/directory"
	"liveroom/internal/protocol"
	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Worlds resolves the world a socket connects to.
type Worlds interface {
	World(ctx context.Context, worldID string) (*directory.Snapshot, error)
}

var upgrader = websocket.Upgrader{
	// Clients are browsers on arbitrary event domains.
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades /ws/world/{world}/ requests and pumps frames from each
// socket into the dispatcher.
type Handler struct {
	registry   *Registry
	worlds     Worlds
	dispatcher interfaces.Dispatcher
	cfg        config.WebSocketConfig
	logger     *slog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(registry *Registry, worlds Worlds, dispatcher interfaces.Dispatcher, cfg config.WebSocketConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:   registry,
		worlds:     worlds,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With("component", "websocket"),
	}
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/world/{world}/{$}", h.HandleWebSocket)
}

// HandleWebSocket upgrades the request. Unknown worlds are still upgraded
// so the client receives a protocol error before the close.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	worldID := r.PathValue("world")
	if !types.IsValidID(worldID) {
		http.Error(w, "Invalid world", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := NewConnection(ws, worldID, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		WriteTimeout: h.cfg.WriteTimeout,
		PingInterval: h.cfg.PingInterval,
		Logger:       h.logger,
	})

	if _, err := h.worlds.World(r.Context(), worldID); err != nil {
		code := protocol.CodeServerError
		if errors.Is(err, directory.ErrUnknownWorld) {
			code = protocol.CodeUnknownWorld
		} else {
			h.logger.Error("world lookup failed", "world", worldID, "error", err)
		}
		_ = conn.Send(protocol.ErrorFrame(nil, protocol.NewError(code, "")))
		_ = conn.Close()
		return
	}

	if err := h.registry.RegisterConnection(conn); err != nil {
		h.logger.Error("failed to register connection", "error", err)
		conn.terminate()
		return
	}

	go h.serve(conn)
}

// serve reads frames until the socket fails or the dispatcher asks for a
// close, then tears the connection down.
func (h *Handler) serve(conn *Connection) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h.dispatcher.Disconnect(ctx, conn)
		cancel()
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
	}()

	if h.cfg.MaxMessageSize > 0 {
		conn.conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	if h.cfg.ReadTimeout > 0 {
		if err := conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			return
		}
		conn.conn.SetPongHandler(func(string) error {
			return conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		})
	}

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if h.cfg.ReadTimeout > 0 {
			_ = conn.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		}

		if err := h.dispatcher.HandleFrame(conn.ctx, conn, data); err != nil {
			conn.logger.Info("closing connection", "reason", err)
			return
		}
	}
}

// CloseAll closes every registered connection after flushing its queue.
func (h *Handler) CloseAll() {
	h.registry.mu.RLock()
	conns := make([]*Connection, 0, len(h.registry.sockets))
	for _, c := range h.registry.sockets {
		conns = append(conns, c)
	}
	h.registry.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
}
