package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveroom/pkg/types"
)

// ConnectionOptions tune the outbound side of a connection.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	Logger       *slog.Logger
}

// Connection wraps one websocket. All writes go through a single writer
// goroutine fed by a buffered queue; Send never blocks.
type Connection struct {
	conn     *websocket.Conn
	id       string
	worldID  string
	writeCh  chan []byte
	opts     ConnectionOptions
	logger   *slog.Logger
	registry *Registry

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	finishOnce sync.Once

	mu   sync.RWMutex
	user *types.User
}

// NewConnection wraps conn for the given world and starts its writer.
func NewConnection(conn *websocket.Conn, worldID string, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	c := &Connection{
		conn:    conn,
		id:      id,
		worldID: worldID,
		writeCh: make(chan []byte, opts.BufferSize),
		opts:    opts,
		logger:  opts.Logger.With("socket", id, "world", worldID),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data := <-c.writeCh:
			if data == nil {
				// Close marker: everything queued before it has been written.
				deadline := time.Now().Add(c.opts.WriteTimeout)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
				c.terminate()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.terminate()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.terminate()
				return
			}

		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.terminate()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a frame. When the outbound buffer is full the client is too
// slow to keep up and the connection is dropped.
func (c *Connection) Send(frame any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("dropping slow consumer", "buffer", cap(c.writeCh))
		c.terminate()
		return ErrSlowConsumer
	}
}

// Close flushes queued frames, sends a close frame and closes the socket.
// It does not wait for the flush.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		select {
		case c.writeCh <- nil:
			// The writer gets WriteTimeout per frame; do not wait forever.
			time.AfterFunc(c.opts.WriteTimeout*2, c.terminate)
		default:
			c.terminate()
		}
	})
	return nil
}

// terminate closes the socket immediately.
func (c *Connection) terminate() {
	c.finishOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done is closed once the socket is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled when the socket closes.
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) SocketID() string { return c.id }
func (c *Connection) WorldID() string  { return c.worldID }

func (c *Connection) User() *types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

func (c *Connection) UserID() string {
	if u := c.User(); u != nil {
		return u.ID
	}
	return ""
}

// SetUser attaches an identity, replacing any previous one, and updates
// the registry's user index.
func (c *Connection) SetUser(user *types.User) {
	c.mu.Lock()
	old := c.user
	c.user = user
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.identify(c, old, user)
	}
}
