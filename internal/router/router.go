// Package router dispatches client frames to the command handlers
// registered at startup.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"liveroom/internal/directory"
	"liveroom/internal/eventlog"
	"liveroom/internal/protocol"
	"liveroom/pkg/interfaces"
)

// Handler handles one command. A non-nil result is sent as the success
// payload unless the handler already replied.
type Handler func(ctx context.Context, req *Request) (any, error)

// Module registers the commands of one namespace.
type Module interface {
	Register(r *Router)
}

// Disconnecter is implemented by modules holding per-socket state.
type Disconnecter interface {
	Disconnect(ctx context.Context, c Client)
}

// Worlds resolves the world of a connection.
type Worlds interface {
	World(ctx context.Context, worldID string) (*directory.Snapshot, error)
}

type route struct {
	handler Handler
	public  bool
}

// Options configure a Router.
type Options struct {
	MessagesPerMinute     int
	MaxViolations         int
	AllowReauthentication bool
	Logger                *slog.Logger
}

// Router implements interfaces.Dispatcher.
type Router struct {
	worlds        Worlds
	limiter       *RateLimiter
	maxViolations int
	allowReauth   bool
	logger        *slog.Logger

	routes        map[string]route
	namespaces    map[string]bool
	disconnecters []Disconnecter

	handled atomic.Uint64
	failed  atomic.Uint64
	panics  atomic.Uint64
}

var _ interfaces.Dispatcher = (*Router)(nil)

// NewRouter creates a router with no commands besides ping.
func NewRouter(worlds Worlds, opts Options) *Router {
	if opts.MaxViolations <= 0 {
		opts.MaxViolations = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Router{
		worlds:        worlds,
		limiter:       NewRateLimiter(opts.MessagesPerMinute),
		maxViolations: opts.MaxViolations,
		allowReauth:   opts.AllowReauthentication,
		logger:        opts.Logger.With("component", "router"),
		routes:        make(map[string]route),
		namespaces:    make(map[string]bool),
	}
}

// Mount registers a module and its disconnect hook. Mount and Handle must
// be called before the router serves connections.
func (r *Router) Mount(m Module) {
	m.Register(r)
	if d, ok := m.(Disconnecter); ok {
		r.disconnecters = append(r.disconnecters, d)
	}
}

// Handle registers an authenticated command.
func (r *Router) Handle(command string, h Handler) {
	r.add(command, route{handler: h})
}

// HandlePublic registers a command accepted before authentication.
func (r *Router) HandlePublic(command string, h Handler) {
	r.add(command, route{handler: h, public: true})
}

func (r *Router) add(command string, rt route) {
	if _, exists := r.routes[command]; exists {
		panic(fmt.Errorf("%w: %s", ErrDuplicateRoute, command))
	}
	r.routes[command] = rt
	f := protocol.Frame{Command: command}
	r.namespaces[f.Namespace()] = true
}

// Commands returns the number of registered commands.
func (r *Router) Commands() int {
	return len(r.routes)
}

// HandleFrame handles one raw frame. A returned error means the connection
// must be closed.
func (r *Router) HandleFrame(ctx context.Context, conn interfaces.Recipient, data []byte) error {
	client, ok := conn.(Client)
	if !ok {
		return ErrNotClient
	}
	r.handled.Add(1)

	frame, err := protocol.Parse(data)
	if err != nil {
		r.send(client, protocol.ErrorFrame(nil, protocol.ErrInvalidFrame))
		return r.violation(client)
	}

	if !r.limiter.Allow(client.SocketID()) {
		r.send(client, protocol.ErrorFrame(frame.ID, protocol.ErrRateLimited))
		return r.violation(client)
	}

	if frame.Command == "ping" {
		echo := frame.ID
		if echo == nil {
			echo = frame.Payload
		}
		r.send(client, []any{"pong", echo})
		return nil
	}

	snapshot, err := r.worlds.World(ctx, client.WorldID())
	if err != nil {
		if errors.Is(err, directory.ErrUnknownWorld) {
			r.send(client, protocol.ErrorFrame(frame.ID, protocol.NewError(protocol.CodeUnknownWorld, "")))
			return nil
		}
		r.logger.Error("world lookup failed", "world", client.WorldID(), "error", err)
		r.send(client, protocol.ErrorFrame(frame.ID, protocol.ErrServerError))
		return nil
	}

	rt, known := r.routes[frame.Command]
	if client.User() == nil && !(known && rt.public) {
		r.send(client, protocol.ErrorFrame(frame.ID, protocol.ErrAuthRequired))
		return nil
	}
	if !known {
		if r.namespaces[frame.Namespace()] {
			r.send(client, protocol.ErrorFrame(frame.ID, protocol.UnsupportedCommand(frame.Namespace())))
		} else {
			r.send(client, protocol.ErrorFrame(frame.ID, protocol.NewError(protocol.CodeUnknownCommand, "Unknown command.")))
		}
		return nil
	}
	if frame.Command == "authenticate" && client.User() != nil {
		if !r.allowReauth {
			r.send(client, protocol.ErrorFrame(frame.ID, protocol.NewError(protocol.CodeAlreadyAuth, "")))
			return nil
		}
		r.teardown(ctx, client)
	}

	req := &Request{Client: client, World: snapshot, Frame: frame}
	result, err := r.invoke(ctx, rt.handler, req)
	return r.finish(req, result, err)
}

func (r *Router) invoke(ctx context.Context, h Handler, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &eventlog.PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return h(ctx, req)
}

func (r *Router) finish(req *Request, result any, err error) error {
	log := r.logger.With("command", req.Command(), "socket", req.Client.SocketID(), "user", req.Client.UserID())

	var pe *eventlog.PanicError
	if errors.As(err, &pe) {
		r.panics.Add(1)
		log.Error("command handler panicked", "panic", pe.Value, "stack", string(pe.Stack))
		req.Respond(protocol.ErrorFrame(req.Frame.ID, protocol.ErrServerFatal))
		return ErrHandlerPanic
	}

	if err == nil {
		if !req.Replied() {
			req.Respond(protocol.Success(req.Frame.ID, result))
		}
		return nil
	}

	r.failed.Add(1)
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		log.Error("command failed", "error", err)
		perr = protocol.ErrServerError
	} else {
		log.Debug("command rejected", "code", perr.Code)
	}
	if req.Replied() {
		return nil
	}
	req.Respond(protocol.ErrorFrame(req.Frame.ID, perr))
	return nil
}

func (r *Router) violation(client Client) error {
	if n := r.limiter.Violation(client.SocketID()); n > r.maxViolations {
		r.logger.Warn("closing connection after protocol violations", "socket", client.SocketID(), "violations", n)
		return ErrTooManyErrors
	}
	return nil
}

func (r *Router) send(client Client, frame any) {
	if err := client.Send(frame); err != nil {
		r.logger.Debug("send failed", "socket", client.SocketID(), "error", err)
	}
}

// Disconnect runs every module's teardown for the connection, most
// recently mounted first.
func (r *Router) Disconnect(ctx context.Context, conn interfaces.Recipient) {
	client, ok := conn.(Client)
	if !ok {
		return
	}
	r.teardown(ctx, client)
	r.limiter.Forget(client.SocketID())
}

func (r *Router) teardown(ctx context.Context, client Client) {
	if client.User() == nil {
		return
	}
	for i := len(r.disconnecters) - 1; i >= 0; i-- {
		r.disconnecters[i].Disconnect(ctx, client)
	}
}

// Stats reports dispatch counters.
func (r *Router) Stats() map[string]any {
	return map[string]any{
		"commands":        len(r.routes),
		"frames":          r.handled.Load(),
		"failed":          r.failed.Load(),
		"panics":          r.panics.Load(),
		"tracked_sockets": r.limiter.Size(),
	}
}
