// Package app wires the server components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"liveroom/internal/api"
	"liveroom/internal/auth"
	"liveroom/internal/authz"
	"liveroom/internal/chat"
	"liveroom/internal/config"
	"liveroom/internal/database"
	"liveroom/internal/directory"
	"liveroom/internal/eventlog"
	"liveroom/internal/hub"
	"liveroom/internal/membership"
	"liveroom/internal/notify"
	"liveroom/internal/poll"
	"liveroom/internal/question"
	"liveroom/internal/room"
	"liveroom/internal/router"
	"liveroom/internal/user"
	"liveroom/internal/users"
	"liveroom/internal/websocket"
)

// Application owns every long-lived component of the server.
type Application struct {
	config    *config.Config
	logger    *slog.Logger
	db        *database.Manager
	redis     *redis.Client
	directory *directory.Directory
	hub       *hub.Hub
	router    *router.Router
	registry  *websocket.Registry
	wsHandler *websocket.Handler
	handler   http.Handler
	server    *http.Server

	listener net.Listener
	group    *errgroup.Group
}

// NewApplication builds the components in dependency order:
// Database → Directory → Users → Membership/EventLog → Hub → Router/modules → HTTP.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = config.NewLogger(cfg.Logging, os.Stderr)
	}

	db, err := database.NewManager(cfg.DatabaseSettings(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	app := &Application{config: cfg, logger: logger.With("component", "app"), db: db}

	var cache directory.Cache
	var notifier notify.Notifier
	if cfg.Redis.Addr != "" {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = directory.NewRedisCache(app.redis, cfg.Redis.Prefix, cfg.Redis.CacheTTL)
		notifier = notify.NewRedis(app.redis, cfg.Redis.Prefix)
	} else {
		cache = directory.NewMemoryCache(cfg.Redis.CacheTTL)
		notifier = notify.NewMemory()
	}

	app.directory = directory.New(db, cache, logger)
	if cfg.Seed.Path != "" {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Database.Timeout)
		err := app.directory.ImportFile(ctx, cfg.Seed.Path)
		cancel()
		if err != nil {
			app.close()
			return nil, fmt.Errorf("failed to import seed: %w", err)
		}
	}

	userDirectory := users.NewDirectory(db, logger)
	tracker := membership.NewTracker()
	lanes := eventlog.NewLanes()
	app.hub = hub.NewHub(cfg.WebSocket.FanoutQueueSize, cfg.WebSocket.WriteTimeout, logger)
	app.registry = websocket.NewRegistry()

	gate := authz.New()
	app.router = router.NewRouter(app.directory, router.Options{
		MessagesPerMinute:     cfg.RateLimit.MessagesPerMinute,
		MaxViolations:         cfg.RateLimit.MaxViolations,
		AllowReauthentication: cfg.Auth.AllowReauthentication,
		Logger:                logger,
	})

	chatModule := chat.NewModule(chat.Deps{
		Directory: app.directory,
		Gate:      gate,
		Users:     userDirectory,
		Store:     db,
		Lanes:     lanes,
		Hub:       app.hub,
		Tracker:   tracker,
		Notifier:  notifier,
		Sessions:  app.registry,
		Logger:    logger,
	})
	rooms := room.NewModule(gate, app.hub, membership.NewTracker(), logger)

	app.router.Mount(chatModule)
	app.router.Mount(auth.NewModule(userDirectory, gate, auth.NewVerifier(cfg.Auth.Leeway), chatModule, logger))
	app.router.Mount(question.NewModule(db, gate, lanes, app.hub, logger))
	app.router.Mount(poll.NewModule(db, gate, lanes, app.hub, logger))
	app.router.Mount(rooms)
	app.router.Mount(user.NewModule(userDirectory, gate, app.hub, app.registry, logger))

	app.wsHandler = websocket.NewHandler(app.registry, app.directory, app.router, *cfg.WebSocket, logger)
	apiServer := api.NewServer(db, app.registry, map[string]api.StatsFunc{
		"router":     func() any { return app.router.Stats() },
		"hub":        func() any { return app.hub.Stats() },
		"directory":  func() any { return app.directory.Stats() },
		"users":      func() any { return userDirectory.Stats() },
		"membership": func() any { return tracker.Stats() },
		"sequencer":  func() any { return chatModule.Sequencer().Stats() },
		"lanes":      func() any { return map[string]int{"active": lanes.Active()} },
	}, logger)

	mux := http.NewServeMux()
	apiServer.Register(mux)
	app.wsHandler.Register(mux)
	app.handler = mux

	app.server = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

// Handler returns the HTTP handler serving the websocket and API routes.
func (app *Application) Handler() http.Handler {
	return app.handler
}

// Directory returns the world directory, for seeding worlds at runtime.
func (app *Application) Directory() *directory.Directory {
	return app.directory
}

// Start starts the fan-out hub and then accepts connections. It returns
// once the listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if app.redis != nil {
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", app.config.Redis.Addr, err)
		}
	}
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.server.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.server.Addr, err)
	}
	app.listener = listener

	app.group = &errgroup.Group{}
	app.group.Go(func() error {
		if err := app.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	app.logger.Info("liveroom started", "addr", listener.Addr().String(), "commands", app.router.Commands())
	return nil
}

// Addr is the bound listen address once started, else the configured one.
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.server.Addr
}

// Stop shuts down in reverse order: HTTP, sockets, hub, caches, database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down")

	var errs []error
	if err := app.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	app.wsHandler.CloseAll()
	if app.group != nil {
		if err := app.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}

	// Give read pumps a moment to run their disconnect hooks before the
	// hub and database go away.
	deadline := time.Now().Add(time.Second)
	for app.registry.GetStats()["total_connections"] > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
	}
	errs = append(errs, app.close()...)

	app.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) close() []error {
	var errs []error
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := app.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	return errs
}
