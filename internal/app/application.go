package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"courier/internal/api"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/fanout"
	"courier/internal/logging"
	"courier/internal/notify"
	"courier/internal/presence"
	"courier/internal/rooms"
	"courier/internal/router"
	"courier/internal/session"
	"courier/internal/websocket"
	"courier/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config *config.Config
	logger *slog.Logger
	nodeID string

	dbManager  *database.Manager
	nc         *nats.Conn
	registry   *websocket.Registry
	rooms      *rooms.Multiplexer
	fanout     fanout.Adapter
	presence   *presence.Service
	notifier   *notify.Dispatcher
	router     *router.Router
	wsHandler  *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server

	bus           fanout.Bus
	presenceStore presence.Store

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option customizes an Application for embedding.
type Option func(*Application)

// WithBus replaces the NATS connection as the fan-out bus. The application
// runs clustered on it regardless of the configured mode.
func WithBus(bus fanout.Bus) Option {
	return func(app *Application) { app.bus = bus }
}

// WithPresenceStore replaces the configured presence store.
func WithPresenceStore(store presence.Store) Option {
	return func(app *Application) { app.presenceStore = store }
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Database → Thread cache → NATS → Registry/Rooms → Fanout → Presence → Notify → Router → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if logger == nil {
		var err error
		if logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
			return nil, fmt.Errorf("invalid log configuration: %w", err)
		}
	}

	nodeID := cfg.Fanout.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger = logger.With("node", nodeID)

	app := &Application{config: cfg, logger: logger, nodeID: nodeID}
	for _, opt := range opts {
		opt(app)
	}

	// STEP 1: Initialize database manager (foundation layer, migrations included)
	dbManager, err := database.NewManager(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.dbManager = dbManager
	threads := session.NewManager(dbManager, session.Options{Logger: logger})

	// STEP 2: Connect to NATS when fan-out or presence needs it. Failure is
	// not fatal; the node runs standalone.
	app.nc = app.connectNATS()

	// STEP 3: Initialize connection registry and room multiplexer
	app.registry = websocket.NewRegistry()
	app.rooms = rooms.NewMultiplexer(logger)

	// STEP 4: Initialize fan-out adapter
	app.fanout = app.newFanout()

	// STEP 5: Initialize presence service on the shared or local store
	app.presence = presence.NewService(app.newPresenceStore(), app.registry, app.fanout, presence.Options{
		NodeID:       nodeID,
		OfflineGrace: cfg.Presence.OfflineGrace,
		StaleAfter:   cfg.Presence.StaleAfter,
		Logger:       logger,
	})

	// STEP 6: Initialize notification dispatcher
	var sender interfaces.NotificationSender
	if cfg.Notify.WebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
	} else {
		sender = notify.NewLogSender(logger)
	}
	app.notifier = notify.NewDispatcher(sender, cfg.Notify, logger)

	// STEP 7: Initialize event router with dependencies
	authenticator := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.CookieName)
	app.router = router.New(router.Dependencies{
		Registry: app.registry,
		Rooms:    app.rooms,
		Fanout:   app.fanout,
		Presence: app.presence,
		Store:    threads,
		Auth:     authenticator,
		Notifier: app.notifier,
		Logger:   logger,
	}, router.Options{
		TypingTimeout:     cfg.Typing.Timeout,
		MessagesPerMinute: cfg.RateLimit.MessagesPerMinute,
		PreviewLength:     cfg.Notify.PreviewLength,
	})

	// STEP 8: Initialize WebSocket handler
	app.wsHandler = websocket.NewHandler(app.registry, app.router, websocket.Options{
		WebSocket:        cfg.WebSocket,
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		TokenFromRequest: authenticator.TokenFromRequest,
		Logger:           logger,
	})

	// STEP 9: Initialize API server with all business dependencies
	app.apiServer = api.NewServer(api.Dependencies{
		Store:    threads,
		Registry: app.registry,
		Rooms:    app.rooms,
		Presence: app.presence,
		Emitter:  app.fanout,
		Notifier: app.notifier,
		Auth:     authenticator,
		Logger:   logger,
	})

	// STEP 10: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	if err := app.wsHandler.Attach(mux, "/ws"); err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to mount websocket handler: %w", err)
	}
	mux.Handle("/", app.apiServer)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func (app *Application) connectNATS() *nats.Conn {
	cfg := app.config
	wanted := (cfg.Fanout.Mode == config.FanoutNATS && app.bus == nil) ||
		(cfg.Presence.Store == config.PresenceStoreNATS && app.presenceStore == nil)
	if !wanted {
		return nil
	}
	if cfg.Fanout.NATSURL == "" {
		app.logger.Warn("NATS requested without a URL, running standalone")
		return nil
	}
	nc, err := fanout.Connect(cfg.Fanout.NATSURL, "courier-"+app.nodeID, app.logger)
	if err != nil {
		app.logger.Warn("NATS unavailable, running standalone", "error", err)
		return nil
	}
	return nc
}

// newFanout degrades to local delivery whenever the bus cannot be used.
func (app *Application) newFanout() fanout.Adapter {
	bus := app.bus
	if bus == nil && app.config.Fanout.Mode == config.FanoutNATS && app.nc != nil {
		bus = fanout.NewNATSBus(app.nc)
	}
	if bus == nil {
		app.logger.Info("fan-out mode", "mode", fanout.ModeLocal)
		return fanout.NewLocalAdapter(app.rooms)
	}
	adapter, err := fanout.NewBusAdapter(app.rooms, bus, app.config.Fanout.Subject, app.nodeID, app.logger)
	if err != nil {
		app.logger.Warn("fan-out bus subscription failed, using local delivery", "error", err)
		return fanout.NewLocalAdapter(app.rooms)
	}
	app.logger.Info("fan-out mode", "mode", fanout.ModeClustered, "subject", app.config.Fanout.Subject)
	return adapter
}

func (app *Application) newPresenceStore() presence.Store {
	if app.presenceStore != nil {
		return app.presenceStore
	}
	cfg := app.config.Presence
	if cfg.Store != config.PresenceStoreNATS {
		return presence.NewMemoryStore()
	}
	if app.nc == nil {
		app.logger.Warn("shared presence store unavailable, using memory store")
		return presence.NewMemoryStore()
	}
	// Records of crashed nodes age out after a few stale periods.
	store, err := presence.NewKVStore(app.nc, cfg.Bucket, 4*cfg.StaleAfter)
	if err != nil {
		app.logger.Warn("presence bucket unavailable, using memory store", "error", err)
		return presence.NewMemoryStore()
	}
	return store
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Background workers start first, then the HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.cancel != nil {
		return errors.New("application already started")
	}

	// STEP 1: Bind the listener so address errors surface here
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	// STEP 2: Start background processing
	runCtx, cancel := context.WithCancel(context.Background())
	if err := app.notifier.Start(runCtx); err != nil {
		cancel()
		_ = listener.Close()
		return fmt.Errorf("failed to start notification dispatcher: %w", err)
	}
	go app.router.Run(runCtx)
	go app.presence.Run(runCtx)

	// STEP 3: Start HTTP server (accepts connections)
	app.listener = listener
	app.cancel = cancel
	app.done = make(chan struct{})
	go func() {
		defer close(app.done)
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server error", "error", err)
		}
	}()

	app.logger.Info("courier started", "addr", listener.Addr().String(), "fanout", app.fanout.Mode())
	return nil
}

// Stop gracefully shuts down the application
// Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: HTTP → WebSocket → Router → Presence → Notify → Fanout → NATS → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.logger.Info("shutting down courier")

	var errs []error

	// STEP 1: Stop accepting new connections
	if app.cancel != nil {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		<-app.done
	}

	// STEP 2: Close live connections; their cleanup updates presence
	if err := app.wsHandler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket shutdown: %w", err))
	}

	// STEP 3: Stop event processing and flush pending offline transitions
	if app.cancel != nil {
		app.cancel()
	}
	app.router.Close()
	if err := app.presence.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("presence shutdown: %w", err))
	}

	// STEP 4: Drain queued notifications
	if err := app.notifier.Stop(); err != nil && !errors.Is(err, notify.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("notify shutdown: %w", err))
	}

	// STEP 5: Release the bus and the database
	if err := app.closeBackends(); err != nil {
		errs = append(errs, err)
	}

	app.logger.Info("courier shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeBackends() error {
	var errs []error
	if app.fanout != nil {
		if err := app.fanout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("fanout close: %w", err))
		}
	}
	if app.nc != nil {
		app.nc.Close()
		app.nc = nil
	}
	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	return errors.Join(errs...)
}

// GetAddr returns the bound address once started, the configured one before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// NodeID identifies this process on the fan-out bus.
func (app *Application) NodeID() string {
	return app.nodeID
}

// FanoutMode reports local or clustered delivery.
func (app *Application) FanoutMode() string {
	return app.fanout.Mode()
}
