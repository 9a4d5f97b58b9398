package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/config"
)

// Dispatcher processes a connection's lifecycle and inbound frames. All
// calls for one connection happen on that connection's dispatch goroutine,
// in order: Connect, Handle..., then Disconnect exactly once.
type Dispatcher interface {
	// Connect runs before the first frame. token is the handshake credential
	// (cookie, bearer header or query) or "".
	Connect(ctx context.Context, conn *Connection, token string)
	Handle(ctx context.Context, conn *Connection, frame []byte)
	Disconnect(conn *Connection)
}

// Options configures a Handler.
type Options struct {
	WebSocket      *config.WebSocketConfig
	AllowedOrigins []string
	// TokenFromRequest extracts the handshake credential. Nil disables
	// handshake authentication.
	TokenFromRequest func(*http.Request) string
	Logger           *slog.Logger
}

// Handler upgrades HTTP requests and runs each connection's read, ping and
// dispatch loops.
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic;
// the Dispatcher owns every protocol decision
type Handler struct {
	registry   *Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	cfg        config.WebSocketConfig
	tokenFrom  func(*http.Request) string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// attachments guards against mounting two handlers on one mux.
var attachments sync.Map // *http.ServeMux -> *Handler

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, dispatcher Dispatcher, opts Options) *Handler {
	cfg := config.DefaultConfig().WebSocket
	if opts.WebSocket != nil {
		cfg = opts.WebSocket
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		registry:   registry,
		dispatcher: dispatcher,
		cfg:        *cfg,
		tokenFrom:  opts.TokenFromRequest,
		logger:     logger.With("component", "websocket"),
		ctx:        ctx,
		cancel:     cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      originChecker(opts.AllowedOrigins),
	}
	return h
}

// originChecker allows every origin when allowed is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return slices.Contains(allowed, u.Scheme+"://"+u.Host)
	}
}

// Attach mounts the handler at path on mux. A mux accepts exactly one
// handler; a second Attach fails with ErrAlreadyAttached.
func (h *Handler) Attach(mux *http.ServeMux, path string) error {
	if _, loaded := attachments.LoadOrStore(mux, h); loaded {
		return ErrAlreadyAttached
	}
	mux.Handle(path, h)
	return nil
}

// Detach releases mux for another handler. The route itself stays mounted
// on mux; call this only when the mux is being discarded.
func (h *Handler) Detach(mux *http.ServeMux) {
	attachments.CompareAndDelete(mux, h)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	var token string
	if h.tokenFrom != nil {
		token = h.tokenFrom(r)
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		BufferSize:   h.cfg.BufferSize,
		InboxSize:    h.cfg.InboxSize,
		WriteTimeout: h.cfg.WriteTimeout,
	}, h.logger)
	h.registry.Add(conn)

	h.wg.Add(1)
	defer h.wg.Done()
	h.serve(ws, conn, token)
}

// serve runs the connection to completion. Idle timeout, client close and
// server close all leave readPump and take the same cleanup path.
func (h *Handler) serve(ws *websocket.Conn, conn *Connection, token string) {
	conn.Logger().Debug("connection opened", "remote", ws.RemoteAddr().String())

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		h.dispatchLoop(conn, token)
	}()
	go h.pingLoop(ws, conn)

	h.readPump(ws, conn)

	_ = conn.Close()
	<-dispatched
	h.dispatcher.Disconnect(conn)
	conn.Logger().Debug("connection closed")
}

// dispatchLoop feeds frames to the dispatcher in arrival order. Nothing is
// dispatched after the connection closes.
func (h *Handler) dispatchLoop(conn *Connection, token string) {
	h.dispatcher.Connect(h.ctx, conn, token)

	for {
		select {
		case <-conn.Done():
			return
		case frame := <-conn.Inbox():
			if conn.Closed() {
				return
			}
			h.dispatcher.Handle(h.ctx, conn, frame)
		}
	}
}

// pingLoop keeps the pong deadline moving on healthy clients.
// FUNCTIONAL DISCOVERY: Separate ticker goroutine enables consistent heartbeat
// timing independent of message processing or client responsiveness
func (h *Handler) pingLoop(ws *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// WriteControl is safe to call concurrently with the writer goroutine.
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}

func (h *Handler) readPump(ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(h.cfg.MaxFrameSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.Logger().Info("websocket read error", "error", err)
			}
			return
		}

		conn.Touch()
		if err := ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			conn.Logger().Debug("ignoring non-text frame", "type", messageType)
			continue
		}
		if !conn.Enqueue(data) {
			return
		}
	}
}

// Shutdown closes every connection and waits for their cleanup to finish.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	for _, conn := range h.registry.Connections() {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
