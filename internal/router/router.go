// Package router is the per-connection event state machine. It implements
// websocket.Dispatcher: frames come in already ordered per connection, and
// every handler turns its outcome into events for the originating connection
// or the affected rooms.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"courier/internal/fanout"
	"courier/internal/presence"
	"courier/internal/rooms"
	"courier/internal/typing"
	"courier/internal/websocket"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// Store is the persistence the router reads and writes.
type Store interface {
	interfaces.MessageStore
	interfaces.ParticipantStateStore
}

// Notifier queues notifications for users without a live connection.
type Notifier interface {
	Enqueue(userID string, n types.Notification) error
}

// Dependencies are the collaborators a Router dispatches to.
type Dependencies struct {
	Registry *websocket.Registry
	Rooms    *rooms.Multiplexer
	Fanout   fanout.Adapter
	Presence *presence.Service
	Store    Store
	Auth     interfaces.Authenticator
	Notifier Notifier // optional
	Logger   *slog.Logger
}

// Options tunes a Router.
type Options struct {
	TypingTimeout     time.Duration
	MessagesPerMinute int
	PreviewLength     int
}

type handlerFunc func(ctx context.Context, conn *websocket.Connection, data []byte)

type route struct {
	handle       handlerFunc
	requiresAuth bool
	// errorEvent carries failures of this event back to the client.
	errorEvent string
}

// Router dispatches inbound events.
// ARCHITECTURAL DISCOVERY: Pure event routing; connection lifecycle lives in the
// websocket handler and delivery lives in the rooms and fanout layers
type Router struct {
	registry *websocket.Registry
	rooms    *rooms.Multiplexer
	fanout   fanout.Adapter
	presence *presence.Service
	store    Store
	auth     interfaces.Authenticator
	notifier Notifier
	typing   *typing.Tracker
	limiter  *RateLimiter
	preview  int
	logger   *slog.Logger
	now      func() time.Time

	routes map[string]route

	events   metric.Int64Counter
	failures metric.Int64Counter
}

// New builds a router and its typing tracker.
func New(deps Dependencies, opts Options) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("courier/router")
	events, _ := meter.Int64Counter("router_events_total",
		metric.WithDescription("Inbound events dispatched, by event name"))
	errs, _ := meter.Int64Counter("router_errors_total",
		metric.WithDescription("Error events sent back to clients, by event and code"))

	r := &Router{
		registry: deps.Registry,
		rooms:    deps.Rooms,
		fanout:   deps.Fanout,
		presence: deps.Presence,
		store:    deps.Store,
		auth:     deps.Auth,
		notifier: deps.Notifier,
		limiter:  NewRateLimiter(opts.MessagesPerMinute, time.Minute),
		preview:  opts.PreviewLength,
		logger:   logger.With("component", "router"),
		now:      time.Now,
		events:   events,
		failures: errs,
	}
	r.typing = typing.NewTracker(opts.TypingTimeout, r.typingExpired)

	r.routes = map[string]route{
		types.EventAuth:           {handle: r.handleAuth, errorEvent: types.EventAuthError},
		types.EventJoin:           {handle: r.handleJoin, errorEvent: types.EventRoomError},
		types.EventLeave:          {handle: r.handleLeave, errorEvent: types.EventRoomError},
		types.EventMessageSend:    {handle: r.handleMessageSend, requiresAuth: true, errorEvent: types.EventMessageError},
		types.EventTypingStart:    {handle: r.handleTypingStart, requiresAuth: true, errorEvent: types.EventTypingError},
		types.EventTypingStop:     {handle: r.handleTypingStop, requiresAuth: true, errorEvent: types.EventTypingError},
		types.EventMessageRead:    {handle: r.handleMessageRead, requiresAuth: true, errorEvent: types.EventReadError},
		types.EventThreadRead:     {handle: r.handleThreadRead, requiresAuth: true, errorEvent: types.EventReadError},
		types.EventReactionSend:   {handle: r.handleReactionSend, requiresAuth: true, errorEvent: types.EventReactionError},
		types.EventPresenceUpdate: {handle: r.handlePresenceUpdate, requiresAuth: true, errorEvent: types.EventPresenceError},
		types.EventPresenceSync:   {handle: r.handlePresenceSync, requiresAuth: true, errorEvent: types.EventPresenceError},
	}
	return r
}

// Connect authenticates with the handshake credential when one was offered.
func (r *Router) Connect(ctx context.Context, conn *websocket.Connection, token string) {
	if token == "" {
		return
	}
	r.authenticate(ctx, conn, token)
}

// Handle decodes one frame and runs its handler. Nothing here panics or
// returns an error to the transport; failures become error events.
func (r *Router) Handle(ctx context.Context, conn *websocket.Connection, frame []byte) {
	if !gjson.ValidBytes(frame) || !gjson.ParseBytes(frame).IsObject() {
		r.sendError(ctx, conn, types.EventError, types.CodeInvalidPayload, ErrMalformedFrame.Error(), "")
		return
	}

	event := gjson.GetBytes(frame, "event").String()
	if event == "" {
		r.sendError(ctx, conn, types.EventError, types.CodeInvalidPayload, ErrMissingEvent.Error(), "")
		return
	}

	rt, ok := r.routes[event]
	if !ok {
		r.sendError(ctx, conn, types.EventError, types.CodeUnknownEvent, "unknown event", event)
		return
	}
	r.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))

	if rt.requiresAuth && !conn.IsAuthenticated() {
		r.sendError(ctx, conn, rt.errorEvent, types.CodeUnauthenticated, "authentication required", event)
		return
	}

	data := []byte("{}")
	if raw := gjson.GetBytes(frame, "data"); raw.Exists() && raw.Type != gjson.Null {
		data = []byte(raw.Raw)
	}
	rt.handle(ctx, conn, data)
}

// Disconnect runs the cleanup every closed connection gets, whatever its
// state: unregister, leave every room, then re-evaluate presence.
func (r *Router) Disconnect(conn *websocket.Connection) {
	ctx := context.Background()

	userID, last := r.registry.Unregister(conn)
	r.rooms.LeaveAll(conn)
	if userID == "" {
		return
	}

	if last {
		for _, conversationID := range r.typing.StopUser(userID) {
			r.emitTypingStopped(ctx, conversationID, userID)
		}
	}
	if err := r.presence.SetOffline(ctx, userID, conn.ID()); err != nil {
		conn.Logger().Warn("presence offline update failed", "error", err)
	}
}

// Run performs periodic housekeeping until ctx is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Close stops typing expiries.
func (r *Router) Close() {
	r.typing.Close()
}

// authenticate binds conn to the token's user, registers it, joins its
// personal and presence rooms and marks the user online. Failure leaves the
// connection unauthenticated and open.
func (r *Router) authenticate(ctx context.Context, conn *websocket.Connection, token string) {
	userID, err := r.auth.Authenticate(ctx, token)
	if err != nil {
		conn.Logger().Debug("authentication failed", "error", err)
		r.sendError(ctx, conn, types.EventAuthError, types.CodeUnauthenticated, "invalid credentials", types.EventAuth)
		return
	}
	if err := conn.Authenticate(userID); err != nil {
		r.sendError(ctx, conn, types.EventAuthError, types.CodeForbidden, err.Error(), types.EventAuth)
		return
	}
	if _, err := r.registry.Register(conn); err != nil {
		r.internalError(ctx, conn, types.EventAuthError, types.EventAuth, err)
		return
	}

	r.rooms.Join(conn, types.UserRoom(userID))
	r.rooms.Join(conn, types.RoomPresence)

	_ = conn.Send(types.EventAuthSuccess, types.AuthSuccessPayload{UserID: userID, ConnectionID: conn.ID()})
	conn.Logger().Info("connection authenticated")

	if err := r.presence.SetOnline(ctx, userID, conn.ID()); err != nil {
		conn.Logger().Warn("presence online update failed", "error", err)
	}
}

// decode unmarshals data into T, reporting failures on errorEvent.
func decode[T any](r *Router, ctx context.Context, conn *websocket.Connection, data []byte, errorEvent, event string) (T, bool) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		r.sendError(ctx, conn, errorEvent, types.CodeInvalidPayload, "malformed payload", event)
		return payload, false
	}
	return payload, true
}

func (r *Router) sendError(ctx context.Context, conn *websocket.Connection, errorEvent, code, message, event string) {
	r.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("code", code),
	))
	_ = conn.Send(errorEvent, types.ErrorPayload{Code: code, Message: message, Event: event})
}

// internalError logs err and reports a generic failure to the client.
func (r *Router) internalError(ctx context.Context, conn *websocket.Connection, errorEvent, event string, err error) {
	conn.Logger().Error("event handling failed", "event", event, "error", err)
	r.sendError(ctx, conn, errorEvent, types.CodeInternal, "internal error", event)
}

// storeError maps a store failure onto an error event.
func (r *Router) storeError(ctx context.Context, conn *websocket.Connection, errorEvent, event string, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		r.sendError(ctx, conn, errorEvent, types.CodeNotFound, "not found", event)
	case errors.Is(err, interfaces.ErrForbidden), errors.Is(err, ErrNotParticipant):
		r.sendError(ctx, conn, errorEvent, types.CodeForbidden, ErrNotParticipant.Error(), event)
	default:
		r.internalError(ctx, conn, errorEvent, event, err)
	}
}

// emitToRoom logs fan-out failures; they never fail the handler.
func (r *Router) emitToRoom(ctx context.Context, room, event string, payload any, opts ...rooms.EmitOption) {
	if err := r.fanout.EmitToRoom(ctx, room, event, payload, opts...); err != nil {
		r.logger.Warn("room emission failed", "room", room, "event", event, "error", err)
	}
}

func (r *Router) emitToUser(ctx context.Context, userID, event string, payload any, opts ...rooms.EmitOption) {
	if err := r.fanout.EmitToUser(ctx, userID, event, payload, opts...); err != nil {
		r.logger.Warn("user emission failed", "userID", userID, "event", event, "error", err)
	}
}
