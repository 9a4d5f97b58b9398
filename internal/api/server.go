package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"courier/internal/auth"
	"courier/internal/rooms"
	"courier/internal/router"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// Registry is the slice of websocket.Registry the API reports on.
type Registry interface {
	GetStats() map[string]int
}

// RoomCounter reports how many rooms have local members.
type RoomCounter interface {
	RoomCount() int
}

// Presence answers presence queries.
type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	GetBulkPresence(ctx context.Context, userIDs []string) (map[string]types.PresenceEntry, error)
}

// Emitter delivers server-originated events. fanout.Adapter satisfies it.
type Emitter interface {
	EmitToRoom(ctx context.Context, room, event string, payload any, opts ...rooms.EmitOption) error
	EmitToUser(ctx context.Context, userID, event string, payload any, opts ...rooms.EmitOption) error
	Mode() string
}

// Notifier queues notifications for offline users.
type Notifier interface {
	Enqueue(userID string, n types.Notification) error
}

// Dependencies are the collaborators of a Server.
type Dependencies struct {
	Store    interfaces.Store
	Registry Registry
	Rooms    RoomCounter
	Presence Presence
	Emitter  Emitter
	Notifier Notifier // optional
	Auth     *auth.JWTAuthenticator
	Logger   *slog.Logger
}

// Server is the HTTP surface next to the WebSocket endpoint.
// ARCHITECTURAL DISCOVERY: the API only translates HTTP into calls on the
// store, presence and fan-out collaborators; no event state lives here.
type Server struct {
	deps    Dependencies
	logger  *slog.Logger
	mux     *http.ServeMux
	started time.Time
}

// NewServer registers every route.
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	authed := auth.Middleware(s.deps.Auth, s.logger)
	serviceOnly := auth.RequireRole(auth.RoleService, s.logger)

	const (
		public = iota
		user
		service
	)
	handle := func(pattern string, h http.HandlerFunc, access int) {
		var handler http.Handler = h
		switch access {
		case user:
			handler = authed(handler)
		case service:
			handler = authed(serviceOnly(handler))
		}
		s.mux.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(handler)))
	}

	handle("GET /health", s.healthCheck, public)
	handle("GET /api/stats", s.stats, user)
	handle("GET /api/presence", s.presence, user)
	// Emission primitives are for backend callers only.
	handle("POST /api/emit", s.emit, service)
	handle("POST /api/notifications", s.pushNotification, service)
	handle("POST /api/threads", s.createThread, user)
	handle("GET /api/threads/{id}/state", s.getThreadState, user)
	handle("PATCH /api/threads/{id}/state", s.patchThreadState, user)

	// CORS preflight for every API path.
	s.mux.Handle("OPTIONS /", s.corsMiddleware(http.NotFoundHandler()))
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Fanout      string         `json:"fanout"`
	Connections map[string]int `json:"connections"`
	Uptime      string         `json:"uptime"`
}

type StatsResponse struct {
	Connections map[string]int `json:"connections"`
	Rooms       int            `json:"rooms"`
	Fanout      string         `json:"fanout"`
}

type PresenceResponse struct {
	Presence map[string]types.PresenceEntry `json:"presence"`
}

type EmitRequest struct {
	Room   string          `json:"room,omitempty"`
	UserID string          `json:"userId,omitempty"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type NotificationRequest struct {
	UserID string                 `json:"userId"`
	Type   string                 `json:"type"`
	Title  string                 `json:"title"`
	Body   string                 `json:"message"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

type NotificationResponse struct {
	// Online is true when the user had a live connection; otherwise the
	// notification was queued for the external sender.
	Online bool `json:"online"`
}

type CreateThreadRequest struct {
	Subject        string   `json:"subject"`
	ParticipantIDs []string `json:"participantIds"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// healthCheck returns 503 when the database does not answer.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now().UTC(),
		Database:    "healthy",
		Fanout:      s.deps.Emitter.Mode(),
		Connections: s.deps.Registry.GetStats(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
	}
	code := http.StatusOK
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		s.logger.Warn("database health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Database = "unreachable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Connections: s.deps.Registry.GetStats(),
		Rooms:       s.deps.Rooms.RoomCount(),
		Fanout:      s.deps.Emitter.Mode(),
	})
}

// presence serves GET /api/presence?userIds=a,b.
func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("userIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	req := types.PresenceSyncPayload{UserIDs: ids}
	if len(ids) == 0 {
		s.sendError(w, "userIds is required", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.deps.Presence.GetBulkPresence(r.Context(), ids)
	if err != nil {
		s.logger.Error("bulk presence failed", "error", err)
		s.sendError(w, "Failed to load presence", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, PresenceResponse{Presence: entries})
}

// emit is the server-side emission primitive: deliver an arbitrary event to
// a room or to every connection of a user, cluster-wide.
func (s *Server) emit(w http.ResponseWriter, r *http.Request) {
	var req EmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		s.sendError(w, "event is required", http.StatusBadRequest)
		return
	}
	if types.IsClientEvent(req.Event) {
		s.sendError(w, types.ErrClientEvent.Error(), http.StatusBadRequest)
		return
	}
	if (req.Room == "") == (req.UserID == "") {
		s.sendError(w, "exactly one of room or userId is required", http.StatusBadRequest)
		return
	}

	var payload any
	if len(req.Data) > 0 {
		payload = req.Data
	}

	var err error
	switch {
	case req.Room != "":
		if !types.IsValidRoom(req.Room) {
			s.sendError(w, types.ErrInvalidRoom.Error(), http.StatusBadRequest)
			return
		}
		err = s.deps.Emitter.EmitToRoom(r.Context(), req.Room, req.Event, payload)
	default:
		if !types.IsValidUserID(req.UserID) {
			s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
			return
		}
		err = s.deps.Emitter.EmitToUser(r.Context(), req.UserID, req.Event, payload)
	}
	if err != nil {
		s.sendError(w, "Failed to emit event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// pushNotification delivers notification:received in real time and queues
// the external sender when the user is offline.
func (s *Server) pushNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(req.UserID) {
		s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
		return
	}
	if req.Type == "" || req.Title == "" {
		s.sendError(w, "type and title are required", http.StatusBadRequest)
		return
	}

	n := types.Notification{Type: req.Type, Title: req.Title, Message: req.Body, Data: req.Data}
	if err := s.deps.Emitter.EmitToUser(r.Context(), req.UserID, types.EventNotificationReceived, n); err != nil {
		s.sendError(w, "Failed to emit notification", http.StatusInternalServerError)
		return
	}

	online, err := s.deps.Presence.IsOnline(r.Context(), req.UserID)
	if err != nil {
		s.logger.Warn("presence lookup failed", "userID", req.UserID, "error", err)
	}
	if !online && s.deps.Notifier != nil {
		if err := s.deps.Notifier.Enqueue(req.UserID, n); err != nil {
			s.sendError(w, "Notification queue unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	s.writeJSON(w, http.StatusAccepted, NotificationResponse{Online: online})
}

// createThread creates a conversation; the caller always takes part.
func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFrom(r.Context())

	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	participants := append([]string{userID}, req.ParticipantIDs...)
	for _, id := range participants {
		if !types.IsValidUserID(id) {
			s.sendError(w, types.ErrInvalidUserID.Error(), http.StatusBadRequest)
			return
		}
	}

	thread, err := s.deps.Store.CreateThread(r.Context(), req.Subject, participants)
	if err != nil {
		s.logger.Error("create thread failed", "error", err)
		s.sendError(w, "Failed to create thread", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) getThreadState(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFrom(r.Context())
	threadID := r.PathValue("id")
	if !types.IsValidID(threadID) {
		s.sendError(w, types.ErrInvalidConversationID.Error(), http.StatusBadRequest)
		return
	}

	state, err := s.deps.Store.GetParticipantState(r.Context(), threadID, userID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

// patchThreadState applies a pin/archive/unread change and pushes the new
// state to all of the caller's connections.
func (s *Server) patchThreadState(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFrom(r.Context())
	threadID := r.PathValue("id")
	if !types.IsValidID(threadID) {
		s.sendError(w, types.ErrInvalidConversationID.Error(), http.StatusBadRequest)
		return
	}

	var patch types.ParticipantStatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	state, err := s.deps.Store.UpdateParticipantState(r.Context(), threadID, userID, patch)
	if err != nil {
		s.storeError(w, err)
		return
	}

	if err := s.deps.Emitter.EmitToUser(r.Context(), userID, types.EventThreadUpdated, router.ThreadUpdated(state)); err != nil {
		s.logger.Warn("thread update emission failed", "userID", userID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		s.sendError(w, "Thread not found", http.StatusNotFound)
	case errors.Is(err, interfaces.ErrForbidden):
		s.sendError(w, "Forbidden", http.StatusForbidden)
	default:
		s.logger.Error("store request failed", "error", err)
		s.sendError(w, "Internal error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
