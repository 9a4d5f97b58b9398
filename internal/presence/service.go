// Package presence derives online/offline state from registered connections
// and broadcasts transitions on the presence room.
package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"courier/internal/rooms"
	"courier/pkg/types"
)

// ConnectionCounter reports the live connections this node holds.
// *websocket.Registry satisfies it.
type ConnectionCounter interface {
	UserConnectionCount(userID string) int
	OnlineUsers() []string
}

// Broadcaster emits to a room across the cluster. fanout.Adapter satisfies it.
type Broadcaster interface {
	EmitToRoom(ctx context.Context, room, event string, payload any, opts ...rooms.EmitOption) error
}

// Options tunes a Service.
type Options struct {
	NodeID string
	// OfflineGrace delays the offline broadcast so a quick reconnect
	// produces no presence events. Zero means immediate.
	OfflineGrace time.Duration
	// StaleAfter is how old a heartbeat may be before the record reads as
	// offline. Zero disables the check.
	StaleAfter time.Duration
	// RefreshInterval is how often Run heartbeats every local user. Zero
	// means a third of StaleAfter.
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// Service owns presence transitions for the users connected to this node.
type Service struct {
	store       Store
	counter     ConnectionCounter
	broadcaster Broadcaster
	nodeID      string
	grace       time.Duration
	staleAfter  time.Duration
	refresh     time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer // userID -> scheduled offline
	closed  bool

	transitions metric.Int64Counter
}

// NewService wires a presence service.
func NewService(store Store, counter ConnectionCounter, broadcaster Broadcaster, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = opts.StaleAfter / 3
	}
	transitions, _ := otel.Meter("courier/presence").Int64Counter("presence_transitions_total",
		metric.WithDescription("Broadcast presence transitions"))

	return &Service{
		store:       store,
		counter:     counter,
		broadcaster: broadcaster,
		nodeID:      opts.NodeID,
		grace:       opts.OfflineGrace,
		staleAfter:  opts.StaleAfter,
		refresh:     refresh,
		logger:      logger.With("component", "presence"),
		now:         time.Now,
		pending:     make(map[string]*time.Timer),
		transitions: transitions,
	}
}

// wasOnline reports whether rec already counted as online before this
// node's update. This node's own connection count is authoritative and is
// never subject to the staleness check.
func (s *Service) wasOnline(rec *types.PresenceRecord, now time.Time) bool {
	if rec.State != types.PresenceOnline {
		return false
	}
	return rec.Nodes[s.nodeID] > 0 || rec.Online(now, s.staleAfter)
}

// setLocalCount writes this node's connection count into rec.
func (s *Service) setLocalCount(rec *types.PresenceRecord, n int) {
	if n > 0 {
		rec.Nodes[s.nodeID] = n
		return
	}
	delete(rec.Nodes, s.nodeID)
}

func heldAnywhere(rec *types.PresenceRecord) bool {
	for _, n := range rec.Nodes {
		if n > 0 {
			return true
		}
	}
	return false
}

// SetOnline records that this node holds a connection for userID. It
// broadcasts presence:changed only when the user was offline before.
func (s *Service) SetOnline(ctx context.Context, userID, connID string) error {
	// A pending offline means no offline was broadcast yet.
	resumed := s.cancelPending(userID)

	now := s.now()
	var wasOnline bool
	_, err := s.store.Update(ctx, userID, func(rec *types.PresenceRecord) {
		wasOnline = resumed || s.wasOnline(rec, now)
		s.setLocalCount(rec, max(s.counter.UserConnectionCount(userID), 1))
		rec.State = types.PresenceOnline
		rec.LastHeartbeat = now
		if !wasOnline {
			rec.ChangedAt = now
		}
	})
	if err != nil {
		return err
	}

	if !wasOnline {
		s.logger.Debug("user online", "userID", userID, "connID", connID)
		s.broadcast(ctx, userID, types.PresenceOnline, now)
	}
	return nil
}

// SetOffline is called after a connection of userID closed. It stores this
// node's remaining count right away, so other nodes stop treating the user
// as reachable here. When no local connection remains, the offline broadcast
// runs after the grace period unless the user reconnects.
func (s *Service) SetOffline(ctx context.Context, userID, connID string) error {
	var remaining int
	_, err := s.store.Update(ctx, userID, func(rec *types.PresenceRecord) {
		remaining = s.counter.UserConnectionCount(userID)
		s.setLocalCount(rec, remaining)
	})
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	s.mu.Lock()
	if s.grace <= 0 || s.closed {
		s.mu.Unlock()
		return s.goOffline(ctx, userID)
	}
	defer s.mu.Unlock()

	if t, ok := s.pending[userID]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(s.grace, func() {
		s.mu.Lock()
		current := s.pending[userID] == timer
		if current {
			delete(s.pending, userID)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		if err := s.goOffline(context.Background(), userID); err != nil {
			s.logger.Warn("offline transition failed", "userID", userID, "error", err)
		}
	})
	s.pending[userID] = timer
	s.logger.Debug("offline scheduled", "userID", userID, "connID", connID, "grace", s.grace)
	return nil
}

// cancelPending stops a scheduled offline and reports whether one existed.
func (s *Service) cancelPending(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[userID]
	if ok {
		t.Stop()
		delete(s.pending, userID)
	}
	return ok
}

// goOffline flips the user offline when no node holds a connection anymore.
// The local count is read inside the update so a reconnect that lands first
// is never overwritten.
func (s *Service) goOffline(ctx context.Context, userID string) error {
	now := s.now()
	var flipped bool
	_, err := s.store.Update(ctx, userID, func(rec *types.PresenceRecord) {
		flipped = false
		n := s.counter.UserConnectionCount(userID)
		s.setLocalCount(rec, n)
		if n > 0 || heldAnywhere(rec) || rec.State == types.PresenceOffline {
			return
		}
		rec.State = types.PresenceOffline
		rec.ChangedAt = now
		flipped = true
	})
	if err != nil {
		return err
	}

	if flipped {
		s.logger.Debug("user offline", "userID", userID)
		s.broadcast(ctx, userID, types.PresenceOffline, now)
	}
	return nil
}

// Heartbeat refreshes the user's liveness. A record that had gone stale on
// other nodes comes back online with a broadcast.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	if s.counter.UserConnectionCount(userID) == 0 {
		return nil
	}

	now := s.now()
	var wasOnline bool
	_, err := s.store.Update(ctx, userID, func(rec *types.PresenceRecord) {
		n := s.counter.UserConnectionCount(userID)
		if n == 0 {
			wasOnline = true
			return
		}
		wasOnline = s.wasOnline(rec, now)
		s.setLocalCount(rec, n)
		rec.State = types.PresenceOnline
		rec.LastHeartbeat = now
		if !wasOnline {
			rec.ChangedAt = now
		}
	})
	if err != nil {
		return err
	}
	if !wasOnline {
		s.broadcast(ctx, userID, types.PresenceOnline, now)
	}
	return nil
}

// Run heartbeats every user connected to this node until ctx is done, so
// other nodes never read a connected user as stale.
func (s *Service) Run(ctx context.Context) {
	if s.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.refreshLocal(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refreshLocal(ctx context.Context) {
	for _, userID := range s.counter.OnlineUsers() {
		if err := s.Heartbeat(ctx, userID); err != nil {
			s.logger.Warn("presence refresh failed", "userID", userID, "error", err)
		}
	}
}

// IsOnline reports whether the user holds a live connection anywhere in the
// cluster right now. Unlike the broadcast state it ignores the offline grace
// period: a user whose last local connection just closed is not reachable.
func (s *Service) IsOnline(ctx context.Context, userID string) (bool, error) {
	if s.counter.UserConnectionCount(userID) > 0 {
		return true, nil
	}
	rec, err := s.store.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	if !rec.Online(s.now(), s.staleAfter) {
		return false, nil
	}
	for node, n := range rec.Nodes {
		if node != s.nodeID && n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// GetBulkPresence returns an entry for every requested user; unknown users
// read as offline.
func (s *Service) GetBulkPresence(ctx context.Context, userIDs []string) (map[string]types.PresenceEntry, error) {
	records, err := s.store.GetMany(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make(map[string]types.PresenceEntry, len(userIDs))
	for _, id := range userIDs {
		rec := records[id]
		if s.counter.UserConnectionCount(id) > 0 || rec.Online(now, s.staleAfter) {
			out[id] = types.PresenceEntry{State: types.PresenceOnline}
			continue
		}
		entry := types.PresenceEntry{State: types.PresenceOffline}
		if rec != nil && !rec.LastHeartbeat.IsZero() {
			seen := rec.LastHeartbeat
			entry.LastSeen = &seen
		}
		out[id] = entry
	}
	return out, nil
}

// broadcast never fails the caller; the stored record is already correct.
func (s *Service) broadcast(ctx context.Context, userID, state string, at time.Time) {
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	err := s.broadcaster.EmitToRoom(ctx, types.RoomPresence, types.EventPresenceChanged, types.PresenceChangedPayload{
		UserID:    userID,
		State:     state,
		Timestamp: at,
	})
	if err != nil {
		s.logger.Warn("presence broadcast failed", "userID", userID, "state", state, "error", err)
	}
}

// Close runs every scheduled offline transition now so a shared store does
// not keep listing this node.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	users := make([]string, 0, len(s.pending))
	for userID, t := range s.pending {
		t.Stop()
		users = append(users, userID)
	}
	s.pending = make(map[string]*time.Timer)
	s.mu.Unlock()

	for _, userID := range users {
		if err := s.goOffline(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}
