// Package rooms implements local room membership and targeted emission.
// Rooms are never persisted: a room exists while at least one member joined it.
package rooms

import (
	"log/slog"
	"sync"

	"courier/pkg/types"
)

// Member is a connection that can join rooms.
type Member interface {
	ID() string
	UserID() string
	SendRaw(frame []byte) error
}

// EmitOption narrows an emission.
type EmitOption func(*emitOptions)

type emitOptions struct {
	exceptUser string
	exceptConn string
}

// ExceptUser skips every connection of userID, across all of its tabs.
func ExceptUser(userID string) EmitOption {
	return func(o *emitOptions) { o.exceptUser = userID }
}

// ExceptConn skips a single connection.
func ExceptConn(connID string) EmitOption {
	return func(o *emitOptions) { o.exceptConn = connID }
}

// Filter carries the exclusions across process boundaries.
type Filter struct {
	ExceptUser string `json:"exceptUser,omitempty"`
	ExceptConn string `json:"exceptConn,omitempty"`
}

// BuildFilter folds opts into a Filter.
func BuildFilter(opts ...EmitOption) Filter {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return Filter{ExceptUser: o.exceptUser, ExceptConn: o.exceptConn}
}

// Options turns the filter back into emit options.
func (f Filter) Options() []EmitOption {
	var opts []EmitOption
	if f.ExceptUser != "" {
		opts = append(opts, ExceptUser(f.ExceptUser))
	}
	if f.ExceptConn != "" {
		opts = append(opts, ExceptConn(f.ExceptConn))
	}
	return opts
}

// Multiplexer tracks room membership for the connections of this process.
// ARCHITECTURAL DISCOVERY: Rooms decouple "who should receive this" from how
// many sockets the recipient has open; two tabs are two members of one room
type Multiplexer struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Member   // room -> connID -> member
	members map[string]map[string]struct{} // connID -> rooms
	logger  *slog.Logger
}

// NewMultiplexer creates an empty multiplexer.
func NewMultiplexer(logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		rooms:   make(map[string]map[string]Member),
		members: make(map[string]map[string]struct{}),
		logger:  logger.With("component", "rooms"),
	}
}

// Join adds m to room. It reports whether membership changed; joining a
// room twice is a no-op.
func (x *Multiplexer) Join(m Member, room string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	set, ok := x.rooms[room]
	if !ok {
		set = make(map[string]Member)
		x.rooms[room] = set
	}
	if _, exists := set[m.ID()]; exists {
		return false
	}
	set[m.ID()] = m

	joined, ok := x.members[m.ID()]
	if !ok {
		joined = make(map[string]struct{})
		x.members[m.ID()] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes m from room. Leaving a room that was not joined is a no-op.
func (x *Multiplexer) Leave(m Member, room string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leaveLocked(m.ID(), room)
}

func (x *Multiplexer) leaveLocked(connID, room string) bool {
	set, ok := x.rooms[room]
	if !ok {
		return false
	}
	if _, exists := set[connID]; !exists {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(x.rooms, room)
	}

	if joined, ok := x.members[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(x.members, connID)
		}
	}
	return true
}

// LeaveAll removes m from every room and returns the rooms it left.
func (x *Multiplexer) LeaveAll(m Member) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var left []string
	for room := range x.members[m.ID()] {
		left = append(left, room)
	}
	for _, room := range left {
		x.leaveLocked(m.ID(), room)
	}
	return left
}

// RoomsOf returns the rooms m has joined.
func (x *Multiplexer) RoomsOf(m Member) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	rooms := make([]string, 0, len(x.members[m.ID()]))
	for room := range x.members[m.ID()] {
		rooms = append(rooms, room)
	}
	return rooms
}

// InRoom reports whether m has joined room.
func (x *Multiplexer) InRoom(m Member, room string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.rooms[room][m.ID()]
	return ok
}

// MemberCount returns the number of local members of room.
func (x *Multiplexer) MemberCount(room string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms[room])
}

// RoomCount returns the number of non-empty rooms.
func (x *Multiplexer) RoomCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rooms)
}

// EmitToRoom encodes the event once and delivers it to every local member
// of room. It returns the number of members reached.
func (x *Multiplexer) EmitToRoom(room, event string, payload any, opts ...EmitOption) (int, error) {
	frame, err := types.Encode(event, payload)
	if err != nil {
		return 0, err
	}
	return x.EmitRaw(room, frame, opts...), nil
}

// EmitToUser delivers to every connection of userID through its personal room.
func (x *Multiplexer) EmitToUser(userID, event string, payload any, opts ...EmitOption) (int, error) {
	return x.EmitToRoom(types.UserRoom(userID), event, payload, opts...)
}

// EmitRaw delivers an already encoded frame to the local members of room.
func (x *Multiplexer) EmitRaw(room string, frame []byte, opts ...EmitOption) int {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	// Snapshot under the lock; SendRaw never blocks but may close a slow
	// member, which must not happen while holding x.mu.
	x.mu.RLock()
	targets := make([]Member, 0, len(x.rooms[room]))
	for _, m := range x.rooms[room] {
		if o.exceptConn != "" && m.ID() == o.exceptConn {
			continue
		}
		if o.exceptUser != "" && m.UserID() == o.exceptUser {
			continue
		}
		targets = append(targets, m)
	}
	x.mu.RUnlock()

	delivered := 0
	for _, m := range targets {
		if err := m.SendRaw(frame); err != nil {
			x.logger.Debug("room delivery failed", "room", room, "connID", m.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
