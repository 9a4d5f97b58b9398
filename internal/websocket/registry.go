package websocket

import (
	"hash/fnv"
	"sync"
)

const registryShards = 32

// Registry tracks live connections and the user ↔ connections mapping.
// ARCHITECTURAL DISCOVERY: Per-user state is sharded by user ID so a burst of
// connects for one user never contends with another user's lookups; a user
// is online iff their connection set is non-empty
type Registry struct {
	shards [registryShards]registryShard

	mu    sync.RWMutex           // guards conns
	conns map[string]*Connection // connID -> Connection, authenticated or not
}

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Connection // userID -> connID -> Connection
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	r := &Registry{conns: make(map[string]*Connection)}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*Connection)
	}
	return r
}

func (r *Registry) shard(userID string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%registryShards]
}

// Add tracks a freshly upgraded connection.
func (r *Registry) Add(conn *Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
}

// Register adds an authenticated connection to its user's set. It is
// idempotent and reports whether this is the user's first connection.
func (r *Registry) Register(conn *Connection) (first bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return false, ErrConnectionNotAuthenticated
	}
	r.Add(conn)

	userID := conn.UserID()
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]*Connection)
		s.users[userID] = set
	}
	if _, exists := set[conn.ID()]; exists {
		return false, nil
	}
	set[conn.ID()] = conn
	return len(set) == 1, nil
}

// Unregister removes the connection. For an authenticated connection it
// returns its user and whether the user's set became empty. Repeated calls
// return last=false.
func (r *Registry) Unregister(conn *Connection) (userID string, last bool) {
	if conn == nil {
		return "", false
	}

	r.mu.Lock()
	delete(r.conns, conn.ID())
	r.mu.Unlock()

	userID = conn.UserID()
	if userID == "" {
		return "", false
	}

	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.users[userID]
	if !ok {
		return userID, false
	}
	if _, exists := set[conn.ID()]; !exists {
		return userID, false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
		delete(s.users, userID)
		return userID, true
	}
	return userID, false
}

// IsOnline reports whether the user holds at least one registered connection
// on this node.
func (r *Registry) IsOnline(userID string) bool {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID]) > 0
}

// UserConnectionCount returns the user's connection count on this node.
func (r *Registry) UserConnectionCount(userID string) int {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// UserConnections returns the user's connections on this node.
func (r *Registry) UserConnections(userID string) []*Connection {
	s := r.shard(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*Connection, 0, len(s.users[userID]))
	for _, conn := range s.users[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// OnlineCount returns the number of users with at least one connection.
func (r *Registry) OnlineCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}

// OnlineUsers returns every user with at least one connection.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for userID := range s.users {
			users = append(users, userID)
		}
		s.mu.RUnlock()
	}
	return users
}

// Connection looks up a live connection by ID.
func (r *Registry) Connection(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// Connections returns every live connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	total := len(r.conns)
	r.mu.RUnlock()

	authenticated := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, set := range s.users {
			authenticated += len(set)
		}
		s.mu.RUnlock()
	}

	return map[string]int{
		"total_connections":         total,
		"authenticated_connections": authenticated,
		"online_users":              r.OnlineCount(),
	}
}
