// Package session caches conversation membership in front of the message
// store. Participants of a thread never change after creation, so a cached
// thread stays valid until it ages out.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// Options tunes a Manager.
type Options struct {
	// TTL bounds how long a thread stays cached. Zero means five minutes.
	TTL time.Duration
	// MaxEntries bounds the cache. Zero means 10000.
	MaxEntries int
	Logger     *slog.Logger
}

type entry struct {
	thread   *types.Thread
	cachedAt time.Time
}

// Manager is an interfaces.Store whose thread lookups are served from memory
// when possible. Every other call passes through.
type Manager struct {
	interfaces.Store

	threads    map[string]entry // threadID -> cached thread
	mu         sync.RWMutex
	ttl        time.Duration
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	hits, misses int64
}

var _ interfaces.Store = (*Manager)(nil)

// NewManager wraps store.
func NewManager(store interfaces.Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Store:      store,
		threads:    make(map[string]entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		logger:     logger.With("component", "session"),
		now:        time.Now,
	}
}

// CreateThread persists a thread and caches it.
func (m *Manager) CreateThread(ctx context.Context, subject string, participantIDs []string) (*types.Thread, error) {
	thread, err := m.Store.CreateThread(ctx, subject, participantIDs)
	if err != nil {
		return nil, err
	}
	m.put(thread)
	m.logger.Debug("thread created", "threadID", thread.ID, "participants", len(thread.ParticipantIDs))
	return thread, nil
}

// GetThread checks the cache first and falls back to the store.
func (m *Manager) GetThread(ctx context.Context, threadID string) (*types.Thread, error) {
	m.mu.RLock()
	e, exists := m.threads[threadID]
	m.mu.RUnlock()

	if exists && m.now().Sub(e.cachedAt) < m.ttl {
		m.mu.Lock()
		m.hits++
		m.mu.Unlock()
		return cloneThread(e.thread), nil
	}

	thread, err := m.Store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.misses++
	m.mu.Unlock()
	m.put(thread)
	return thread, nil
}

// Invalidate drops a cached thread.
func (m *Manager) Invalidate(threadID string) {
	m.mu.Lock()
	delete(m.threads, threadID)
	m.mu.Unlock()
}

func (m *Manager) put(thread *types.Thread) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.threads[thread.ID]; !exists && len(m.threads) >= m.maxEntries {
		m.evictLocked(now)
	}
	m.threads[thread.ID] = entry{thread: cloneThread(thread), cachedAt: now}
}

// evictLocked drops expired entries, or the oldest one when none expired.
func (m *Manager) evictLocked(now time.Time) {
	var oldestID string
	var oldest time.Time
	expired := 0
	for id, e := range m.threads {
		if now.Sub(e.cachedAt) >= m.ttl {
			delete(m.threads, id)
			expired++
			continue
		}
		if oldestID == "" || e.cachedAt.Before(oldest) {
			oldestID, oldest = id, e.cachedAt
		}
	}
	if expired == 0 && oldestID != "" {
		delete(m.threads, oldestID)
	}
}

// GetStats returns cache statistics.
func (m *Manager) GetStats() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"cached_threads": int64(len(m.threads)),
		"hits":           m.hits,
		"misses":         m.misses,
	}
}

func cloneThread(t *types.Thread) *types.Thread {
	c := *t
	c.ParticipantIDs = slices.Clone(t.ParticipantIDs)
	return &c
}
