package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logging"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// countingStore records how often threads are loaded from the backing store.
type countingStore struct {
	interfaces.Store

	mu      sync.Mutex
	threads map[string]*types.Thread
	loads   int
	seq     int
	fail    error
}

func newCountingStore() *countingStore {
	return &countingStore{threads: make(map[string]*types.Thread)}
}

func (s *countingStore) CreateThread(_ context.Context, subject string, participantIDs []string) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.seq++
	t := &types.Thread{ID: fmt.Sprintf("t%d", s.seq), Subject: subject, ParticipantIDs: participantIDs}
	s.threads[t.ID] = t
	return t, nil
}

func (s *countingStore) GetThread(_ context.Context, threadID string) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	t, ok := s.threads[threadID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *countingStore) HealthCheck(context.Context) error { return nil }

func (s *countingStore) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func newTestManager(store interfaces.Store, opts Options) *Manager {
	opts.Logger = logging.Discard()
	return NewManager(store, opts)
}

func TestManager_CreateThreadIsCached(t *testing.T) {
	store := newCountingStore()
	m := newTestManager(store, Options{})
	ctx := context.Background()

	created, err := m.CreateThread(ctx, "plans", []string{"alice", "bob"})
	require.NoError(t, err)

	got, err := m.GetThread(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got.ParticipantIDs)
	assert.Zero(t, store.loadCount())
	assert.Equal(t, int64(1), m.GetStats()["hits"])
}

func TestManager_MissLoadsOnce(t *testing.T) {
	store := newCountingStore()
	store.threads["t9"] = &types.Thread{ID: "t9", ParticipantIDs: []string{"carol"}}
	m := newTestManager(store, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := m.GetThread(ctx, "t9")
		require.NoError(t, err)
		assert.True(t, got.HasParticipant("carol"))
	}
	assert.Equal(t, 1, store.loadCount())

	stats := m.GetStats()
	assert.Equal(t, int64(1), stats["misses"])
	assert.Equal(t, int64(2), stats["hits"])
}

func TestManager_NotFoundIsNotCached(t *testing.T) {
	store := newCountingStore()
	m := newTestManager(store, Options{})

	for i := 0; i < 2; i++ {
		_, err := m.GetThread(context.Background(), "missing")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	}
	assert.Equal(t, 2, store.loadCount())
}

func TestManager_CreateFailurePropagates(t *testing.T) {
	store := newCountingStore()
	store.fail = errors.New("disk full")
	m := newTestManager(store, Options{})

	_, err := m.CreateThread(context.Background(), "x", []string{"a"})
	assert.Error(t, err)
	assert.Zero(t, m.GetStats()["cached_threads"])
}

func TestManager_ReturnsCopies(t *testing.T) {
	store := newCountingStore()
	m := newTestManager(store, Options{})
	ctx := context.Background()

	created, err := m.CreateThread(ctx, "x", []string{"alice"})
	require.NoError(t, err)

	got, err := m.GetThread(ctx, created.ID)
	require.NoError(t, err)
	got.ParticipantIDs[0] = "mallory"

	again, err := m.GetThread(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.ParticipantIDs)
}

func TestManager_TTLExpiry(t *testing.T) {
	store := newCountingStore()
	store.threads["t1"] = &types.Thread{ID: "t1"}
	m := newTestManager(store, Options{TTL: time.Minute})
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := m.GetThread(ctx, "t1")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = m.GetThread(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, 2, store.loadCount())
}

func TestManager_EvictsWhenFull(t *testing.T) {
	store := newCountingStore()
	for _, id := range []string{"t1", "t2", "t3"} {
		store.threads[id] = &types.Thread{ID: id}
	}
	m := newTestManager(store, Options{MaxEntries: 2})
	now := time.Now()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		now = now.Add(time.Second)
		_, err := m.GetThread(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), m.GetStats()["cached_threads"])

	// t1 was the oldest and got evicted.
	_, err := m.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, store.loadCount())
}

func TestManager_Invalidate(t *testing.T) {
	store := newCountingStore()
	store.threads["t1"] = &types.Thread{ID: "t1"}
	m := newTestManager(store, Options{})
	ctx := context.Background()

	_, _ = m.GetThread(ctx, "t1")
	m.Invalidate("t1")
	_, _ = m.GetThread(ctx, "t1")
	assert.Equal(t, 2, store.loadCount())
}

func TestManager_PassesThrough(t *testing.T) {
	m := newTestManager(newCountingStore(), Options{})
	assert.NoError(t, m.HealthCheck(context.Background()))
}
