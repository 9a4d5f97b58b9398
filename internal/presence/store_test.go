package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/pkg/types"
)

func TestMemoryStore_UpdateIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec, err := s.Update(ctx, "alice", func(r *types.PresenceRecord) {
		r.State = types.PresenceOnline
		r.Nodes["n1"] = 1
	})
	require.NoError(t, err)
	rec.Nodes["n2"] = 5

	got, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"n1": 1}, got.Nodes)

	many, err := s.GetMany(ctx, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Len(t, many, 1)
}

func TestMemoryStore_ConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, "alice", func(r *types.PresenceRecord) { r.Nodes["n1"]++ })
		}()
	}
	wg.Wait()

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 50, rec.Nodes["n1"])
}

// fakeBucket mimics JetStream KV revision semantics. conflicts forces that
// many writes to lose the race.
type fakeBucket struct {
	mu        sync.Mutex
	values    map[string][]byte
	revs      map[string]uint64
	seq       uint64
	conflicts int
	writeErr  error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{values: make(map[string][]byte), revs: make(map[string]uint64)}
}

func (b *fakeBucket) get(key string) ([]byte, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.values[key], b.revs[key], nil
}

func (b *fakeBucket) write(key string, value []byte, expected uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	if b.conflicts > 0 {
		b.conflicts--
		// Someone else wrote in between.
		b.seq++
		b.revs[key] = b.seq
		return &nats.APIError{Code: 400, ErrorCode: nats.JSErrCodeStreamWrongLastSequence}
	}
	if b.revs[key] != expected {
		if expected == 0 {
			return nats.ErrKeyExists
		}
		return &nats.APIError{Code: 400, ErrorCode: nats.JSErrCodeStreamWrongLastSequence}
	}
	b.seq++
	b.values[key] = value
	b.revs[key] = b.seq
	return nil
}

func (b *fakeBucket) create(key string, value []byte) error { return b.write(key, value, 0) }

func (b *fakeBucket) update(key string, value []byte, rev uint64) error {
	return b.write(key, value, rev)
}

func TestKVStore_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	s := &KVStore{bucket: newFakeBucket()}

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = s.Update(ctx, "alice", func(r *types.PresenceRecord) {
		r.State = types.PresenceOnline
		r.Nodes["n1"] = 1
	})
	require.NoError(t, err)
	_, err = s.Update(ctx, "alice", func(r *types.PresenceRecord) { r.Nodes["n2"] = 2 })
	require.NoError(t, err)

	rec, err = s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOnline, rec.State)
	assert.Equal(t, map[string]int{"n1": 1, "n2": 2}, rec.Nodes)
}

func TestKVStore_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	b := newFakeBucket()
	s := &KVStore{bucket: b}
	_, err := s.Update(ctx, "alice", func(r *types.PresenceRecord) { r.Nodes["n1"] = 1 })
	require.NoError(t, err)

	b.conflicts = 3
	calls := 0
	_, err = s.Update(ctx, "alice", func(r *types.PresenceRecord) {
		calls++
		r.Nodes["n2"] = 1
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestKVStore_GivesUpAfterRepeatedConflicts(t *testing.T) {
	b := newFakeBucket()
	b.conflicts = maxCASAttempts
	s := &KVStore{bucket: b}

	_, err := s.Update(context.Background(), "alice", func(*types.PresenceRecord) {})
	assert.ErrorIs(t, err, ErrUpdateConflict)
}

func TestKVStore_PropagatesOtherErrors(t *testing.T) {
	b := newFakeBucket()
	b.writeErr = fmt.Errorf("no responders")
	s := &KVStore{bucket: b}

	_, err := s.Update(context.Background(), "alice", func(*types.PresenceRecord) {})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUpdateConflict)
}

func TestKVStore_GetManyRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &KVStore{bucket: newFakeBucket()}

	_, err := s.GetMany(ctx, []string{"alice"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(nats.ErrKeyExists))
	assert.True(t, isConflict(fmt.Errorf("wrapped: %w", &nats.APIError{ErrorCode: nats.JSErrCodeStreamWrongLastSequence})))
	assert.False(t, isConflict(nats.ErrTimeout))
}
