package presence

import (
	"context"
	"hash/fnv"
	"maps"
	"sync"

	"courier/pkg/types"
)

// Store holds presence records keyed by user ID. Implementations serialize
// Update per key; fn may run more than once when the store retries a
// conflicting write, so it must only mutate the record it is given.
type Store interface {
	// Get returns the record or nil when the user has none.
	Get(ctx context.Context, userID string) (*types.PresenceRecord, error)
	GetMany(ctx context.Context, userIDs []string) (map[string]*types.PresenceRecord, error)
	// Update applies fn to the current record (a fresh offline record when
	// absent) and stores the result.
	Update(ctx context.Context, userID string, fn func(*types.PresenceRecord)) (*types.PresenceRecord, error)
}

func newRecord(userID string) *types.PresenceRecord {
	return &types.PresenceRecord{
		UserID: userID,
		State:  types.PresenceOffline,
		Nodes:  make(map[string]int),
	}
}

func cloneRecord(r *types.PresenceRecord) *types.PresenceRecord {
	c := *r
	c.Nodes = maps.Clone(r.Nodes)
	if c.Nodes == nil {
		c.Nodes = make(map[string]int)
	}
	return &c
}

const memoryShards = 32

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	shards [memoryShards]memoryShard
}

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*types.PresenceRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*types.PresenceRecord)
	}
	return s
}

func (s *MemoryStore) shard(userID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.shards[h.Sum32()%memoryShards]
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*types.PresenceRecord, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[userID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, userIDs []string) (map[string]*types.PresenceRecord, error) {
	out := make(map[string]*types.PresenceRecord, len(userIDs))
	for _, id := range userIDs {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, userID string, fn func(*types.PresenceRecord)) (*types.PresenceRecord, error) {
	sh := s.shard(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := newRecord(userID)
	if cur, ok := sh.records[userID]; ok {
		rec = cloneRecord(cur)
	}
	fn(rec)
	sh.records[userID] = rec
	return cloneRecord(rec), nil
}
