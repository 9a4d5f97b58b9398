package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"courier/pkg/types"
)

const maxCASAttempts = 16

// bucket is the slice of a JetStream key-value bucket the store needs.
// revision 0 means the key is absent.
type bucket interface {
	get(key string) (value []byte, revision uint64, err error)
	create(key string, value []byte) error
	update(key string, value []byte, revision uint64) error
}

// KVStore keeps records in a NATS JetStream key-value bucket so every node
// of a cluster shares them. Writes are compare-and-set on the key revision.
type KVStore struct {
	bucket bucket
}

// NewKVStore binds bucket, creating it in memory storage when missing. ttl
// bounds how long an abandoned record survives; zero keeps records forever.
func NewKVStore(nc *nats.Conn, name string, ttl time.Duration) (*KVStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      name,
			Description: "courier presence records",
			History:     1,
			TTL:         ttl,
			Storage:     nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("presence bucket %s: %w", name, err)
	}
	return &KVStore{bucket: natsBucket{kv: kv}}, nil
}

func (s *KVStore) Get(_ context.Context, userID string) (*types.PresenceRecord, error) {
	rec, _, err := s.load(userID)
	return rec, err
}

func (s *KVStore) load(userID string) (*types.PresenceRecord, uint64, error) {
	data, rev, err := s.bucket.get(userID)
	if err != nil {
		return nil, 0, err
	}
	if rev == 0 {
		return nil, 0, nil
	}
	rec := newRecord(userID)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, 0, fmt.Errorf("decode presence of %s: %w", userID, err)
	}
	if rec.Nodes == nil {
		rec.Nodes = make(map[string]int)
	}
	return rec, rev, nil
}

func (s *KVStore) GetMany(ctx context.Context, userIDs []string) (map[string]*types.PresenceRecord, error) {
	out := make(map[string]*types.PresenceRecord, len(userIDs))
	for _, id := range userIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
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

// Update retries on revision conflicts until fn's result lands.
func (s *KVStore) Update(ctx context.Context, userID string, fn func(*types.PresenceRecord)) (*types.PresenceRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, rev, err := s.load(userID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			rec = newRecord(userID)
		}
		fn(rec)

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, err
		}
		if rev == 0 {
			err = s.bucket.create(userID, data)
		} else {
			err = s.bucket.update(userID, data, rev)
		}
		if err == nil {
			return rec, nil
		}
		if !isConflict(err) {
			return nil, fmt.Errorf("store presence of %s: %w", userID, err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUpdateConflict, userID)
}

func isConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}

// natsBucket adapts nats.KeyValue.
type natsBucket struct {
	kv nats.KeyValue
}

func (b natsBucket) get(key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b natsBucket) create(key string, value []byte) error {
	_, err := b.kv.Create(key, value)
	return err
}

func (b natsBucket) update(key string, value []byte, revision uint64) error {
	_, err := b.kv.Update(key, value, revision)
	return err
}
