// Package fanout makes room emission cluster-aware. Callers emit through an
// Adapter and never branch on whether a backing bus exists.
package fanout

import (
	"context"

	"courier/internal/rooms"
)

// Modes reported by Adapter.Mode.
const (
	ModeLocal     = "local"
	ModeClustered = "clustered"
)

// Adapter delivers room and user emissions to every subscribed connection
// of the logical server.
type Adapter interface {
	EmitToRoom(ctx context.Context, room, event string, payload any, opts ...rooms.EmitOption) error
	EmitToUser(ctx context.Context, userID, event string, payload any, opts ...rooms.EmitOption) error
	Mode() string
	Close() error
}

// Bus is a subject-based publish/subscribe transport shared by the nodes of
// a cluster.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// LocalAdapter delivers to this process only.
type LocalAdapter struct {
	mux *rooms.Multiplexer
}

// NewLocalAdapter wraps mux.
func NewLocalAdapter(mux *rooms.Multiplexer) *LocalAdapter {
	return &LocalAdapter{mux: mux}
}

func (a *LocalAdapter) EmitToRoom(_ context.Context, room, event string, payload any, opts ...rooms.EmitOption) error {
	_, err := a.mux.EmitToRoom(room, event, payload, opts...)
	return err
}

func (a *LocalAdapter) EmitToUser(_ context.Context, userID, event string, payload any, opts ...rooms.EmitOption) error {
	_, err := a.mux.EmitToUser(userID, event, payload, opts...)
	return err
}

func (a *LocalAdapter) Mode() string { return ModeLocal }

func (a *LocalAdapter) Close() error { return nil }
