package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"courier/internal/rooms"
	"courier/pkg/types"
)

// busMessage is what travels between nodes: the already encoded client
// frame plus routing data.
type busMessage struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
	Filter rooms.Filter    `json:"filter"`
}

// BusAdapter delivers locally and publishes every emission on the bus so
// sibling nodes relay it to their own connections.
// ARCHITECTURAL DISCOVERY: Local delivery happens before the publish, so a
// bus outage degrades to single-node delivery instead of dropping events
type BusAdapter struct {
	mux     *rooms.Multiplexer
	bus     Bus
	subject string
	nodeID  string
	logger  *slog.Logger

	unsubscribe func() error
	closeOnce   sync.Once

	published     metric.Int64Counter
	publishErrors metric.Int64Counter
	relayed       metric.Int64Counter
}

// NewBusAdapter subscribes to subject and returns an adapter publishing on it.
func NewBusAdapter(mux *rooms.Multiplexer, bus Bus, subject, nodeID string, logger *slog.Logger) (*BusAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("courier/fanout")
	published, _ := meter.Int64Counter("fanout_publishes_total",
		metric.WithDescription("Emissions published to the cluster bus"))
	publishErrors, _ := meter.Int64Counter("fanout_publish_errors_total",
		metric.WithDescription("Emissions that could not be published"))
	relayed, _ := meter.Int64Counter("fanout_relays_total",
		metric.WithDescription("Emissions received from sibling nodes and delivered locally"))

	a := &BusAdapter{
		mux:           mux,
		bus:           bus,
		subject:       subject,
		nodeID:        nodeID,
		logger:        logger.With("component", "fanout", "node", nodeID),
		published:     published,
		publishErrors: publishErrors,
		relayed:       relayed,
	}

	unsubscribe, err := bus.Subscribe(subject, a.relay)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	a.unsubscribe = unsubscribe
	return a, nil
}

// EmitToRoom delivers to local members and publishes to siblings. A
// publish failure is logged and counted; local delivery has already happened.
func (a *BusAdapter) EmitToRoom(ctx context.Context, room, event string, payload any, opts ...rooms.EmitOption) error {
	frame, err := types.Encode(event, payload)
	if err != nil {
		return err
	}
	a.mux.EmitRaw(room, frame, opts...)

	data, err := json.Marshal(busMessage{
		Origin: a.nodeID,
		Room:   room,
		Frame:  frame,
		Filter: rooms.BuildFilter(opts...),
	})
	if err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.String("event", event))
	if err := a.bus.Publish(a.subject, data); err != nil {
		a.publishErrors.Add(ctx, 1, attrs)
		a.logger.Warn("fanout publish failed, delivered locally only", "room", room, "event", event, "error", err)
		return nil
	}
	a.published.Add(ctx, 1, attrs)
	return nil
}

// EmitToUser emits to the user's personal room on every node.
func (a *BusAdapter) EmitToUser(ctx context.Context, userID, event string, payload any, opts ...rooms.EmitOption) error {
	return a.EmitToRoom(ctx, types.UserRoom(userID), event, payload, opts...)
}

// relay delivers a sibling's emission to local members.
func (a *BusAdapter) relay(data []byte) {
	// Own messages come back on a shared subject; skip them before decoding.
	if gjson.GetBytes(data, "origin").String() == a.nodeID {
		return
	}

	var msg busMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("dropping malformed fanout message", "error", err)
		return
	}
	a.mux.EmitRaw(msg.Room, msg.Frame, msg.Filter.Options()...)
	a.relayed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", gjson.GetBytes(msg.Frame, "event").String())))
}

func (a *BusAdapter) Mode() string { return ModeClustered }

// NodeID returns the origin tag of this node.
func (a *BusAdapter) NodeID() string { return a.nodeID }

// Close stops relaying.
func (a *BusAdapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.unsubscribe != nil {
			err = a.unsubscribe()
		}
	})
	return err
}
