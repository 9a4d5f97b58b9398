package interfaces

import (
	"context"

	"courier/pkg/types"
)

// MessageStore is the persistence the transport talks to when handling
// message, read and reaction events.
// ARCHITECTURAL DISCOVERY: The transport never owns message data; every write
// goes through this interface and its errors are converted to error events
// by the caller, never propagated to the connection.
type MessageStore interface {
	// GetThread returns the thread with its participant list or ErrNotFound.
	GetThread(ctx context.Context, threadID string) (*types.Thread, error)

	// GetMessage returns a single message or ErrNotFound.
	GetMessage(ctx context.Context, messageID string) (*types.Message, error)

	// SendMessage persists a message and increments the unread counters of
	// its recipients in the same transaction.
	SendMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error)

	// MarkMessageAsRead records a read receipt for one message.
	MarkMessageAsRead(ctx context.Context, messageID, userID string) error

	// MarkThreadAsRead marks every message of the thread read for userID and
	// resets its unread counter.
	MarkThreadAsRead(ctx context.Context, threadID, userID string) error

	// AddReaction stores a reaction and returns the message's full reaction
	// list afterwards.
	AddReaction(ctx context.Context, messageID, userID, emoji string) ([]types.Reaction, error)
}

// ParticipantStateStore holds the per-user thread state that clients
// reconcile against.
type ParticipantStateStore interface {
	// CreateThread creates a thread with its participants.
	CreateThread(ctx context.Context, subject string, participantIDs []string) (*types.Thread, error)

	// GetParticipantState returns userID's state in the thread or ErrNotFound
	// when the user does not take part in it.
	GetParticipantState(ctx context.Context, threadID, userID string) (*types.ParticipantState, error)

	// UpdateParticipantState applies patch and returns the resulting state.
	UpdateParticipantState(ctx context.Context, threadID, userID string, patch types.ParticipantStatePatch) (*types.ParticipantState, error)
}

// Store is the full database surface used by the application.
type Store interface {
	MessageStore
	ParticipantStateStore

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close closes the database and waits for pending writes.
	Close() error
}
