package interfaces

import (
	"context"

	"courier/pkg/types"
)

// NotificationSender delivers a notification to a user who has no live
// connection. Implementations may call out to push, email or webhooks.
type NotificationSender interface {
	SendNotification(ctx context.Context, userID string, notification types.Notification) error
}

// Authenticator resolves a bearer token to a user ID.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}
