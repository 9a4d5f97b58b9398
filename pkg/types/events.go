package types

import "time"

// Client -> server events
const (
	EventAuth           = "auth"
	EventJoin           = "join"
	EventLeave          = "leave"
	EventMessageSend    = "message:send"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventMessageRead    = "message:read"
	EventThreadRead     = "thread:read"
	EventReactionSend   = "reaction:send"
	EventPresenceUpdate = "presence:update"
	EventPresenceSync   = "presence:sync"
)

// IsClientEvent reports whether event is one clients send to the server.
func IsClientEvent(event string) bool {
	switch event {
	case EventAuth, EventJoin, EventLeave, EventMessageSend, EventTypingStart, EventTypingStop,
		EventMessageRead, EventThreadRead, EventReactionSend, EventPresenceUpdate, EventPresenceSync:
		return true
	}
	return false
}

// Server -> client events
const (
	EventAuthSuccess          = "auth:success"
	EventAuthError            = "auth:error"
	EventRoomJoined           = "room:joined"
	EventRoomLeft             = "room:left"
	EventRoomError            = "room:error"
	EventMessageSent          = "message:sent"
	EventMessageReceived      = "message:received"
	EventMessageError         = "message:error"
	EventTypingStarted        = "typing:started"
	EventTypingStopped        = "typing:stopped"
	EventTypingError          = "typing:error"
	EventReadError            = "read:error"
	EventReactionReceived     = "reaction:received"
	EventReactionError        = "reaction:error"
	EventPresenceChanged      = "presence:changed"
	EventPresenceSynced       = "presence:synced"
	EventPresenceError        = "presence:error"
	EventNotificationReceived = "notification:received"
	EventThreadUpdated        = "thread:updated"
	EventError                = "error"
)

// Error codes carried by *:error payloads
const (
	CodeUnauthenticated = "unauthenticated"
	CodeInvalidPayload  = "invalid_payload"
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeRateLimited     = "rate_limited"
	CodeUnknownEvent    = "unknown_event"
	CodeInternal        = "internal"
)

// ErrorPayload is the body of every *:error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// Inbound payloads

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	Room string `json:"room"`
}

type MessageSendPayload struct {
	ConversationID  string       `json:"conversationId"`
	Content         string       `json:"content"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	ClientMessageID string       `json:"clientMessageId,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}

type MessageReadPayload struct {
	MessageID string `json:"messageId"`
}

type ThreadReadPayload struct {
	ConversationID string `json:"conversationId"`
}

type ReactionSendPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type PresenceSyncPayload struct {
	UserIDs []string `json:"userIds"`
}

// Outbound payloads

type AuthSuccessPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type MessageSentPayload struct {
	Message         *Message `json:"message"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
}

type MessageReceivedPayload struct {
	Message *Message `json:"message"`
}

type TypingEventPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ReadReceiptPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

type ReactionReceivedPayload struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	UserID         string     `json:"userId"`
	Emoji          string     `json:"emoji"`
	Reactions      []Reaction `json:"reactions"`
}

type PresenceChangedPayload struct {
	UserID    string    `json:"userId"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

type PresenceEntry struct {
	State    string     `json:"state"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type PresenceSyncedPayload struct {
	Presence map[string]PresenceEntry `json:"presence"`
}

type ThreadUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	Pinned         bool   `json:"pinned"`
	Archived       bool   `json:"archived"`
}
