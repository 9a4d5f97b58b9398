package types

import (
	"encoding/json"
	"time"
)

// Room name prefixes. Rooms are never persisted: a room is the set of
// connections that joined it and disappears when that set is empty.
const (
	RoomUserPrefix         = "user:"
	RoomConversationPrefix = "conversation:"

	// RoomPresence is joined by every authenticated connection and carries
	// presence:changed broadcasts.
	RoomPresence = "presence"
)

// Presence states
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// UserRoom returns the personal room of a user.
func UserRoom(userID string) string {
	return RoomUserPrefix + userID
}

// ConversationRoom returns the room of a conversation.
func ConversationRoom(conversationID string) string {
	return RoomConversationPrefix + conversationID
}

// Envelope is the wire frame used in both directions.
// ARCHITECTURAL DISCOVERY: Data stays raw until the dispatch table picks a
// handler, so an unknown event never pays for a full decode.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope frame for event.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Thread is a conversation as the message store reports it.
type Thread struct {
	ID             string    `json:"id"`
	Subject        string    `json:"subject,omitempty"`
	ParticipantIDs []string  `json:"participantIds"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID takes part in the thread.
func (t *Thread) HasParticipant(userID string) bool {
	for _, id := range t.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Attachment references a file held by external attachment storage.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Reaction is one user's emoji on a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a persisted conversation message.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"conversationId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// NewMessage is the input of MessageStore.SendMessage.
type NewMessage struct {
	ThreadID     string
	SenderID     string
	RecipientIDs []string
	Content      string
	Attachments  []Attachment
}

// ParticipantState is the per-user view of a thread that clients update
// optimistically: unread counter plus pin/archive flags.
type ParticipantState struct {
	ThreadID    string     `json:"conversationId"`
	UserID      string     `json:"userId"`
	UnreadCount int        `json:"unreadCount"`
	Pinned      bool       `json:"pinned"`
	Archived    bool       `json:"archived"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
}

// ParticipantStatePatch carries the fields a client may change. Nil fields
// are left untouched.
type ParticipantStatePatch struct {
	Pinned      *bool `json:"pinned,omitempty"`
	Archived    *bool `json:"archived,omitempty"`
	ResetUnread bool  `json:"resetUnread,omitempty"`
}

// PresenceRecord is the stored presence of one user.
// FUNCTIONAL DISCOVERY: Nodes counts live connections per server process so a
// shared store can tell "offline here" apart from "offline everywhere".
type PresenceRecord struct {
	UserID        string         `json:"userId"`
	State         string         `json:"state"`
	Nodes         map[string]int `json:"nodes,omitempty"`
	LastHeartbeat time.Time      `json:"lastHeartbeat"`
	ChangedAt     time.Time      `json:"changedAt"`
}

// Online reports whether the record is online and fresh. A staleAfter of
// zero disables the staleness check.
func (r *PresenceRecord) Online(now time.Time, staleAfter time.Duration) bool {
	if r == nil || r.State != PresenceOnline {
		return false
	}
	if staleAfter > 0 && now.Sub(r.LastHeartbeat) > staleAfter {
		return false
	}
	return true
}

// Notification is handed to the external notification sender.
type Notification struct {
	Type    string                 `json:"type"`
	Title   string                 `json:"title"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
