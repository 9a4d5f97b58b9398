package types

import (
	"regexp"
	"strings"
	"unicode"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	MaxContentBytes   = 65536
	MaxAttachments    = 10
	MaxEmojiBytes     = 32
	MaxRoomNameLength = 128
	MaxPresenceSync   = 500
)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	return isValidID(userID)
}

// IsValidID checks conversation and message identifiers.
func IsValidID(id string) bool {
	return isValidID(id)
}

func isValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidRoom accepts any non-empty name without whitespace or control
// characters. Personal and conversation rooms must also carry a valid ID.
func IsValidRoom(room string) bool {
	if len(room) < 1 || len(room) > MaxRoomNameLength {
		return false
	}
	if strings.IndexFunc(room, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return false
	}
	if id, ok := strings.CutPrefix(room, RoomUserPrefix); ok {
		return isValidID(id)
	}
	if id, ok := strings.CutPrefix(room, RoomConversationPrefix); ok {
		return isValidID(id)
	}
	return true
}

// PersonalRoomOwner returns the user ID encoded in a personal room name.
func PersonalRoomOwner(room string) (string, bool) {
	return strings.CutPrefix(room, RoomUserPrefix)
}

// Validate checks the message:send payload.
func (p *MessageSendPayload) Validate() error {
	if !isValidID(p.ConversationID) {
		return ErrInvalidConversationID
	}
	if strings.TrimSpace(p.Content) == "" && len(p.Attachments) == 0 {
		return ErrEmptyContent
	}
	if len(p.Content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if len(p.Attachments) > MaxAttachments {
		return ErrTooManyAttachments
	}
	return nil
}

// Validate checks the reaction:send payload.
func (p *ReactionSendPayload) Validate() error {
	if !isValidID(p.MessageID) {
		return ErrInvalidMessageID
	}
	if len(p.Emoji) < 1 || len(p.Emoji) > MaxEmojiBytes {
		return ErrInvalidEmoji
	}
	return nil
}

// Validate checks the presence:sync payload.
func (p *PresenceSyncPayload) Validate() error {
	if len(p.UserIDs) > MaxPresenceSync {
		return ErrTooManyUserIDs
	}
	for _, id := range p.UserIDs {
		if !isValidID(id) {
			return ErrInvalidUserID
		}
	}
	return nil
}
