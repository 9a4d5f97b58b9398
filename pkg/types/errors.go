package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserID         = errors.New("user ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidConversationID = errors.New("conversation ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidMessageID      = errors.New("message ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRoom           = errors.New("room name must be 1-128 characters without whitespace")
	ErrClientEvent           = errors.New("client-to-server events cannot be emitted")
	ErrEmptyContent          = errors.New("message content or attachments required")
	ErrContentTooLarge       = errors.New("message content exceeds 64KB limit")
	ErrTooManyAttachments    = errors.New("too many attachments")
	ErrInvalidEmoji          = errors.New("emoji must be 1-32 bytes")
	ErrTooManyUserIDs        = errors.New("too many user IDs in one request")
)
