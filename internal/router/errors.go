package router

import "errors"

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrNotParticipant    = errors.New("not a participant of this conversation")
	ErrMissingEvent      = errors.New("frame has no event name")
	ErrMalformedFrame    = errors.New("frame is not a JSON object")
)
