package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed     = errors.New("connection closed")
	ErrSlowConsumer         = errors.New("send buffer full")
	ErrInvalidJSON          = errors.New("invalid JSON data")
	ErrAlreadyAuthenticated = errors.New("connection is authenticated as another user")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
)

// Handler-related errors
var (
	ErrAlreadyAttached = errors.New("websocket handler already attached to this mux")
)
