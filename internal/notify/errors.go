package notify

import "errors"

// Dispatcher errors
var (
	ErrAlreadyRunning = errors.New("notification dispatcher already running")
	ErrNotRunning     = errors.New("notification dispatcher not running")
	ErrQueueFull      = errors.New("notification queue full")
)
