package interfaces

import "errors"

// Common store errors used across components
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)
