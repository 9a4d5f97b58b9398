package config

import "errors"

var (
	ErrMissingSection   = errors.New("configuration section is missing")
	ErrMissingJWTSecret = errors.New("auth jwt secret is required")
)
