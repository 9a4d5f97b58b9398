package auth

import "errors"

var (
	ErrMissingToken   = errors.New("missing token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidSubject = errors.New("token subject is not a valid user id")
	ErrForbiddenRole  = errors.New("token lacks the required role")
)
