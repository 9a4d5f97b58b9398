package database

import "errors"

var (
	ErrManagerClosed  = errors.New("database manager is closed")
	ErrWriteTimeout   = errors.New("write operation timeout")
	ErrNoParticipants = errors.New("thread needs at least one participant")
)
