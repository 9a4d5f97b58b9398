package presence

import "errors"

var (
	// ErrUpdateConflict means concurrent writers kept winning the
	// compare-and-set race.
	ErrUpdateConflict = errors.New("presence update conflict")
)
