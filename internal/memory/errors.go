package memory

import "errors"

var (
	// ErrNotFound is returned when a referenced decision or trigger is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on duplicate ids and conflicting outcomes.
	ErrConflict = errors.New("conflict")
)
