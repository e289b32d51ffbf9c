package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when a uniqueness rule rejects a write.
	ErrDuplicate = errors.New("persistence: duplicate record")
	// ErrConstraintViolation is returned when a check or foreign key constraint rejects a write.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrStaleState is returned when a conditional update matched no row because the
	// record is no longer in the expected state.
	ErrStaleState = errors.New("persistence: stale state")
	// ErrBusy is returned when the store could not obtain a lock in time.
	ErrBusy = errors.New("persistence: store busy")
)
