package store

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a conditional write lost to a concurrent one.
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyPaired   = errors.New("participant is already paired")
	ErrCodeNotFound    = errors.New("pairing code not found")
	ErrCodeExpired     = errors.New("pairing code expired")
	ErrCodeTaken       = errors.New("pairing code already in use")
)
