// Package interaction holds the two-party state machines shared by every
// paired feature: the symmetric reveal gate and the asymmetric turn protocol.
//
// Both machines are pure values. Callers load one from the store, apply a
// transition, and persist the result with a conditional write; nothing else
// is allowed to change an interaction's phase.
package interaction

import "errors"

var (
	// ErrAlreadyResponded rejects any attempt to overwrite a committed value.
	ErrAlreadyResponded = errors.New("already responded")
	// ErrNotYourTurn rejects a setter-only action from the other participant.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrPartnerNotReady is recoverable: the caller should wait for the next
	// update and retry.
	ErrPartnerNotReady = errors.New("partner not ready")
	// ErrWriteConflict is returned when concurrent writers kept winning the
	// conditional write and the transition could not be re-evaluated in time.
	ErrWriteConflict = errors.New("write conflict")

	ErrNotParticipant = errors.New("not a participant in this interaction")
	ErrInvalidValue   = errors.New("invalid value")
)
