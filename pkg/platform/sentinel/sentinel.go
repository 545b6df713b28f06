package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) and services translate them into domain error codes.
//
// - ErrNotFound: aggregate or event does not exist
// - ErrConflict: a concurrent writer got there first
// - ErrAlreadyUsed: an idempotency key (event ID) was already recorded
// - ErrInvalidState: the stored aggregate is in the wrong state for the request
// - ErrUnavailable: the backing store cannot be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
