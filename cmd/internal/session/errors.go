package session

import "errors"

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound covers unknown tokens, participants, and report ids.
	ErrNotFound = errors.New("not found")

	// Gone family: the token can no longer be used to join, each for a
	// distinct reason surfaced to the caller.
	ErrTokenExpired   = errors.New("token expired")
	ErrSessionClosed  = errors.New("session already closed")
	ErrSessionDeleted = errors.New("session has been deleted")

	// ErrSessionFull means both seats are taken and no reclaim matched.
	ErrSessionFull = errors.New("session already has two participants")

	// ErrRateLimited means the identifier exhausted its hourly request budget.
	ErrRateLimited = errors.New("token request limit reached for this identifier")
)

// GoneError maps a terminal status to its join/connection rejection error,
// or nil for non-terminal statuses.
func GoneError(s Status) error {
	switch s {
	case StatusExpired:
		return ErrTokenExpired
	case StatusClosed:
		return ErrSessionClosed
	case StatusDeleted:
		return ErrSessionDeleted
	default:
		return nil
	}
}
