package session

import "time"

// Advance applies the lazy state transition rules to s at the given wall
// clock and reports whether anything changed. It is the single place the
// transition table lives:
//
//	ISSUED -> EXPIRED  when now is past the claim deadline
//	ACTIVE -> CLOSED   when the live window has ended
//
// Terminal states (CLOSED, EXPIRED, DELETED) absorb. Callers must persist
// the session before acting on the result so a stale ACTIVE session past its
// end time self-corrects as part of the same operation.
func Advance(s *Session, now time.Time) bool {
	if s == nil || s.Status.Terminal() {
		return false
	}

	switch s.Status {
	case StatusIssued:
		if now.After(s.ValidityExpiresAt) {
			s.Status = StatusExpired
			return true
		}
	case StatusActive:
		if s.EndedAt != nil && !now.Before(*s.EndedAt) {
			s.Status = StatusClosed
			return true
		}
	}
	return false
}

// Terminate forces a non-terminal session to the given terminal status,
// stamping the live window boundaries the way explicit deletion and forced
// closure do. It reports whether the session changed.
func Terminate(s *Session, to Status, now time.Time) bool {
	if s == nil || s.Status.Terminal() {
		return false
	}

	switch to {
	case StatusDeleted:
		if s.StartedAt == nil {
			t := now
			s.StartedAt = &t
		}
		t := now
		s.EndedAt = &t
		s.Status = StatusDeleted
	case StatusClosed:
		if s.EndedAt == nil {
			t := now
			s.EndedAt = &t
		}
		s.Status = StatusClosed
	default:
		return false
	}
	return true
}

// RemainingSeconds returns the time left in the live window, or nil when the
// session is not currently active.
func RemainingSeconds(s Session, now time.Time) *int64 {
	if s.Status != StatusActive || s.EndedAt == nil {
		return nil
	}
	secs := int64(s.EndedAt.Sub(now).Seconds())
	if secs < 0 {
		secs = 0
	}
	return &secs
}
