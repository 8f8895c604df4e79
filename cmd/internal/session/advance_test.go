package session

import (
	"testing"
	"time"
)

func TestAdvanceIssuedExpires(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{
		Token:             "tok",
		Status:            StatusIssued,
		ValidityExpiresAt: now.Add(24 * time.Hour),
	}

	if changed := Advance(s, now); changed {
		t.Fatalf("advance before deadline should not change, got %v", s.Status)
	}
	if changed := Advance(s, now.Add(24*time.Hour)); changed {
		t.Fatalf("deadline itself is still claimable")
	}
	if changed := Advance(s, now.Add(24*time.Hour+time.Second)); !changed {
		t.Fatalf("expected transition past deadline")
	}
	if s.Status != StatusExpired {
		t.Fatalf("status = %v, want expired", s.Status)
	}

	// Terminal absorbs.
	if changed := Advance(s, now.Add(48*time.Hour)); changed {
		t.Fatalf("expired session must not change again")
	}
}

func TestAdvanceActiveCloses(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now
	ended := now.Add(30 * time.Minute)
	s := &Session{
		Token:             "tok",
		Status:            StatusActive,
		ValidityExpiresAt: now.Add(24 * time.Hour),
		StartedAt:         &started,
		EndedAt:           &ended,
	}

	if changed := Advance(s, ended.Add(-time.Second)); changed {
		t.Fatalf("live window still open")
	}
	if changed := Advance(s, ended); !changed {
		t.Fatalf("window end is inclusive, expected close")
	}
	if s.Status != StatusClosed {
		t.Fatalf("status = %v, want closed", s.Status)
	}
}

func TestTerminateDeleted(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &Session{
		Token:             "tok",
		Status:            StatusIssued,
		ValidityExpiresAt: now.Add(time.Hour),
	}

	if !Terminate(s, StatusDeleted, now) {
		t.Fatalf("expected termination")
	}
	if s.Status != StatusDeleted {
		t.Fatalf("status = %v, want deleted", s.Status)
	}
	if s.StartedAt == nil || !s.StartedAt.Equal(now) {
		t.Fatalf("started_at not stamped")
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(now) {
		t.Fatalf("ended_at not stamped")
	}

	// Idempotent on terminal sessions.
	if Terminate(s, StatusDeleted, now.Add(time.Minute)) {
		t.Fatalf("second termination must be a no-op")
	}
	if !s.EndedAt.Equal(now) {
		t.Fatalf("timestamps must not move on repeat termination")
	}
}

func TestTerminateClosedKeepsEndedAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Minute)
	ended := now.Add(20 * time.Minute)
	s := &Session{
		Status:    StatusActive,
		StartedAt: &started,
		EndedAt:   &ended,
	}

	if !Terminate(s, StatusClosed, now) {
		t.Fatalf("expected close")
	}
	if s.Status != StatusClosed {
		t.Fatalf("status = %v, want closed", s.Status)
	}
	if !s.EndedAt.Equal(ended) {
		t.Fatalf("existing ended_at must be preserved")
	}
}

func TestRemainingSeconds(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ended := now.Add(90 * time.Second)

	active := Session{Status: StatusActive, EndedAt: &ended}
	if got := RemainingSeconds(active, now); got == nil || *got != 90 {
		t.Fatalf("remaining = %v, want 90", got)
	}
	if got := RemainingSeconds(active, ended.Add(time.Minute)); got == nil || *got != 0 {
		t.Fatalf("remaining past end = %v, want 0", got)
	}

	issued := Session{Status: StatusIssued}
	if got := RemainingSeconds(issued, now); got != nil {
		t.Fatalf("issued session has no live window, got %v", got)
	}
}
