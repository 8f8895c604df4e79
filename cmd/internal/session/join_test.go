package session

import (
	"errors"
	"testing"
	"time"
)

func strp(s string) *string { return &s }

func newIssuedSession(now time.Time) *Session {
	return &Session{
		Token:             NewToken(),
		Status:            StatusIssued,
		ValidityExpiresAt: now.Add(24 * time.Hour),
		TTLSeconds:        1800,
		MessageCharLimit:  2000,
		CreatedAt:         now,
	}
}

func TestApplyJoinHostThenGuestActivates(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newIssuedSession(now)

	host, err := ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("alice"),
		IPAddress:      "203.0.113.10",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("host join: %v", err)
	}
	if !host.Created || host.Participant.Role != RoleHost {
		t.Fatalf("first joiner must create the host seat, got %+v", host)
	}
	if host.Activated || s.Status != StatusIssued {
		t.Fatalf("one seat must not activate the session")
	}

	guest, err := ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("bob"),
		IPAddress:      "203.0.113.11",
		Now:            now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("guest join: %v", err)
	}
	if !guest.Created || guest.Participant.Role != RoleGuest {
		t.Fatalf("second joiner must create the guest seat, got %+v", guest)
	}
	if !guest.Activated || s.Status != StatusActive {
		t.Fatalf("two seats must activate the session")
	}
	if s.StartedAt == nil || s.EndedAt == nil {
		t.Fatalf("live window not stamped")
	}
	if got := s.EndedAt.Sub(*s.StartedAt); got != 30*time.Minute {
		t.Fatalf("live window = %v, want 30m", got)
	}
}

func TestApplyJoinReclaimByIdentity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newIssuedSession(now)

	first, err := ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("alice"),
		IPAddress:      "203.0.113.10",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	// Same identity from a new address reclaims the seat.
	again, err := ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("alice"),
		IPAddress:      "198.51.100.7",
		Now:            now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if again.Created {
		t.Fatalf("rejoin must not create a seat")
	}
	if again.Participant.ID != first.Participant.ID {
		t.Fatalf("seat id changed on reclaim")
	}
	if !again.Updated || again.Participant.IPAddress != "198.51.100.7" {
		t.Fatalf("metadata not refreshed: %+v", again.Participant)
	}
	if len(s.Participants) != 1 {
		t.Fatalf("participants = %d, want 1", len(s.Participants))
	}
}

func TestApplyJoinAddressReclaimOnlyWithoutIdentity(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newIssuedSession(now)

	if _, err := ApplyJoin(s, JoinRequest{IPAddress: "203.0.113.10", Now: now}); err != nil {
		t.Fatalf("join: %v", err)
	}

	// No identity, same address: reclaims the anonymous seat.
	out, err := ApplyJoin(s, JoinRequest{IPAddress: "203.0.113.10", Now: now.Add(time.Second)})
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if out.Created {
		t.Fatalf("address rejoin must reclaim, not create")
	}

	// Identity supplied, same NAT address: this is a distinct user and must
	// get its own seat rather than being merged into the first one.
	out, err = ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("carol"),
		IPAddress:      "203.0.113.10",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("identity join: %v", err)
	}
	if !out.Created || out.Participant.Role != RoleGuest {
		t.Fatalf("expected a fresh guest seat, got %+v", out)
	}
}

func TestApplyJoinExplicitReclaim(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newIssuedSession(now)

	host, err := ApplyJoin(s, JoinRequest{IPAddress: "203.0.113.10", Now: now})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	out, err := ApplyJoin(s, JoinRequest{
		ParticipantID: strp(host.Participant.ID),
		IPAddress:     "198.51.100.7",
		Now:           now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("explicit reclaim: %v", err)
	}
	if out.Created || out.Participant.ID != host.Participant.ID {
		t.Fatalf("explicit reclaim must return the original seat")
	}

	if _, err := ApplyJoin(s, JoinRequest{
		ParticipantID: strp("01UNKNOWNPARTICIPANT0000000"),
		IPAddress:     "198.51.100.7",
		Now:           now.Add(time.Minute),
	}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown participant id: err = %v, want ErrNotFound", err)
	}
}

func TestApplyJoinSessionFull(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newIssuedSession(now)

	for i, id := range []string{"alice", "bob"} {
		if _, err := ApplyJoin(s, JoinRequest{
			ClientIdentity: strp(id),
			IPAddress:      "203.0.113.10",
			Now:            now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}

	_, err := ApplyJoin(s, JoinRequest{
		ClientIdentity: strp("mallory"),
		IPAddress:      "203.0.113.99",
		Now:            now.Add(time.Minute),
	})
	if !errors.Is(err, ErrSessionFull) {
		t.Fatalf("third distinct joiner: err = %v, want ErrSessionFull", err)
	}
}

func TestApplyJoinTerminalStates(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		status Status
		want   error
	}{
		{StatusExpired, ErrTokenExpired},
		{StatusClosed, ErrSessionClosed},
		{StatusDeleted, ErrSessionDeleted},
	}
	for _, tc := range cases {
		s := newIssuedSession(now)
		s.Status = tc.status
		_, err := ApplyJoin(s, JoinRequest{IPAddress: "203.0.113.10", Now: now})
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %s: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}
