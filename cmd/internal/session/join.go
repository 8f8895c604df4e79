package session

import "time"

// JoinRequest carries the normalized inputs of one join attempt.
type JoinRequest struct {
	// ParticipantID selects the explicit reclaim path: the caller already
	// knows its seat and wants its metadata refreshed.
	ParticipantID *string

	ClientIdentity    *string
	IPAddress         string
	InternalIPAddress string
	RequestHeaders    *string

	Now time.Time
}

// JoinOutcome describes what a join attempt changed.
type JoinOutcome struct {
	Participant Participant
	Created     bool
	Updated     bool
	// Activated is true when this join seated the second participant and
	// started the live window.
	Activated bool
}

// ApplyJoin runs the join protocol against an in-memory session snapshot,
// mutating it in place. Stores call it inside their transaction, after
// Advance, and persist whatever the outcome says changed.
//
// Seat assignment order: explicit reclaim by participant id, reclaim by
// client identity, reclaim by network address (only when no identity was
// supplied), then a fresh seat if one is free.
func ApplyJoin(s *Session, req JoinRequest) (JoinOutcome, error) {
	if err := GoneError(s.Status); err != nil {
		return JoinOutcome{}, err
	}

	if req.ParticipantID != nil {
		for i := range s.Participants {
			if s.Participants[i].ID == *req.ParticipantID {
				updated := refreshParticipant(&s.Participants[i], req)
				return JoinOutcome{Participant: s.Participants[i], Updated: updated}, nil
			}
		}
		return JoinOutcome{}, ErrNotFound
	}

	if idx := matchExisting(s.Participants, req); idx >= 0 {
		updated := refreshParticipant(&s.Participants[idx], req)
		return JoinOutcome{Participant: s.Participants[idx], Updated: updated}, nil
	}

	if len(s.Participants) >= 2 {
		return JoinOutcome{}, ErrSessionFull
	}

	role := RoleHost
	if len(s.Participants) == 1 {
		role = RoleGuest
	}

	id, err := NewParticipantID(req.Now)
	if err != nil {
		return JoinOutcome{}, err
	}

	p := Participant{
		ID:                id,
		Role:              role,
		IPAddress:         req.IPAddress,
		InternalIPAddress: req.InternalIPAddress,
		ClientIdentity:    req.ClientIdentity,
		RequestHeaders:    req.RequestHeaders,
		JoinedAt:          req.Now,
	}
	s.Participants = append(s.Participants, p)

	out := JoinOutcome{Participant: p, Created: true}
	if role == RoleGuest {
		started := req.Now
		ended := req.Now.Add(time.Duration(s.TTLSeconds) * time.Second)
		s.Status = StatusActive
		s.StartedAt = &started
		s.EndedAt = &ended
		out.Activated = true
	}
	return out, nil
}

// matchExisting implements the idempotent-rejoin matching: client identity
// when supplied, otherwise network address. Address matching is skipped when
// an identity is present so a second physical user behind the same NAT with
// its own identity is not silently merged into the first seat.
func matchExisting(participants []Participant, req JoinRequest) int {
	if req.ClientIdentity != nil && *req.ClientIdentity != "" {
		for i := range participants {
			if participants[i].ClientIdentity != nil && *participants[i].ClientIdentity == *req.ClientIdentity {
				return i
			}
		}
		return -1
	}
	for i := range participants {
		if participants[i].IPAddress == req.IPAddress {
			return i
		}
	}
	return -1
}

// refreshParticipant updates the mutable metadata of a reclaimed seat.
// Role and id are immutable by design.
func refreshParticipant(p *Participant, req JoinRequest) bool {
	updated := false
	if p.IPAddress != req.IPAddress {
		p.IPAddress = req.IPAddress
		updated = true
	}
	if p.InternalIPAddress != req.InternalIPAddress {
		p.InternalIPAddress = req.InternalIPAddress
		updated = true
	}
	if !strPtrEqual(p.ClientIdentity, req.ClientIdentity) {
		p.ClientIdentity = req.ClientIdentity
		updated = true
	}
	if req.RequestHeaders != nil && !strPtrEqual(p.RequestHeaders, req.RequestHeaders) {
		p.RequestHeaders = req.RequestHeaders
		updated = true
	}
	return updated
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
