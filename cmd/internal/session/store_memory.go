package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultListLimit = 200

// InMemoryStore is a Store kept entirely in process memory. It backs tests
// and DB-less dev runs; a single mutex stands in for store transactions.
type InMemoryStore struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	requests     []RequestLogRecord
	reports      []*Report
	nextReportID int64
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CountRecentRequests(ctx context.Context, id Identifier, since time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.CreatedAt.Before(since) {
			continue
		}
		if matchIdentifier(r, id) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) IssueSession(ctx context.Context, sess Session, log RequestLogRecord) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if sess.Token == "" {
		return Session{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copySession(&sess)
	s.sessions[sess.Token] = &stored
	s.requests = append(s.requests, log)
	return copySession(&stored), nil
}

func (s *InMemoryStore) JoinSession(ctx context.Context, token string, req JoinRequest) (JoinOutcome, Session, error) {
	if err := ctx.Err(); err != nil {
		return JoinOutcome{}, Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return JoinOutcome{}, Session{}, ErrNotFound
	}
	Advance(sess, req.Now)

	out, err := ApplyJoin(sess, req)
	if err != nil {
		return JoinOutcome{}, Session{}, err
	}
	return out, copySession(sess), nil
}

func (s *InMemoryStore) SessionStatus(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	Advance(sess, now)
	return copySession(sess), nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	Advance(sess, now)
	Terminate(sess, StatusDeleted, now)
	return copySession(sess), nil
}

func (s *InMemoryStore) CloseSession(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrNotFound
	}
	Advance(sess, now)
	Terminate(sess, StatusClosed, now)
	return copySession(sess), nil
}

func (s *InMemoryStore) GetParticipant(ctx context.Context, token, participantID string, now time.Time) (Participant, Session, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Participant{}, Session{}, ErrNotFound
	}
	Advance(sess, now)

	for i := range sess.Participants {
		if sess.Participants[i].ID == participantID {
			return sess.Participants[i], copySession(sess), nil
		}
	}
	return Participant{}, Session{}, ErrNotFound
}

func (s *InMemoryStore) FileReport(ctx context.Context, in ReportInput) (Report, Session, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[in.Token]
	if !ok {
		return Report{}, Session{}, ErrNotFound
	}
	Advance(sess, in.Now)

	draft, _ := BuildReport(sess, in)
	s.nextReportID++
	draft.ID = s.nextReportID
	stored := draft
	s.reports = append(s.reports, &stored)

	return stored, copySession(sess), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if !sessionMatchesFilter(sess, f) {
			continue
		}
		out = append(out, copySession(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListRateLimitLocks(ctx context.Context, threshold int, since time.Time) ([]RateLimitLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if threshold <= 0 {
		return nil, nil
	}
	windowSeconds := int(time.Since(since).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	type bucket struct {
		count int
		last  time.Time
	}
	identities := make(map[string]*bucket)
	addresses := make(map[string]*bucket)

	for _, r := range s.requests {
		if r.CreatedAt.Before(since) {
			continue
		}
		var b map[string]*bucket
		var key string
		if r.ClientIdentity != nil && *r.ClientIdentity != "" {
			b, key = identities, *r.ClientIdentity
		} else {
			b, key = addresses, r.IPAddress
		}
		entry := b[key]
		if entry == nil {
			entry = &bucket{}
			b[key] = entry
		}
		entry.count++
		if r.CreatedAt.After(entry.last) {
			entry.last = r.CreatedAt
		}
	}

	var locks []RateLimitLock
	for key, b := range identities {
		if b.count >= threshold && key != "" {
			locks = append(locks, RateLimitLock{
				IdentifierType: IdentifierClientIdentity,
				Identifier:     key,
				RequestCount:   b.count,
				WindowSeconds:  windowSeconds,
				LastRequestAt:  b.last,
			})
		}
	}
	for key, b := range addresses {
		if b.count >= threshold && key != "" {
			locks = append(locks, RateLimitLock{
				IdentifierType: IdentifierIPAddress,
				Identifier:     key,
				RequestCount:   b.count,
				WindowSeconds:  windowSeconds,
				LastRequestAt:  b.last,
			})
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].LastRequestAt.After(locks[j].LastRequestAt) })
	return locks, nil
}

func (s *InMemoryStore) ResetRateLimit(ctx context.Context, id Identifier, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.requests[:0]
	var removed int64
	for _, r := range s.requests {
		if !r.CreatedAt.Before(since) && resetMatches(r, id) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.requests = kept
	return removed, nil
}

func (s *InMemoryStore) ListReports(ctx context.Context, f ListReportsFilter) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Report, 0, len(s.reports))
	for _, r := range s.reports {
		switch {
		case f.Unresolved:
			if !r.Status.Unresolved() {
				continue
			}
		case f.Status != nil:
			if r.Status != *f.Status {
				continue
			}
		}
		out = append(out, copyReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetReport(ctx context.Context, id int64) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if r.ID == id {
			return copyReport(r), nil
		}
	}
	return Report{}, ErrNotFound
}

func (s *InMemoryStore) UpdateReport(ctx context.Context, in ReportUpdate) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.reports {
		if r.ID != in.ID {
			continue
		}
		if applyReportUpdate(r, in) {
			r.UpdatedAt = in.Now
		}
		return copyReport(r), nil
	}
	return Report{}, ErrNotFound
}

// ---- helpers shared with the Postgres store ----

func matchIdentifier(r RequestLogRecord, id Identifier) bool {
	if id.Kind == IdentifierClientIdentity {
		return r.ClientIdentity != nil && *r.ClientIdentity == id.Value
	}
	return r.IPAddress == id.Value
}

// resetMatches is stricter than matchIdentifier for addresses: an address
// reset only removes entries that were not attributed to a client identity.
func resetMatches(r RequestLogRecord, id Identifier) bool {
	if id.Kind == IdentifierClientIdentity {
		return r.ClientIdentity != nil && *r.ClientIdentity == id.Value
	}
	return r.ClientIdentity == nil && r.IPAddress == id.Value
}

func sessionMatchesFilter(s *Session, f ListSessionsFilter) bool {
	switch f.StatusFilter {
	case "active":
		if s.Status != StatusActive {
			return false
		}
	case "inactive":
		if !s.Status.Terminal() {
			return false
		}
	}
	if f.TokenQuery != "" && !strings.Contains(strings.ToLower(s.Token), strings.ToLower(f.TokenQuery)) {
		return false
	}
	if f.AddressQuery != "" {
		q := strings.ToLower(f.AddressQuery)
		found := false
		for _, p := range s.Participants {
			if strings.Contains(strings.ToLower(p.IPAddress), q) ||
				strings.Contains(strings.ToLower(p.InternalIPAddress), q) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func applyReportUpdate(r *Report, in ReportUpdate) bool {
	updated := false
	if in.Status != nil && *in.Status != r.Status {
		r.Status = *in.Status
		updated = true
	}
	if in.EscalationStep != nil {
		v := normalizeOptionalText(*in.EscalationStep)
		if !strPtrEqual(r.EscalationStep, v) {
			r.EscalationStep = v
			updated = true
		}
	}
	if in.AdminNotes != nil {
		v := normalizeOptionalText(*in.AdminNotes)
		if !strPtrEqual(r.AdminNotes, v) {
			r.AdminNotes = v
			updated = true
		}
	}
	return updated
}

func normalizeOptionalText(s string) *string {
	v := strings.TrimSpace(s)
	if v == "" {
		return nil
	}
	return &v
}

func copySession(s *Session) Session {
	out := *s
	out.Participants = make([]Participant, len(s.Participants))
	copy(out.Participants, s.Participants)
	return out
}

func copyReport(r *Report) Report {
	out := *r
	out.RemoteParticipants = make([]ReportParticipant, len(r.RemoteParticipants))
	copy(out.RemoteParticipants, r.RemoteParticipants)
	return out
}
