package session

import (
	"context"
	"strings"
	"time"
)

const (
	defaultRateLimitPerHour = 10
	defaultCharLimit        = 2000
	minCharLimit            = 200
	maxCharLimit            = 16000
	minTTLMinutes           = 1
	maxTTLMinutes           = 1440

	rateLimitWindow = time.Hour
)

// Service implements the session lifecycle operations on top of a Store.
type Service struct {
	store            Store
	rateLimitPerHour int
	defaultCharLimit int
}

// Option configures the Service.
type Option func(*Service) error

// WithRateLimit overrides the hourly token issuance budget per identifier.
func WithRateLimit(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.rateLimitPerHour = n
		return nil
	}
}

// WithDefaultCharLimit overrides the message character limit applied when
// the issuer does not request one. The value is clamped like a requested one.
func WithDefaultCharLimit(n int) Option {
	return func(s *Service) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		s.defaultCharLimit = clampCharLimit(n)
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	s := &Service{
		store:            store,
		rateLimitPerHour: defaultRateLimitPerHour,
		defaultCharLimit: defaultCharLimit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RateLimitPerHour returns the configured hourly issuance budget.
func (s *Service) RateLimitPerHour() int { return s.rateLimitPerHour }

// IssueInput describes one token issuance request.
type IssueInput struct {
	ValidityPeriod   ValidityPeriod
	TTLMinutes       int
	MessageCharLimit *int

	ClientIdentity    *string
	IPAddress         string
	InternalIPAddress string

	Now time.Time
}

// Issue validates the request, enforces the sliding-window rate limit for
// the requester's identifier, and persists a fresh ISSUED session.
func (s *Service) Issue(ctx context.Context, in IssueInput) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	validity, ok := in.ValidityPeriod.Duration()
	if !ok {
		return Session{}, ErrInvalidInput
	}
	if in.TTLMinutes < minTTLMinutes || in.TTLMinutes > maxTTLMinutes {
		return Session{}, ErrInvalidInput
	}
	charLimit := s.defaultCharLimit
	if in.MessageCharLimit != nil {
		charLimit = clampCharLimit(*in.MessageCharLimit)
	}

	identity := trimPtr(in.ClientIdentity)
	id := RateLimitIdentifier(identity, in.IPAddress)
	count, err := s.store.CountRecentRequests(ctx, id, now.Add(-rateLimitWindow))
	if err != nil {
		return Session{}, err
	}
	if count >= s.rateLimitPerHour {
		return Session{}, ErrRateLimited
	}

	sess := Session{
		Token:             NewToken(),
		Status:            StatusIssued,
		ValidityExpiresAt: now.Add(validity),
		TTLSeconds:        in.TTLMinutes * 60,
		MessageCharLimit:  charLimit,
		CreatedAt:         now,
	}
	log := RequestLogRecord{
		IPAddress:         in.IPAddress,
		InternalIPAddress: in.InternalIPAddress,
		ClientIdentity:    identity,
		CreatedAt:         now,
	}
	return s.store.IssueSession(ctx, sess, log)
}

// Join claims or reclaims a seat in the session identified by token.
func (s *Service) Join(ctx context.Context, token string, req JoinRequest) (JoinOutcome, Session, error) {
	if err := ctx.Err(); err != nil {
		return JoinOutcome{}, Session{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return JoinOutcome{}, Session{}, ErrInvalidInput
	}
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	req.ClientIdentity = trimPtr(req.ClientIdentity)
	return s.store.JoinSession(ctx, token, req)
}

// Status returns the freshly advanced session.
func (s *Service) Status(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.SessionStatus(ctx, token, now)
}

// Delete terminates a session. Repeated deletion of an already terminal
// session succeeds without changing anything.
func (s *Service) Delete(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Session{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.DeleteSession(ctx, token, now)
}

// CloseLive forces an ACTIVE session to CLOSED, used when the realtime layer
// observes the live window timing out.
func (s *Service) CloseLive(ctx context.Context, token string, now time.Time) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.CloseSession(ctx, token, now)
}

// Participant resolves one seat, advancing the session first.
func (s *Service) Participant(ctx context.Context, token, participantID string, now time.Time) (Participant, Session, error) {
	if err := ctx.Err(); err != nil {
		return Participant{}, Session{}, err
	}
	token = strings.TrimSpace(token)
	participantID = strings.TrimSpace(participantID)
	if token == "" || participantID == "" {
		return Participant{}, Session{}, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.GetParticipant(ctx, token, participantID, now)
}

// Report files an abuse report against a session and force-terminates it in
// the same transaction.
func (s *Service) Report(ctx context.Context, in ReportInput) (Report, Session, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, Session{}, err
	}

	in.Token = strings.TrimSpace(in.Token)
	in.ReporterEmail = strings.TrimSpace(in.ReporterEmail)
	in.Summary = strings.TrimSpace(in.Summary)
	in.ParticipantID = trimPtr(in.ParticipantID)
	if in.Token == "" || in.Summary == "" {
		return Report{}, Session{}, ErrInvalidInput
	}
	if !strings.Contains(in.ReporterEmail, "@") {
		return Report{}, Session{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return s.store.FileReport(ctx, in)
}

// Sessions lists sessions for administrators. Statuses are corrected against
// the clock in the returned snapshots without writing them back; the next
// mutating operation persists the transition.
func (s *Service) Sessions(ctx context.Context, f ListSessionsFilter, now time.Time) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch f.StatusFilter {
	case "", "active", "inactive":
	default:
		return nil, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	sessions, err := s.store.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		Advance(&sessions[i], now)
	}
	return sessions, nil
}

// RateLimitLocks lists identifiers currently at or over the hourly budget.
func (s *Service) RateLimitLocks(ctx context.Context, now time.Time) ([]RateLimitLock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.ListRateLimitLocks(ctx, s.rateLimitPerHour, now.Add(-rateLimitWindow))
}

// ResetRateLimit clears one identifier's issuance window and returns how
// many log entries were removed.
func (s *Service) ResetRateLimit(ctx context.Context, kind IdentifierKind, value string, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, ErrInvalidInput
	}
	switch kind {
	case IdentifierClientIdentity, IdentifierIPAddress:
	default:
		return 0, ErrInvalidInput
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.store.ResetRateLimit(ctx, Identifier{Kind: kind, Value: value}, now.Add(-rateLimitWindow))
}

// Reports lists abuse reports for administrators.
func (s *Service) Reports(ctx context.Context, f ListReportsFilter) ([]Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, ErrInvalidInput
	}
	return s.store.ListReports(ctx, f)
}

// GetReport loads one abuse report.
func (s *Service) GetReport(ctx context.Context, id int64) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if id <= 0 {
		return Report{}, ErrInvalidInput
	}
	return s.store.GetReport(ctx, id)
}

// UpdateReport applies an administrator's triage changes. At least one field
// must be supplied.
func (s *Service) UpdateReport(ctx context.Context, in ReportUpdate) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if in.ID <= 0 {
		return Report{}, ErrInvalidInput
	}
	if in.Status == nil && in.EscalationStep == nil && in.AdminNotes == nil {
		return Report{}, ErrInvalidInput
	}
	if in.Status != nil && !in.Status.Valid() {
		return Report{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return s.store.UpdateReport(ctx, in)
}

func clampCharLimit(n int) int {
	if n < minCharLimit {
		return minCharLimit
	}
	if n > maxCharLimit {
		return maxCharLimit
	}
	return n
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := strings.TrimSpace(*p)
	if v == "" {
		return nil
	}
	return &v
}
