package session

import (
	"context"
	"time"
)

// RequestLogRecord is one token-issuance attempt, used only for
// sliding-window counting. Entries are never updated and are pruned only via
// the explicit administrative reset.
type RequestLogRecord struct {
	IPAddress         string
	InternalIPAddress string
	ClientIdentity    *string
	CreatedAt         time.Time
}

// ReportInput is a normalized abuse report submission.
type ReportInput struct {
	Token         string
	ParticipantID *string
	ReporterEmail string
	ReporterIP    *string
	Summary       string
	Questionnaire Questionnaire
	Now           time.Time
}

// ListSessionsFilter narrows the admin session listing.
type ListSessionsFilter struct {
	// StatusFilter is "", "active", or "inactive".
	StatusFilter string
	// TokenQuery is a case-insensitive token substring.
	TokenQuery string
	// AddressQuery is a case-insensitive substring matched against both
	// participant addresses.
	AddressQuery string
	Limit        int
}

// ListReportsFilter narrows the admin report listing.
type ListReportsFilter struct {
	// Status selects one triage status; nil lists all.
	Status *ReportStatus
	// Unresolved selects open/acknowledged/investigating and wins over Status.
	Unresolved bool
	Limit      int
}

// ReportUpdate applies the administrator-settable report fields.
// Nil pointers leave a field untouched; an empty trimmed string clears it.
type ReportUpdate struct {
	ID             int64
	Status         *ReportStatus
	EscalationStep *string
	AdminNotes     *string
	Now            time.Time
}

// Store is the persistence boundary for sessions, participants, request log
// entries, and abuse reports.
//
// Every method is one atomic transaction: no operation observes another's
// partial effect. Methods that load a session apply Advance against the
// supplied clock and persist the corrected status before returning, so
// callers never see a state behind what the rules dictate.
type Store interface {
	// CountRecentRequests counts request log entries for one identifier
	// since the window start.
	CountRecentRequests(ctx context.Context, id Identifier, since time.Time) (int, error)

	// IssueSession inserts a new session together with its request log entry.
	IssueSession(ctx context.Context, s Session, log RequestLogRecord) (Session, error)

	// JoinSession runs the join protocol (ApplyJoin) under the session lock.
	JoinSession(ctx context.Context, token string, req JoinRequest) (JoinOutcome, Session, error)

	// SessionStatus returns the freshly advanced session with participants.
	SessionStatus(ctx context.Context, token string, now time.Time) (Session, error)

	// DeleteSession terminates a session (idempotent).
	DeleteSession(ctx context.Context, token string, now time.Time) (Session, error)

	// CloseSession forces an ACTIVE session to CLOSED when its live window
	// times out.
	CloseSession(ctx context.Context, token string, now time.Time) (Session, error)

	// GetParticipant loads one seat within a session, advancing the session
	// first. It fails with ErrNotFound for unknown tokens or seats.
	GetParticipant(ctx context.Context, token, participantID string, now time.Time) (Participant, Session, error)

	// FileReport persists an abuse report and force-terminates the session in
	// the same transaction.
	FileReport(ctx context.Context, in ReportInput) (Report, Session, error)

	ListSessions(ctx context.Context, f ListSessionsFilter) ([]Session, error)
	ListRateLimitLocks(ctx context.Context, threshold int, since time.Time) ([]RateLimitLock, error)
	// ResetRateLimit deletes one identifier's window entries and returns how
	// many were removed.
	ResetRateLimit(ctx context.Context, id Identifier, since time.Time) (int64, error)

	ListReports(ctx context.Context, f ListReportsFilter) ([]Report, error)
	GetReport(ctx context.Context, id int64) (Report, error)
	UpdateReport(ctx context.Context, in ReportUpdate) (Report, error)

	Close() error
}
