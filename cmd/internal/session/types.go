package session

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIssued  Status = "issued"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusExpired, StatusDeleted:
		return true
	default:
		return false
	}
}

// Role identifies a session seat. The first joiner is the host, the second
// the guest. A participant's role never changes once assigned.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// ValidityPeriod is the enumerated claim window for an issued token.
type ValidityPeriod string

const (
	ValidityOneDay   ValidityPeriod = "1_day"
	ValidityOneWeek  ValidityPeriod = "1_week"
	ValidityOneMonth ValidityPeriod = "1_month"
	ValidityOneYear  ValidityPeriod = "1_year"
)

// Duration converts the enum into a concrete claim window.
// The second return value is false for unknown values.
func (v ValidityPeriod) Duration() (time.Duration, bool) {
	switch v {
	case ValidityOneDay:
		return 24 * time.Hour, true
	case ValidityOneWeek:
		return 7 * 24 * time.Hour, true
	case ValidityOneMonth:
		return 30 * 24 * time.Hour, true
	case ValidityOneYear:
		return 365 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Session is one token-scoped, at-most-two-party ephemeral interaction.
type Session struct {
	Token             string
	Status            Status
	ValidityExpiresAt time.Time
	TTLSeconds        int
	MessageCharLimit  int
	CreatedAt         time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time

	Participants []Participant
}

// Participant is one seat within a session.
type Participant struct {
	ID                string
	Role              Role
	IPAddress         string
	InternalIPAddress string
	ClientIdentity    *string
	RequestHeaders    *string
	JoinedAt          time.Time
}

// IdentifierKind distinguishes rate-limit identifier namespaces.
type IdentifierKind string

const (
	IdentifierClientIdentity IdentifierKind = "client_identity"
	IdentifierIPAddress      IdentifierKind = "ip_address"
)

// Identifier is one rate-limit key: a client-supplied stable identity when
// available, otherwise the resolved network address.
type Identifier struct {
	Kind  IdentifierKind
	Value string
}

// RateLimitIdentifier applies the identifier precedence shared by token
// issuance and admin introspection: a client identity wins over the address.
func RateLimitIdentifier(clientIdentity *string, ip string) Identifier {
	if clientIdentity != nil && *clientIdentity != "" {
		return Identifier{Kind: IdentifierClientIdentity, Value: *clientIdentity}
	}
	return Identifier{Kind: IdentifierIPAddress, Value: ip}
}

// RateLimitLock describes an identifier currently at or over the threshold.
type RateLimitLock struct {
	IdentifierType IdentifierKind
	Identifier     string
	RequestCount   int
	WindowSeconds  int
	LastRequestAt  time.Time
}

// NewToken returns a fresh opaque session token (uuid4 hex, 32 chars).
func NewToken() string {
	u := uuid.New()
	dst := make([]byte, 32)
	const hexdigits = "0123456789abcdef"
	for i, b := range u {
		dst[i*2] = hexdigits[b>>4]
		dst[i*2+1] = hexdigits[b&0x0f]
	}
	return string(dst)
}

// NewParticipantID returns a time-prefixed ULID used as the participant id.
func NewParticipantID(now time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
