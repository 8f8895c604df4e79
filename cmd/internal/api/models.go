package api

import (
	"encoding/json"
	"time"

	"orbit/cmd/internal/session"
)

// ---- requests ----

type createTokenRequest struct {
	ValidityPeriod    string  `json:"validity_period"`
	SessionTTLMinutes int     `json:"session_ttl_minutes"`
	MessageCharLimit  *int    `json:"message_char_limit,omitempty"`
	ClientIdentity    *string `json:"client_identity,omitempty"`
}

type joinSessionRequest struct {
	Token          string  `json:"token"`
	ParticipantID  *string `json:"participant_id,omitempty"`
	ClientIdentity *string `json:"client_identity,omitempty"`
}

type reportAbuseRequest struct {
	ParticipantID *string            `json:"participant_id,omitempty"`
	ReporterEmail string             `json:"reporter_email"`
	Summary       string             `json:"summary"`
	Questionnaire abuseQuestionnaire `json:"questionnaire"`
}

type abuseQuestionnaire struct {
	ImmediateThreat          bool    `json:"immediate_threat"`
	InvolvesCriminalActivity bool    `json:"involves_criminal_activity"`
	RequiresFollowUp         bool    `json:"requires_follow_up"`
	AdditionalDetails        *string `json:"additional_details,omitempty"`
}

type adminTokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminResetRateLimitRequest struct {
	IdentifierType string `json:"identifier_type"`
	Identifier     string `json:"identifier"`
}

type adminUpdateReportRequest struct {
	Status         *string `json:"status,omitempty"`
	EscalationStep *string `json:"escalation_step,omitempty"`
	AdminNotes     *string `json:"admin_notes,omitempty"`
}

// ---- responses ----

type tokenResponse struct {
	Token             string    `json:"token"`
	ValidityExpiresAt time.Time `json:"validity_expires_at"`
	SessionTTLSeconds int       `json:"session_ttl_seconds"`
	MessageCharLimit  int       `json:"message_char_limit"`
	CreatedAt         time.Time `json:"created_at"`
}

type joinSessionResponse struct {
	Token            string     `json:"token"`
	ParticipantID    string     `json:"participant_id"`
	Role             string     `json:"role"`
	SessionActive    bool       `json:"session_active"`
	SessionStartedAt *time.Time `json:"session_started_at"`
	SessionExpiresAt *time.Time `json:"session_expires_at"`
	MessageCharLimit int        `json:"message_char_limit"`
}

type participantPublic struct {
	ParticipantID string    `json:"participant_id"`
	Role          string    `json:"role"`
	JoinedAt      time.Time `json:"joined_at"`
}

type sessionStatusResponse struct {
	Token             string              `json:"token"`
	Status            string              `json:"status"`
	ValidityExpiresAt time.Time           `json:"validity_expires_at"`
	SessionStartedAt  *time.Time          `json:"session_started_at"`
	SessionExpiresAt  *time.Time          `json:"session_expires_at"`
	MessageCharLimit  int                 `json:"message_char_limit"`
	Participants      []participantPublic `json:"participants"`
	RemainingSeconds  *int64              `json:"remaining_seconds"`
}

type reportAbuseResponse struct {
	ReportID      int64  `json:"report_id"`
	Status        string `json:"status"`
	SessionStatus string `json:"session_status"`
}

type adminTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type adminSessionParticipant struct {
	ParticipantID     string          `json:"participant_id"`
	Role              string          `json:"role"`
	IPAddress         string          `json:"ip_address"`
	InternalIPAddress string          `json:"internal_ip_address"`
	ClientIdentity    *string         `json:"client_identity"`
	RequestHeaders    json.RawMessage `json:"request_headers"`
	JoinedAt          time.Time       `json:"joined_at"`
}

type adminSessionSummary struct {
	Token             string                    `json:"token"`
	Status            string                    `json:"status"`
	ValidityExpiresAt time.Time                 `json:"validity_expires_at"`
	SessionStartedAt  *time.Time                `json:"session_started_at"`
	SessionExpiresAt  *time.Time                `json:"session_expires_at"`
	MessageCharLimit  int                       `json:"message_char_limit"`
	CreatedAt         time.Time                 `json:"created_at"`
	Participants      []adminSessionParticipant `json:"participants"`
}

type adminSessionListResponse struct {
	Sessions []adminSessionSummary `json:"sessions"`
}

type adminRateLimitLock struct {
	IdentifierType string    `json:"identifier_type"`
	Identifier     string    `json:"identifier"`
	RequestCount   int       `json:"request_count"`
	WindowSeconds  int       `json:"window_seconds"`
	LastRequestAt  time.Time `json:"last_request_at"`
}

type adminRateLimitListResponse struct {
	Locks []adminRateLimitLock `json:"locks"`
}

type adminResetRateLimitResponse struct {
	RemovedEntries int64 `json:"removed_entries"`
}

type adminAbuseReport struct {
	ID                 int64                       `json:"id"`
	Status             string                      `json:"status"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
	SessionToken       string                      `json:"session_token"`
	ReporterEmail      string                      `json:"reporter_email"`
	ReporterIP         *string                     `json:"reporter_ip"`
	ParticipantID      *string                     `json:"participant_id"`
	Summary            string                      `json:"summary"`
	Questionnaire      abuseQuestionnaire          `json:"questionnaire"`
	EscalationStep     *string                     `json:"escalation_step"`
	AdminNotes         *string                     `json:"admin_notes"`
	RemoteParticipants []session.ReportParticipant `json:"remote_participants"`
}

type adminAbuseReportListResponse struct {
	Reports []adminAbuseReport `json:"reports"`
}

// ---- response builders ----

func toSessionStatusResponse(s session.Session, now time.Time) sessionStatusResponse {
	participants := make([]participantPublic, 0, len(s.Participants))
	for _, p := range s.Participants {
		participants = append(participants, participantPublic{
			ParticipantID: p.ID,
			Role:          string(p.Role),
			JoinedAt:      p.JoinedAt,
		})
	}
	return sessionStatusResponse{
		Token:             s.Token,
		Status:            string(s.Status),
		ValidityExpiresAt: s.ValidityExpiresAt,
		SessionStartedAt:  s.StartedAt,
		SessionExpiresAt:  s.EndedAt,
		MessageCharLimit:  s.MessageCharLimit,
		Participants:      participants,
		RemainingSeconds:  session.RemainingSeconds(s, now),
	}
}

func toAdminSessionSummary(s session.Session) adminSessionSummary {
	participants := make([]adminSessionParticipant, 0, len(s.Participants))
	for _, p := range s.Participants {
		participants = append(participants, adminSessionParticipant{
			ParticipantID:     p.ID,
			Role:              string(p.Role),
			IPAddress:         p.IPAddress,
			InternalIPAddress: p.InternalIPAddress,
			ClientIdentity:    p.ClientIdentity,
			RequestHeaders:    headersJSON(p.RequestHeaders),
			JoinedAt:          p.JoinedAt,
		})
	}
	return adminSessionSummary{
		Token:             s.Token,
		Status:            string(s.Status),
		ValidityExpiresAt: s.ValidityExpiresAt,
		SessionStartedAt:  s.StartedAt,
		SessionExpiresAt:  s.EndedAt,
		MessageCharLimit:  s.MessageCharLimit,
		CreatedAt:         s.CreatedAt,
		Participants:      participants,
	}
}

// headersJSON re-emits the stored snapshot as raw JSON, or null when it does
// not parse.
func headersJSON(snapshot *string) json.RawMessage {
	if snapshot == nil {
		return nil
	}
	raw := json.RawMessage(*snapshot)
	if !json.Valid(raw) {
		return nil
	}
	return raw
}

func toAdminAbuseReport(r session.Report) adminAbuseReport {
	remotes := r.RemoteParticipants
	if remotes == nil {
		remotes = []session.ReportParticipant{}
	}
	return adminAbuseReport{
		ID:            r.ID,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		SessionToken:  r.SessionToken,
		ReporterEmail: r.ReporterEmail,
		ReporterIP:    r.ReporterIP,
		ParticipantID: r.ParticipantID,
		Summary:       r.Summary,
		Questionnaire: abuseQuestionnaire{
			ImmediateThreat:          r.Questionnaire.ImmediateThreat,
			InvolvesCriminalActivity: r.Questionnaire.InvolvesCriminalActivity,
			RequiresFollowUp:         r.Questionnaire.RequiresFollowUp,
			AdditionalDetails:        r.Questionnaire.AdditionalDetails,
		},
		EscalationStep:     r.EscalationStep,
		AdminNotes:         r.AdminNotes,
		RemoteParticipants: remotes,
	}
}
