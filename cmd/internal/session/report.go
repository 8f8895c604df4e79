package session

import "time"

// ReportStatus is the triage state of an abuse report.
type ReportStatus string

const (
	ReportOpen          ReportStatus = "open"
	ReportAcknowledged  ReportStatus = "acknowledged"
	ReportInvestigating ReportStatus = "investigating"
	ReportClosed        ReportStatus = "closed"
)

// Valid reports whether s is a known triage status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportOpen, ReportAcknowledged, ReportInvestigating, ReportClosed:
		return true
	default:
		return false
	}
}

// Unresolved reports whether the report still needs administrator attention.
func (s ReportStatus) Unresolved() bool {
	return s == ReportOpen || s == ReportAcknowledged || s == ReportInvestigating
}

// Questionnaire is the fixed triage questionnaire submitted with a report.
type Questionnaire struct {
	ImmediateThreat          bool    `json:"immediate_threat"`
	InvolvesCriminalActivity bool    `json:"involves_criminal_activity"`
	RequiresFollowUp         bool    `json:"requires_follow_up"`
	AdditionalDetails        *string `json:"additional_details,omitempty"`
}

// ReportParticipant is the frozen snapshot of a remote participant captured
// at report time. It survives session deletion unchanged.
type ReportParticipant struct {
	ParticipantID     string    `json:"participant_id"`
	Role              Role      `json:"role"`
	IPAddress         string    `json:"ip_address"`
	InternalIPAddress string    `json:"internal_ip_address"`
	ClientIdentity    *string   `json:"client_identity"`
	JoinedAt          time.Time `json:"joined_at"`
}

// Report is one abuse report. Reports deliberately denormalize the session
// token and participant snapshots so they outlive the session they describe.
type Report struct {
	ID                 int64
	SessionToken       string
	ReporterEmail      string
	ReporterIP         *string
	ParticipantID      *string
	RemoteParticipants []ReportParticipant
	Summary            string
	Questionnaire      Questionnaire
	Status             ReportStatus
	EscalationStep     *string
	AdminNotes         *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BuildReport assembles the report row for an advanced session, validating
// the reporter's seat (an unknown participant id degrades to an unattributed
// report), freezing the remote participant snapshots, and force-terminating
// the session when it is not already terminal. The returned bool reports
// whether the session was mutated and needs persisting.
func BuildReport(s *Session, in ReportInput) (Report, bool) {
	reporterID := in.ParticipantID
	if reporterID != nil {
		found := false
		for _, p := range s.Participants {
			if p.ID == *reporterID {
				found = true
				break
			}
		}
		if !found {
			reporterID = nil
		}
	}

	draft := Report{
		SessionToken:       s.Token,
		ReporterEmail:      in.ReporterEmail,
		ReporterIP:         in.ReporterIP,
		ParticipantID:      reporterID,
		RemoteParticipants: CollectRemoteParticipants(*s, reporterID),
		Summary:            in.Summary,
		Questionnaire:      in.Questionnaire,
		Status:             ReportOpen,
		CreatedAt:          in.Now,
		UpdatedAt:          in.Now,
	}

	terminated := Terminate(s, StatusDeleted, in.Now)
	return draft, terminated
}

// CollectRemoteParticipants freezes every participant except the reporter.
func CollectRemoteParticipants(s Session, reporterID *string) []ReportParticipant {
	out := make([]ReportParticipant, 0, len(s.Participants))
	for _, p := range s.Participants {
		if reporterID != nil && p.ID == *reporterID {
			continue
		}
		out = append(out, ReportParticipant{
			ParticipantID:     p.ID,
			Role:              p.Role,
			IPAddress:         p.IPAddress,
			InternalIPAddress: p.InternalIPAddress,
			ClientIdentity:    p.ClientIdentity,
			JoinedAt:          p.JoinedAt,
		})
	}
	return out
}
