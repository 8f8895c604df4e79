// Package api exposes the HTTP surface: token issuance, the join protocol,
// session introspection, abuse reporting, and the admin endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"orbit/cmd/internal/hub"
	"orbit/cmd/internal/metrics"
	"orbit/cmd/internal/requester"
	"orbit/cmd/internal/session"
)

const (
	summaryMinChars           = 10
	summaryMaxChars           = 2000
	additionalDetailsMaxChars = 4000
	escalationStepMaxChars    = 255
	adminNotesMaxChars        = 4000

	emailSendTimeout = 15 * time.Second
)

// Handler wires the HTTP endpoints to the session service and the hub.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	hub      *hub.Hub
	email    EmailSender
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithEmailSender overrides the default no-op email sender.
func WithEmailSender(sender EmailSender) HandlerOption {
	return func(h *Handler) {
		if h == nil || sender == nil {
			return
		}
		h.email = sender
	}
}

// NewHandler constructs the API handler.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service, h *hub.Hub, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("api: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}

	handler := &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		hub:      h,
		email:    NoopEmailSender{},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(handler)
	}
	return handler, nil
}

// Register wires the API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/tokens", h.handleIssueToken)
	mux.HandleFunc("POST /api/sessions/join", h.handleJoinSession)
	mux.HandleFunc("GET /api/sessions/{token}/status", h.handleSessionStatus)
	mux.HandleFunc("POST /api/sessions/{token}/report-abuse", h.handleReportAbuse)
	mux.HandleFunc("DELETE /api/sessions/{token}", h.handleDeleteSession)

	mux.HandleFunc("POST /api/admin/token", h.handleAdminToken)
	mux.HandleFunc("GET /api/admin/sessions", h.requireAdmin(h.handleAdminSessions))
	mux.HandleFunc("GET /api/admin/rate-limits", h.requireAdmin(h.handleAdminRateLimits))
	mux.HandleFunc("POST /api/admin/rate-limits/reset", h.requireAdmin(h.handleAdminRateLimitReset))
	mux.HandleFunc("GET /api/admin/reports", h.requireAdmin(h.handleAdminReports))
	mux.HandleFunc("PATCH /api/admin/reports/{id}", h.requireAdmin(h.handleAdminUpdateReport))
}

// ---- public handlers ----

func (h *Handler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	who := requester.Resolve(r)
	sess, err := h.sessions.Issue(r.Context(), session.IssueInput{
		ValidityPeriod:    session.ValidityPeriod(req.ValidityPeriod),
		TTLMinutes:        req.SessionTTLMinutes,
		MessageCharLimit:  req.MessageCharLimit,
		ClientIdentity:    req.ClientIdentity,
		IPAddress:         who.IPAddress,
		InternalIPAddress: who.InternalIPAddress,
	})
	if err != nil {
		if errors.Is(err, session.ErrRateLimited) {
			metrics.RateLimited.Inc()
			h.log.Info("token.rate_limited", "ip", who.IPAddress)
			writeRateLimited(w, time.Hour)
			return
		}
		h.writeServiceError(w, err, "token.issue.fail")
		return
	}

	metrics.TokensIssued.Inc()
	h.log.Info("token.issued", "token", sess.Token, "validity_expires_at", sess.ValidityExpiresAt)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:             sess.Token,
		ValidityExpiresAt: sess.ValidityExpiresAt,
		SessionTTLSeconds: sess.TTLSeconds,
		MessageCharLimit:  sess.MessageCharLimit,
		CreatedAt:         sess.CreatedAt,
	})
}

func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	var req joinSessionRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	who := requester.Resolve(r)
	out, sess, err := h.sessions.Join(r.Context(), req.Token, session.JoinRequest{
		ParticipantID:     req.ParticipantID,
		ClientIdentity:    firstNonNil(req.ClientIdentity, who.ClientIdentity),
		IPAddress:         who.IPAddress,
		InternalIPAddress: who.InternalIPAddress,
		RequestHeaders:    who.HeadersSnapshot,
	})
	if err != nil {
		metrics.Joins.WithLabelValues(metrics.JoinOutcomeRejected).Inc()
		h.writeServiceError(w, err, "session.join.fail")
		return
	}

	outcome := metrics.JoinOutcomeReclaimed
	if out.Created {
		outcome = metrics.JoinOutcomeCreated
	}
	metrics.Joins.WithLabelValues(outcome).Inc()
	h.log.Info("session.join", "token", sess.Token, "participant_id", out.Participant.ID,
		"role", string(out.Participant.Role), "created", out.Created, "activated", out.Activated)

	if out.Created || out.Updated {
		h.notifyStatus(sess)
	}

	writeJSON(w, http.StatusOK, joinSessionResponse{
		Token:            sess.Token,
		ParticipantID:    out.Participant.ID,
		Role:             string(out.Participant.Role),
		SessionActive:    sess.Status == session.StatusActive,
		SessionStartedAt: sess.StartedAt,
		SessionExpiresAt: sess.EndedAt,
		MessageCharLimit: sess.MessageCharLimit,
	})
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	sess, err := h.sessions.Status(r.Context(), r.PathValue("token"), now)
	if err != nil {
		h.writeServiceError(w, err, "session.status.fail")
		return
	}
	writeJSON(w, http.StatusOK, toSessionStatusResponse(sess, now))
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	sess, err := h.sessions.Delete(r.Context(), r.PathValue("token"), now)
	if err != nil {
		h.writeServiceError(w, err, "session.delete.fail")
		return
	}

	h.log.Info("session.deleted", "token", sess.Token)
	h.notifyEvent(sess.Token, "session_deleted")
	h.notifyStatus(sess)

	writeJSON(w, http.StatusOK, toSessionStatusResponse(sess, now))
}

func (h *Handler) handleReportAbuse(w http.ResponseWriter, r *http.Request) {
	var req reportAbuseRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	summary := strings.TrimSpace(req.Summary)
	if n := len([]rune(summary)); n < summaryMinChars || n > summaryMaxChars {
		writeError(w, http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("summary must be between %d and %d characters", summaryMinChars, summaryMaxChars))
		return
	}
	if d := req.Questionnaire.AdditionalDetails; d != nil && len([]rune(*d)) > additionalDetailsMaxChars {
		writeError(w, http.StatusBadRequest, "invalid_request", "additional_details too long")
		return
	}

	who := requester.Resolve(r)
	reporterIP := who.IPAddress

	report, sess, err := h.sessions.Report(r.Context(), session.ReportInput{
		Token:         r.PathValue("token"),
		ParticipantID: req.ParticipantID,
		ReporterEmail: req.ReporterEmail,
		ReporterIP:    &reporterIP,
		Summary:       summary,
		Questionnaire: session.Questionnaire{
			ImmediateThreat:          req.Questionnaire.ImmediateThreat,
			InvolvesCriminalActivity: req.Questionnaire.InvolvesCriminalActivity,
			RequiresFollowUp:         req.Questionnaire.RequiresFollowUp,
			AdditionalDetails:        req.Questionnaire.AdditionalDetails,
		},
	})
	if err != nil {
		h.writeServiceError(w, err, "report.file.fail")
		return
	}

	metrics.ReportsFiled.Inc()
	h.log.Info("report.filed", "report_id", report.ID, "token", sess.Token,
		"session_status", string(sess.Status))

	// Emails and realtime notifications are fire-and-forget: the persisted
	// report is the only durability guarantee made to the caller.
	go h.sendReportEmails(report)
	h.notifyEvent(sess.Token, "abuse_reported")
	h.notifyStatus(sess)

	writeJSON(w, http.StatusOK, reportAbuseResponse{
		ReportID:      report.ID,
		Status:        string(report.Status),
		SessionStatus: string(sess.Status),
	})
}

// ---- side effects ----

func (h *Handler) notifyStatus(sess session.Session) {
	if h.hub == nil {
		return
	}
	h.hub.NotifyStatus(sess, time.Now().UTC())
}

func (h *Handler) notifyEvent(token, typ string) {
	if h.hub == nil {
		return
	}
	h.hub.NotifyEvent(token, typ)
}

func (h *Handler) sendReportEmails(report session.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), emailSendTimeout)
	defer cancel()

	ack := EmailMessage{
		To:      report.ReporterEmail,
		Subject: "We have received your abuse report",
		Body: fmt.Sprintf("Thank you for letting us know.\n\n"+
			"We received your abuse report for session %s and our team will review it shortly. "+
			"The session has been terminated and you will receive further communication "+
			"if additional information is required.", report.SessionToken),
	}
	if err := h.email.Send(ctx, ack); err != nil {
		if errors.Is(err, ErrEmailUnconfigured) {
			h.log.Warn("report.email.skipped", "report_id", report.ID, "reason", "smtp not configured")
			return
		}
		h.log.Warn("report.email.ack.fail", "report_id", report.ID, "err", err)
	}

	if h.cfg.ModerationEmail == "" {
		h.log.Warn("report.email.skipped", "report_id", report.ID, "reason", "moderation recipient not configured")
		return
	}

	notify := EmailMessage{
		To:      h.cfg.ModerationEmail,
		Subject: fmt.Sprintf("Abuse report %d for session %s", report.ID, report.SessionToken),
		Body:    moderationEmailBody(report),
	}
	if err := h.email.Send(ctx, notify); err != nil && !errors.Is(err, ErrEmailUnconfigured) {
		h.log.Warn("report.email.notify.fail", "report_id", report.ID, "err", err)
	}
}

func moderationEmailBody(report session.Report) string {
	reporterIP := requester.Unknown
	if report.ReporterIP != nil {
		reporterIP = *report.ReporterIP
	}
	participant := "not provided"
	if report.ParticipantID != nil {
		participant = *report.ParticipantID
	}
	questionnaire, err := json.MarshalIndent(report.Questionnaire, "", "  ")
	if err != nil {
		questionnaire = []byte("{}")
	}
	return fmt.Sprintf("A new abuse report has been submitted.\n\n"+
		"Session token: %s\nReport ID: %d\nReporter email: %s\nReporter IP: %s\n"+
		"Participant ID: %s\nSummary:\n%s\n\nQuestionnaire:\n%s\n",
		report.SessionToken, report.ID, report.ReporterEmail, reporterIP,
		participant, report.Summary, questionnaire)
}

// ---- error mapping ----

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, event string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "session, participant, or report not found")
	case errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired", "token expired")
	case errors.Is(err, session.ErrSessionClosed):
		writeError(w, http.StatusGone, "session_closed", "session already closed")
	case errors.Is(err, session.ErrSessionDeleted):
		writeError(w, http.StatusGone, "session_deleted", "session has been deleted")
	case errors.Is(err, session.ErrSessionFull):
		writeError(w, http.StatusConflict, "session_full", "session already has two participants")
	case errors.Is(err, session.ErrRateLimited):
		writeRateLimited(w, time.Hour)
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "please retry later")
	}
}

func firstNonNil(a, b *string) *string {
	if a != nil && strings.TrimSpace(*a) != "" {
		return a
	}
	return b
}
