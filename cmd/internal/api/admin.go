package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"orbit/cmd/internal/session"
)

func (h *Handler) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.adminConfigured() {
		writeError(w, http.StatusServiceUnavailable, "admin_unconfigured", "admin authentication is not configured")
		return
	}

	var req adminTokenRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	if err := h.authenticateAdmin(strings.TrimSpace(req.Username), req.Password); err != nil {
		h.log.Info("admin.login.fail", "username", req.Username)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "incorrect username or password")
		return
	}

	token, err := h.newAdminToken(time.Now().UTC())
	if err != nil {
		h.log.Error("admin.token.sign.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("admin.login", "username", req.Username)
	writeJSON(w, http.StatusOK, adminTokenResponse{AccessToken: token, TokenType: "bearer"})
}

func (h *Handler) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.ListSessionsFilter{
		StatusFilter: strings.TrimSpace(q.Get("status_filter")),
		TokenQuery:   strings.TrimSpace(q.Get("token_query")),
		AddressQuery: strings.TrimSpace(q.Get("ip")),
	}

	sessions, err := h.sessions.Sessions(r.Context(), filter, time.Now().UTC())
	if err != nil {
		h.writeServiceError(w, err, "admin.sessions.fail")
		return
	}

	out := make([]adminSessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toAdminSessionSummary(s))
	}
	writeJSON(w, http.StatusOK, adminSessionListResponse{Sessions: out})
}

func (h *Handler) handleAdminRateLimits(w http.ResponseWriter, r *http.Request) {
	locks, err := h.sessions.RateLimitLocks(r.Context(), time.Now().UTC())
	if err != nil {
		h.writeServiceError(w, err, "admin.rate_limits.fail")
		return
	}

	out := make([]adminRateLimitLock, 0, len(locks))
	for _, l := range locks {
		out = append(out, adminRateLimitLock{
			IdentifierType: string(l.IdentifierType),
			Identifier:     l.Identifier,
			RequestCount:   l.RequestCount,
			WindowSeconds:  l.WindowSeconds,
			LastRequestAt:  l.LastRequestAt,
		})
	}
	writeJSON(w, http.StatusOK, adminRateLimitListResponse{Locks: out})
}

func (h *Handler) handleAdminRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var req adminResetRateLimitRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	removed, err := h.sessions.ResetRateLimit(r.Context(),
		session.IdentifierKind(strings.TrimSpace(req.IdentifierType)),
		req.Identifier, time.Now().UTC())
	if err != nil {
		h.writeServiceError(w, err, "admin.rate_limit_reset.fail")
		return
	}

	h.log.Info("admin.rate_limit.reset", "identifier_type", req.IdentifierType,
		"identifier", req.Identifier, "removed", removed)
	writeJSON(w, http.StatusOK, adminResetRateLimitResponse{RemovedEntries: removed})
}

func (h *Handler) handleAdminReports(w http.ResponseWriter, r *http.Request) {
	filter := session.ListReportsFilter{}
	if raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status_filter"))); raw != "" {
		if raw == "unresolved" {
			filter.Unresolved = true
		} else {
			status := session.ReportStatus(raw)
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid_request", "invalid status filter")
				return
			}
			filter.Status = &status
		}
	}

	reports, err := h.sessions.Reports(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err, "admin.reports.fail")
		return
	}

	out := make([]adminAbuseReport, 0, len(reports))
	for _, rep := range reports {
		out = append(out, toAdminAbuseReport(rep))
	}
	writeJSON(w, http.StatusOK, adminAbuseReportListResponse{Reports: out})
}

func (h *Handler) handleAdminUpdateReport(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid report id")
		return
	}

	var req adminUpdateReportRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Status == nil && req.EscalationStep == nil && req.AdminNotes == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "at least one field must be provided")
		return
	}
	if req.EscalationStep != nil && len([]rune(*req.EscalationStep)) > escalationStepMaxChars {
		writeError(w, http.StatusBadRequest, "invalid_request", "escalation_step too long")
		return
	}
	if req.AdminNotes != nil && len([]rune(*req.AdminNotes)) > adminNotesMaxChars {
		writeError(w, http.StatusBadRequest, "invalid_request", "admin_notes too long")
		return
	}

	update := session.ReportUpdate{
		ID:             id,
		EscalationStep: req.EscalationStep,
		AdminNotes:     req.AdminNotes,
	}
	if req.Status != nil {
		status := session.ReportStatus(strings.ToLower(strings.TrimSpace(*req.Status)))
		update.Status = &status
	}

	report, err := h.sessions.UpdateReport(r.Context(), update)
	if err != nil {
		h.writeServiceError(w, err, "admin.report_update.fail")
		return
	}

	h.log.Info("admin.report.updated", "report_id", report.ID, "status", string(report.Status))
	writeJSON(w, http.StatusOK, toAdminAbuseReport(report))
}
