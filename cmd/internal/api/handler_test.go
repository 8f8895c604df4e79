package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"orbit/cmd/internal/hub"
	"orbit/cmd/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMux(t *testing.T, cfg Config, opts ...HandlerOption) *http.ServeMux {
	t.Helper()

	svc, err := session.NewService(session.NewInMemoryStore())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h, err := NewHandler(testLogger(), cfg, svc, hub.NewHub(testLogger()), opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	r.RemoteAddr = "203.0.113.10:40000"
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func issueToken(t *testing.T, mux *http.ServeMux, identity string) tokenResponse {
	t.Helper()
	body := fmt.Sprintf(`{"validity_period":"1_day","session_ttl_minutes":30,"client_identity":%q}`, identity)
	w := doJSON(t, mux, "POST", "/api/tokens", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("issue status = %d: %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	decodeBody(t, w, &resp)
	return resp
}

func TestIssueTokenDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})

	resp := issueToken(t, mux, "issuer-1")
	if len(resp.Token) != 32 {
		t.Fatalf("token = %q", resp.Token)
	}
	if resp.SessionTTLSeconds != 1800 || resp.MessageCharLimit != 2000 {
		t.Fatalf("defaults wrong: %+v", resp)
	}

	// Unknown validity period.
	w := doJSON(t, mux, "POST", "/api/tokens", `{"validity_period":"forever","session_ttl_minutes":30}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad validity status = %d", w.Code)
	}

	// Unknown body field.
	w = doJSON(t, mux, "POST", "/api/tokens", `{"validity_period":"1_day","session_ttl_minutes":30,"surprise":true}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", w.Code)
	}
}

func TestIssueTokenRateLimited(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})

	for i := 0; i < 10; i++ {
		issueToken(t, mux, "greedy")
	}
	body := `{"validity_period":"1_day","session_ttl_minutes":30,"client_identity":"greedy"}`
	w := doJSON(t, mux, "POST", "/api/tokens", body, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("11th issue status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("Retry-After header missing")
	}
}

func TestJoinFlow(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	tok := issueToken(t, mux, "issuer-join")

	join := func(identity string) (*httptest.ResponseRecorder, joinSessionResponse) {
		body := fmt.Sprintf(`{"token":%q,"client_identity":%q}`, tok.Token, identity)
		w := doJSON(t, mux, "POST", "/api/sessions/join", body, nil)
		var resp joinSessionResponse
		if w.Code == http.StatusOK {
			decodeBody(t, w, &resp)
		}
		return w, resp
	}

	w, host := join("alice")
	if w.Code != http.StatusOK || host.Role != "host" || host.SessionActive {
		t.Fatalf("host join: %d %+v", w.Code, host)
	}

	w, guest := join("bob")
	if w.Code != http.StatusOK || guest.Role != "guest" || !guest.SessionActive {
		t.Fatalf("guest join: %d %+v", w.Code, guest)
	}
	if guest.SessionStartedAt == nil || guest.SessionExpiresAt == nil {
		t.Fatalf("live window missing: %+v", guest)
	}
	if got := guest.SessionExpiresAt.Sub(*guest.SessionStartedAt); got != 30*time.Minute {
		t.Fatalf("live window = %v, want 30m", got)
	}

	// Idempotent rejoin keeps the seat.
	w, again := join("alice")
	if w.Code != http.StatusOK || again.ParticipantID != host.ParticipantID {
		t.Fatalf("rejoin: %d %+v", w.Code, again)
	}

	// Third distinct identity is refused.
	w, _ = join("mallory")
	if w.Code != http.StatusConflict {
		t.Fatalf("full join status = %d", w.Code)
	}

	// Unknown token.
	w = doJSON(t, mux, "POST", "/api/sessions/join",
		`{"token":"feedfacefeedfacefeedfacefeedface","client_identity":"x"}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d", w.Code)
	}
}

func TestSessionStatusAndDelete(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, Config{})
	tok := issueToken(t, mux, "issuer-status")

	w := doJSON(t, mux, "GET", "/api/sessions/"+tok.Token+"/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var status sessionStatusResponse
	decodeBody(t, w, &status)
	if status.Status != "issued" || status.RemainingSeconds != nil {
		t.Fatalf("issued status = %+v", status)
	}

	w = doJSON(t, mux, "DELETE", "/api/sessions/"+tok.Token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	// Deletion is idempotent.
	w = doJSON(t, mux, "DELETE", "/api/sessions/"+tok.Token, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("second delete status = %d", w.Code)
	}

	// Status endpoint still reports the terminal state.
	w = doJSON(t, mux, "GET", "/api/sessions/"+tok.Token+"/status", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("post-delete status = %d", w.Code)
	}
	decodeBody(t, w, &status)
	if status.Status != "deleted" {
		t.Fatalf("post-delete status = %q", status.Status)
	}

	w = doJSON(t, mux, "GET", "/api/sessions/missingtoken/status", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d", w.Code)
	}

	// Joining a deleted session answers 410.
	w = doJSON(t, mux, "POST", "/api/sessions/join",
		fmt.Sprintf(`{"token":%q,"client_identity":"late"}`, tok.Token), nil)
	if w.Code != http.StatusGone {
		t.Fatalf("join deleted status = %d", w.Code)
	}
}

type fakeEmailSender struct {
	sent chan EmailMessage
}

func (f *fakeEmailSender) Send(_ context.Context, msg EmailMessage) error {
	f.sent <- msg
	return nil
}

func TestReportAbuse(t *testing.T) {
	t.Parallel()

	sender := &fakeEmailSender{sent: make(chan EmailMessage, 2)}
	mux := newTestMux(t, Config{ModerationEmail: "abuse@orbit.test"}, WithEmailSender(sender))
	tok := issueToken(t, mux, "issuer-report")

	w := doJSON(t, mux, "POST", "/api/sessions/join",
		fmt.Sprintf(`{"token":%q,"client_identity":"alice"}`, tok.Token), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join status = %d", w.Code)
	}
	var joined joinSessionResponse
	decodeBody(t, w, &joined)

	// Too-short summary.
	w = doJSON(t, mux, "POST", "/api/sessions/"+tok.Token+"/report-abuse",
		`{"reporter_email":"a@b.c","summary":"short","questionnaire":{}}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("short summary status = %d", w.Code)
	}

	body := fmt.Sprintf(`{"participant_id":%q,"reporter_email":"alice@example.com",
		"summary":"repeated harassment and threats","questionnaire":{"immediate_threat":true}}`,
		joined.ParticipantID)
	w = doJSON(t, mux, "POST", "/api/sessions/"+tok.Token+"/report-abuse", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d: %s", w.Code, w.Body.String())
	}
	var resp reportAbuseResponse
	decodeBody(t, w, &resp)
	if resp.ReportID <= 0 || resp.Status != "open" || resp.SessionStatus != "deleted" {
		t.Fatalf("report response = %+v", resp)
	}

	// Ack to the reporter plus the moderation notification, which carries
	// the questionnaire so moderators can triage from the inbox.
	for _, wantTo := range []string{"alice@example.com", "abuse@orbit.test"} {
		select {
		case msg := <-sender.sent:
			if msg.To != wantTo {
				t.Fatalf("email to %q, want %q", msg.To, wantTo)
			}
			if wantTo == "abuse@orbit.test" && !strings.Contains(msg.Body, `"immediate_threat": true`) {
				t.Fatalf("moderation email missing questionnaire: %q", msg.Body)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("email to %q never sent", wantTo)
		}
	}

	// Reports outlive the session: filing against the already-deleted
	// session persists a second report instead of rejecting it.
	w = doJSON(t, mux, "POST", "/api/sessions/"+tok.Token+"/report-abuse", body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat report status = %d: %s", w.Code, w.Body.String())
	}
	var repeat reportAbuseResponse
	decodeBody(t, w, &repeat)
	if repeat.ReportID <= resp.ReportID || repeat.SessionStatus != "deleted" {
		t.Fatalf("repeat report response = %+v (first id %d)", repeat, resp.ReportID)
	}
}

func adminConfig(t *testing.T) Config {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return Config{
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
		AdminTokenSecret:  "test-signing-secret",
	}
}

func adminLogin(t *testing.T, mux *http.ServeMux) http.Header {
	t.Helper()
	w := doJSON(t, mux, "POST", "/api/admin/token", `{"username":"admin","password":"s3cret"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("admin login status = %d: %s", w.Code, w.Body.String())
	}
	var resp adminTokenResponse
	decodeBody(t, w, &resp)
	if resp.TokenType != "bearer" || resp.AccessToken == "" {
		t.Fatalf("admin token response = %+v", resp)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+resp.AccessToken)
	return h
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()

	// Unconfigured admin auth is loud.
	bare := newTestMux(t, Config{})
	w := doJSON(t, bare, "POST", "/api/admin/token", `{"username":"admin","password":"s3cret"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured login status = %d", w.Code)
	}
	w = doJSON(t, bare, "GET", "/api/admin/sessions", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured listing status = %d", w.Code)
	}

	mux := newTestMux(t, adminConfig(t))

	w = doJSON(t, mux, "POST", "/api/admin/token", `{"username":"admin","password":"wrong"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d", w.Code)
	}
	w = doJSON(t, mux, "GET", "/api/admin/sessions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer status = %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("WWW-Authenticate missing")
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer not-a-jwt")
	w = doJSON(t, mux, "GET", "/api/admin/sessions", "", h)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage bearer status = %d", w.Code)
	}

	auth := adminLogin(t, mux)
	w = doJSON(t, mux, "GET", "/api/admin/sessions", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("authorized listing status = %d", w.Code)
	}
}

func TestAdminSessionsAndRateLimits(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, adminConfig(t))
	auth := adminLogin(t, mux)

	tok := issueToken(t, mux, "admin-target")
	w := doJSON(t, mux, "POST", "/api/sessions/join",
		fmt.Sprintf(`{"token":%q,"client_identity":"alice"}`, tok.Token), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("join status = %d", w.Code)
	}

	w = doJSON(t, mux, "GET", "/api/admin/sessions?token_query="+tok.Token[:8], "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("sessions status = %d", w.Code)
	}
	var list adminSessionListResponse
	decodeBody(t, w, &list)
	if len(list.Sessions) != 1 || list.Sessions[0].Token != tok.Token {
		t.Fatalf("session listing = %+v", list)
	}
	if len(list.Sessions[0].Participants) != 1 {
		t.Fatalf("participants = %+v", list.Sessions[0].Participants)
	}
	if list.Sessions[0].Participants[0].RequestHeaders == nil {
		t.Fatalf("request headers snapshot missing from admin view")
	}

	w = doJSON(t, mux, "GET", "/api/admin/sessions?status_filter=bogus", "", auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad filter status = %d", w.Code)
	}

	// Exhaust the issuance budget, then inspect and reset the lock.
	for i := 0; i < 9; i++ {
		issueToken(t, mux, "hot-identity")
	}
	body := `{"validity_period":"1_day","session_ttl_minutes":30,"client_identity":"hot-identity"}`
	issueToken(t, mux, "hot-identity")
	if w := doJSON(t, mux, "POST", "/api/tokens", body, nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("over-budget issue status = %d", w.Code)
	}

	w = doJSON(t, mux, "GET", "/api/admin/rate-limits", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("rate-limits status = %d", w.Code)
	}
	var locks adminRateLimitListResponse
	decodeBody(t, w, &locks)
	found := false
	for _, l := range locks.Locks {
		if l.IdentifierType == "client_identity" && l.Identifier == "hot-identity" && l.RequestCount >= 10 {
			found = true
		}
	}
	if !found {
		t.Fatalf("hot identity missing from locks: %+v", locks.Locks)
	}

	w = doJSON(t, mux, "POST", "/api/admin/rate-limits/reset",
		`{"identifier_type":"client_identity","identifier":"hot-identity"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("reset status = %d", w.Code)
	}
	var reset adminResetRateLimitResponse
	decodeBody(t, w, &reset)
	if reset.RemovedEntries < 10 {
		t.Fatalf("removed = %d, want >= 10", reset.RemovedEntries)
	}

	if w := doJSON(t, mux, "POST", "/api/tokens", body, nil); w.Code != http.StatusOK {
		t.Fatalf("post-reset issue status = %d", w.Code)
	}
}

func TestAdminReportsWorkflow(t *testing.T) {
	t.Parallel()

	mux := newTestMux(t, adminConfig(t))
	auth := adminLogin(t, mux)

	tok := issueToken(t, mux, "report-flow")
	w := doJSON(t, mux, "POST", "/api/sessions/"+tok.Token+"/report-abuse",
		`{"reporter_email":"a@example.com","summary":"unwanted contact kept coming","questionnaire":{}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("report status = %d", w.Code)
	}
	var filed reportAbuseResponse
	decodeBody(t, w, &filed)

	w = doJSON(t, mux, "GET", "/api/admin/reports?status_filter=unresolved", "", auth)
	if w.Code != http.StatusOK {
		t.Fatalf("reports status = %d", w.Code)
	}
	var list adminAbuseReportListResponse
	decodeBody(t, w, &list)
	if len(list.Reports) != 1 || list.Reports[0].ID != filed.ReportID {
		t.Fatalf("unresolved listing = %+v", list)
	}

	w = doJSON(t, mux, "GET", "/api/admin/reports?status_filter=nonsense", "", auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad report filter status = %d", w.Code)
	}

	patch := fmt.Sprintf("/api/admin/reports/%d", filed.ReportID)
	w = doJSON(t, mux, "PATCH", patch, `{}`, auth)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty patch status = %d", w.Code)
	}

	w = doJSON(t, mux, "PATCH", patch,
		`{"status":"Closed","escalation_step":"forwarded to provider"}`, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body.String())
	}
	var updated adminAbuseReport
	decodeBody(t, w, &updated)
	if updated.Status != "closed" || updated.EscalationStep == nil {
		t.Fatalf("patched report = %+v", updated)
	}

	w = doJSON(t, mux, "GET", "/api/admin/reports?status_filter=unresolved", "", auth)
	decodeBody(t, w, &list)
	if len(list.Reports) != 0 {
		t.Fatalf("closed report still unresolved: %+v", list.Reports)
	}

	w = doJSON(t, mux, "PATCH", "/api/admin/reports/999999", `{"status":"closed"}`, auth)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown report patch status = %d", w.Code)
	}
}
