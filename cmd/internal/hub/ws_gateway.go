package hub

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"orbit/cmd/internal/metrics"
	"orbit/cmd/internal/requester"
	"orbit/cmd/internal/session"
	v1 "orbit/shared/contracts/session/v1"

	"github.com/coder/websocket"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultIdleRecheck  = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxFrameBytes = 64 * 1024
)

// WSGateway is the WebSocket entrypoint for realtime signaling.
//
// It validates the session and seat, registers the connection in the hub,
// relays signal frames between the two participants, and enforces the live
// window: when an active session runs out of time mid-connection, the
// gateway closes the session and tells everyone before hanging up.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	sessions *session.Service

	allowedOrigins []string
	originPatterns []string

	writeTimeout  time.Duration
	idleRecheck   time.Duration
	sendQueueSize int
}

// NewWSGateway constructs a gateway. Origin policy comes from
// ORBIT_WS_ALLOWED_ORIGINS (CSV); an empty list allows any origin, matching
// the anonymous nature of the service.
func NewWSGateway(log *slog.Logger, hub *Hub, sessions *session.Service) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, sessions: sessions}

	g.allowedOrigins = envCSVWS("ORBIT_WS_ALLOWED_ORIGINS", "")
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("ORBIT_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.idleRecheck = envDurationWS("ORBIT_WS_IDLE_RECHECK", wsDefaultIdleRecheck)

	g.sendQueueSize = envIntWS("ORBIT_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades /ws/sessions/{token}?participant_id=... and runs the
// signaling loop for one connection.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.PathValue("token"))
	participantID := strings.TrimSpace(r.URL.Query().Get("participant_id"))
	if token == "" || participantID == "" {
		http.Error(w, "token and participant_id are required", http.StatusBadRequest)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	_, sess, err := g.sessions.Participant(r.Context(), token, participantID, now)
	if err != nil {
		g.rejectSeat(w, r, err)
		return
	}
	if err := session.GoneError(sess.Status); err != nil {
		g.log.Info("ws.reject.terminal", "token", token, "status", string(sess.Status))
		http.Error(w, err.Error(), http.StatusGone)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(wsMaxFrameBytes)

	client := NewClient(token, participantID, g.sendQueueSize)
	room := g.hub.GetOrCreateRoom(token)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: client.Send remains open and membership removal
	// happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			room.Leave(client)
			g.hub.DropIfEmpty(token)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.Send:
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "token", token, "participant_id", participantID,
						"close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	room.Join(client)
	g.broadcastStatus(room, sess, time.Now().UTC())

readLoop:
	for {
		now := time.Now().UTC()
		sess, err = g.sessions.Status(ctx, token, now)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				g.log.Error("ws.status.fail", "token", token, "err", err)
			}
			shutdown(websocket.StatusInternalError, "status unavailable")
			break readLoop
		}
		if sess.Status.Terminal() {
			g.broadcastEvent(room, terminalEvent(sess.Status))
			shutdown(websocket.StatusNormalClosure, "session over")
			break readLoop
		}

		// A fresh deadline every iteration: the live window shrinks while
		// the session is ACTIVE, the claim window while it is ISSUED.
		readCtx, readCancel := context.WithTimeout(ctx, g.readWait(sess, now))
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrTimeout:
				if expired := g.onReadTimeout(ctx, room, token); expired {
					shutdown(websocket.StatusNormalClosure, "session over")
					break readLoop
				}
				continue readLoop
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			default:
				g.log.Info("ws.read.fail", "token", token, "participant_id", participantID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		sig, err := v1.DecodeInbound(data)
		if err != nil {
			g.trySendError(ctx, client, inboundErrorMessage(err))
			continue readLoop
		}
		if err := sig.Validate(); err != nil {
			g.trySendError(ctx, client, err.Error())
			continue readLoop
		}

		sig.Sender = participantID
		frame, err := encodeFrame(sig)
		if err != nil {
			g.trySendError(ctx, client, "unable to encode signal")
			continue readLoop
		}
		room.Broadcast(frame, participantID)
		metrics.SignalsRelayed.Inc()
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	select {
	case <-writerDone:
	case <-time.After(wsCloseGrace):
	}

	// Tell the remaining participant the peer left.
	if remaining := g.hub.Room(token); remaining != nil && !remaining.Empty() {
		bg, bgCancel := context.WithTimeout(context.Background(), g.writeTimeout)
		defer bgCancel()
		if sess, err := g.sessions.Status(bg, token, time.Now().UTC()); err == nil {
			g.broadcastStatus(remaining, sess, time.Now().UTC())
		}
	}
}

// onReadTimeout distinguishes "the window ran out" from plain idleness.
// It reports whether the session reached a terminal state.
func (g *WSGateway) onReadTimeout(ctx context.Context, room *Room, token string) bool {
	now := time.Now().UTC()
	sess, err := g.sessions.Status(ctx, token, now)
	if err != nil {
		return true
	}

	if sess.Status == session.StatusActive && sess.EndedAt != nil && !now.Before(*sess.EndedAt) {
		if closed, err := g.sessions.CloseLive(ctx, token, now); err == nil {
			sess = closed
		}
	}
	if sess.Status.Terminal() {
		g.broadcastEvent(room, terminalEvent(sess.Status))
		return true
	}
	return false
}

// readWait bounds one blocking read. While ACTIVE the deadline tracks the
// live window end, while ISSUED the claim deadline, both capped by the idle
// recheck so status corrections are observed reasonably soon.
func (g *WSGateway) readWait(sess session.Session, now time.Time) time.Duration {
	wait := g.idleRecheck

	var deadline *time.Time
	switch sess.Status {
	case session.StatusActive:
		deadline = sess.EndedAt
	case session.StatusIssued:
		deadline = &sess.ValidityExpiresAt
	}
	if deadline != nil {
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (g *WSGateway) rejectSeat(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "unknown session or participant", http.StatusNotFound)
	case errors.Is(err, session.ErrInvalidInput):
		http.Error(w, "invalid request", http.StatusBadRequest)
	default:
		g.log.Error("ws.lookup.fail", "remote", requester.Resolve(r).IPAddress, "err", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func terminalEvent(s session.Status) string {
	switch s {
	case session.StatusExpired:
		return v1.TypeSessionExpired
	case session.StatusDeleted:
		return v1.TypeSessionDeleted
	default:
		return v1.TypeSessionClosed
	}
}

func inboundErrorMessage(err error) string {
	switch {
	case errors.Is(err, v1.ErrMalformed):
		return "malformed message payload"
	case errors.Is(err, v1.ErrUnknownType):
		return err.Error()
	default:
		return "invalid message"
	}
}

func (g *WSGateway) broadcastStatus(room *Room, sess session.Session, now time.Time) {
	frame, err := encodeFrame(StatusSnapshot(sess, room.ConnectedParticipants(), now))
	if err != nil {
		g.log.Error("ws.status.encode.fail", "token", sess.Token, "err", err)
		return
	}
	room.Broadcast(frame, "")
}

func (g *WSGateway) broadcastEvent(room *Room, typ string) {
	frame, err := encodeFrame(v1.NewEvent(typ))
	if err != nil {
		return
	}
	room.Broadcast(frame, "")
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, msg string) {
	frame, err := encodeFrame(v1.NewError(msg))
	if err != nil {
		return
	}
	select {
	case <-ctx.Done():
	case <-client.Done():
	case client.Send <- frame:
	default:
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, errors.New("unsupported websocket message type")
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrTimeout
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return readErrTimeout
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	if len(g.allowedOrigins) == 0 {
		return nil
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		if a == "*" || origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}
	return errors.New("origin not allowed: " + origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatterns(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}

	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}

// ---- env helpers ----

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
