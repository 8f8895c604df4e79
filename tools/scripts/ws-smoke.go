// Package main provides a CI-friendly smoke test for the Orbit session flow.
//
// It validates:
//   - token issuance over HTTP
//   - the two-seat join protocol (host, then guest, session activation)
//   - websocket attach for both seats
//   - status snapshot delivery on connect
//   - signal relay from one seat to the other (sender excluded)
//   - session deletion fanout (session_deleted)
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "orbit/shared/contracts/session/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name          string
	participantID string
	conn          *websocket.Conn

	inbox chan []byte
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "Orbit base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", `{"sdp":"v=0"}`, "Signal payload to relay")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	token := mustIssueToken(root, *baseURL, *timeout)
	if *verbose {
		fmt.Printf("issued token=%s\n", token)
	}

	hostID, active := mustJoin(root, *baseURL, token, "smoke-host", *timeout)
	if active {
		fatalf("session active after one seat")
	}
	guestID, active := mustJoin(root, *baseURL, token, "smoke-guest", *timeout)
	if !active {
		fatalf("session not active after two seats")
	}

	host := mustConnect(root, "host", *baseURL, *origin, token, hostID, *timeout)
	defer closeWS(host.conn)

	guest := mustConnect(root, "guest", *baseURL, *origin, token, guestID, *timeout)
	defer closeWS(guest.conn)

	// Both seats see a status snapshot once the second connection lands.
	mustReadStatus(root, host, "active", *timeout)
	mustReadStatus(root, guest, "active", *timeout)

	// Relay a signal from the host; only the guest receives it.
	signal := v1.Signal{Type: v1.TypeSignal, SignalType: "offer", Payload: json.RawMessage(*text)}
	mustWriteJSON(root, host.conn, signal, *timeout)

	relayed := mustReadType(root, guest, v1.TypeSignal, *timeout)
	var got v1.Signal
	if err := json.Unmarshal(relayed, &got); err != nil {
		fatalf("unmarshal relayed signal: %v", err)
	}
	if got.Sender != hostID {
		fatalf("relayed sender=%q want=%q", got.Sender, hostID)
	}
	if !bytes.Equal(got.Payload, json.RawMessage(*text)) {
		fatalf("relayed payload=%s want=%s", got.Payload, *text)
	}
	mustAssertNoType(root, host, v1.TypeSignal, 1200*time.Millisecond)

	// Deleting the session notifies every connected seat.
	mustDeleteSession(root, *baseURL, token, *timeout)
	mustReadType(root, guest, v1.TypeSessionDeleted, *timeout)
	mustReadType(root, host, v1.TypeSessionDeleted, *timeout)

	fmt.Printf("OK: token=%s host=%s guest=%s\n", token, hostID, guestID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

// ---- HTTP steps ----

func mustIssueToken(parent context.Context, baseURL string, stepTimeout time.Duration) string {
	var resp struct {
		Token string `json:"token"`
	}
	mustPostJSON(parent, baseURL+"/api/tokens",
		`{"validity_period":"1_day","session_ttl_minutes":30}`, &resp, stepTimeout)
	if strings.TrimSpace(resp.Token) == "" {
		fatalf("issue: empty token")
	}
	return resp.Token
}

func mustJoin(parent context.Context, baseURL, token, identity string, stepTimeout time.Duration) (string, bool) {
	var resp struct {
		ParticipantID string `json:"participant_id"`
		SessionActive bool   `json:"session_active"`
	}
	body := fmt.Sprintf(`{"token":%q,"client_identity":%q}`, token, identity)
	mustPostJSON(parent, baseURL+"/api/sessions/join", body, &resp, stepTimeout)
	if strings.TrimSpace(resp.ParticipantID) == "" {
		fatalf("join %s: empty participant_id", identity)
	}
	return resp.ParticipantID, resp.SessionActive
}

func mustDeleteSession(parent context.Context, baseURL, token string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/sessions/"+token, nil)
	if err != nil {
		fatalf("delete request: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("delete: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		fatalf("delete: status=%d body=%s", res.StatusCode, body)
	}
}

func mustPostJSON(parent context.Context, endpoint, body string, dst any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		fatalf("request %s: %v", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("post %s: %v", endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxReadBytes))
	if err != nil {
		fatalf("read %s: %v", endpoint, err)
	}
	if res.StatusCode != http.StatusOK {
		fatalf("post %s: status=%d body=%s", endpoint, res.StatusCode, raw)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		fatalf("decode %s: %v (body=%s)", endpoint, err, raw)
	}
}

// ---- websocket steps ----

func mustConnect(parent context.Context, name, baseURL, origin, token, participantID string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	wsURL := strings.Replace(baseURL, "http", "ws", 1) +
		"/ws/sessions/" + token + "?participant_id=" + url.QueryEscape(participantID)

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:          name,
		participantID: participantID,
		conn:          conn,
		inbox:         make(chan []byte, 512),
		errCh:         make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			select {
			case c.inbox <- data:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

// mustReadType waits until a frame of the wanted type arrives, skipping
// everything else (status refreshes interleave freely with events).
func mustReadType(parent context.Context, c *smokeClient, wantType string, stepTimeout time.Duration) []byte {
	deadline := time.After(stepTimeout)
	for {
		select {
		case data, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed while waiting for %q", c.name, wantType)
			}
			if frameType(data) == wantType {
				return data
			}
		case err := <-c.errCh:
			fatalf("%s: read error while waiting for %q: %v", c.name, wantType, err)
		case <-deadline:
			fatalf("%s: timeout waiting for %q", c.name, wantType)
		case <-parent.Done():
			fatalf("%s: cancelled waiting for %q", c.name, wantType)
		}
	}
}

func mustReadStatus(parent context.Context, c *smokeClient, wantStatus string, stepTimeout time.Duration) {
	data := mustReadType(parent, c, v1.TypeStatus, stepTimeout)

	var status v1.Status
	if err := json.Unmarshal(data, &status); err != nil {
		fatalf("%s: bad status frame: %v", c.name, err)
	}
	if status.Status != wantStatus {
		fatalf("%s: status=%q want=%q", c.name, status.Status, wantStatus)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, unwantedType string, window time.Duration) {
	deadline := time.After(window)
	for {
		select {
		case data, ok := <-c.inbox:
			if !ok {
				return
			}
			if frameType(data) == unwantedType {
				fatalf("%s: unexpected %q frame: %s", c.name, unwantedType, data)
			}
		case <-deadline:
			return
		case <-parent.Done():
			return
		}
	}
}

func mustWriteJSON(parent context.Context, conn *websocket.Conn, v any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write: %v", err)
	}
}

func frameType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

func closeWS(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ws-smoke: "+format+"\n", args...)
	os.Exit(1)
}
