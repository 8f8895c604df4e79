// Package v1 defines the Orbit session wire protocol.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire format authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type constants (wire-stable).
const (
	// TypeSignal carries an opaque signaling message relayed verbatim between
	// participants (client -> server -> peers).
	TypeSignal = "signal"

	// TypeStatus is a server-originated session status snapshot.
	TypeStatus = "status"
	// TypeError is a private error reply to the sender only.
	TypeError = "error"

	// Lifecycle events (server -> all connected participants).
	TypeSessionClosed  = "session_closed"
	TypeSessionExpired = "session_expired"
	TypeSessionDeleted = "session_deleted"
	TypeAbuseReported  = "abuse_reported"
)

var (
	// ErrMalformed indicates the inbound frame was not a valid JSON message.
	ErrMalformed = errors.New("malformed message payload")
	// ErrUnknownType indicates an inbound message type the server does not accept.
	ErrUnknownType = errors.New("unsupported message type")
)

// Signal is the only message type clients may send. The server relays it
// verbatim to every other connected participant, tagging the sender id.
type Signal struct {
	Type       string          `json:"type"`
	SignalType string          `json:"signalType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Sender     string          `json:"sender,omitempty"`
}

// Validate checks the structural requirements of an inbound signal.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.SignalType) == "" {
		return errors.New("signalType is required")
	}
	return nil
}

// Error is a private error reply. It never terminates the connection.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError constructs an error reply.
func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}

// Event is a bare lifecycle notification.
type Event struct {
	Type string `json:"type"`
}

// NewEvent constructs a lifecycle event. The type must be one of the
// lifecycle constants above; anything else is a programming error.
func NewEvent(typ string) Event {
	return Event{Type: typ}
}

// Participant is the public view of one session seat.
type Participant struct {
	ParticipantID string    `json:"participant_id"`
	Role          string    `json:"role"`
	JoinedAt      time.Time `json:"joined_at"`
}

// Status is the server-originated session snapshot broadcast on every
// membership change and on demand.
type Status struct {
	Type                  string        `json:"type"`
	Token                 string        `json:"token"`
	Status                string        `json:"status"`
	ValidityExpiresAt     time.Time     `json:"validity_expires_at"`
	SessionStartedAt      *time.Time    `json:"session_started_at"`
	SessionExpiresAt      *time.Time    `json:"session_expires_at"`
	MessageCharLimit      int           `json:"message_char_limit"`
	Participants          []Participant `json:"participants"`
	RemainingSeconds      *int64        `json:"remaining_seconds"`
	ConnectedParticipants []string      `json:"connected_participants"`
}

// DecodeInbound parses a client frame into its typed form.
//
// The inbound surface is deliberately tiny: signal is the only accepted kind.
// Malformed frames return ErrMalformed and unknown kinds ErrUnknownType so the
// server can answer with a private error instead of dropping the connection.
func DecodeInbound(data []byte) (Signal, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Signal{}, ErrMalformed
	}

	switch head.Type {
	case TypeSignal:
		var sig Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			return Signal{}, ErrMalformed
		}
		return sig, nil
	default:
		return Signal{}, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
}
