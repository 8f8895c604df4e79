package hub

import (
	"encoding/json"
	"time"

	"orbit/cmd/internal/session"
	v1 "orbit/shared/contracts/session/v1"
)

// StatusSnapshot builds the wire status message for a session plus the
// currently connected participant ids.
func StatusSnapshot(sess session.Session, connected []string, now time.Time) v1.Status {
	participants := make([]v1.Participant, 0, len(sess.Participants))
	for _, p := range sess.Participants {
		participants = append(participants, v1.Participant{
			ParticipantID: p.ID,
			Role:          string(p.Role),
			JoinedAt:      p.JoinedAt,
		})
	}
	if connected == nil {
		connected = []string{}
	}
	return v1.Status{
		Type:                  v1.TypeStatus,
		Token:                 sess.Token,
		Status:                string(sess.Status),
		ValidityExpiresAt:     sess.ValidityExpiresAt,
		SessionStartedAt:      sess.StartedAt,
		SessionExpiresAt:      sess.EndedAt,
		MessageCharLimit:      sess.MessageCharLimit,
		Participants:          participants,
		RemainingSeconds:      session.RemainingSeconds(sess, now),
		ConnectedParticipants: connected,
	}
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// NotifyStatus pushes a fresh status snapshot to everyone connected to the
// session, if anyone is. Used by the HTTP layer after state changes.
func (h *Hub) NotifyStatus(sess session.Session, now time.Time) {
	room := h.Room(sess.Token)
	if room == nil {
		return
	}
	frame, err := encodeFrame(StatusSnapshot(sess, room.ConnectedParticipants(), now))
	if err != nil {
		h.log.Error("hub.notify.encode.fail", "token", sess.Token, "err", err)
		return
	}
	room.Broadcast(frame, "")
}

// NotifyEvent pushes a bare lifecycle event to everyone connected to the
// session.
func (h *Hub) NotifyEvent(token, typ string) {
	room := h.Room(token)
	if room == nil {
		return
	}
	frame, err := encodeFrame(v1.NewEvent(typ))
	if err != nil {
		return
	}
	room.Broadcast(frame, "")
}
