package hub

import (
	"log/slog"
	"sort"
	"sync"
)

// Room is the in-memory connection registry plus broadcast fanout for one
// session token. At most two participants are ever registered, but the room
// makes no assumption about that: the lifecycle core enforces seating.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log   *slog.Logger
	Token string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoom constructs a room for one session token.
func NewRoom(log *slog.Logger, token string) *Room {
	return &Room{
		log:     log,
		Token:   token,
		members: make(map[string]*Client),
	}
}

// Join registers a client under its participant id. A participant reconnects
// by joining again: the previous connection is closed and replaced.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.ParticipantID == "" {
		return
	}

	var replaced *Client

	r.mu.Lock()
	if prev := r.members[client.ParticipantID]; prev != nil && prev != client {
		replaced = prev
	}
	r.members[client.ParticipantID] = client
	r.mu.Unlock()

	if replaced != nil {
		replaced.Close()
		r.log.Info("room.member.replace", "token", r.Token, "participant_id", client.ParticipantID)
	}
	r.log.Info("room.member.join", "token", r.Token, "participant_id", client.ParticipantID)
}

// Leave removes a client and signals its shutdown. When a newer connection
// already replaced this one, membership is left untouched.
func (r *Room) Leave(client *Client) {
	if r == nil || client == nil {
		return
	}

	removed := false

	r.mu.Lock()
	if r.members[client.ParticipantID] == client {
		delete(r.members, client.ParticipantID)
		removed = true
	}
	r.mu.Unlock()

	// Signal client shutdown after removing from membership.
	// This ordering avoids race windows where a broadcaster still holds a
	// pointer while the client goroutines are being torn down.
	client.Close()

	if removed {
		r.log.Info("room.member.leave", "token", r.Token, "participant_id", client.ParticipantID)
	}
}

// Broadcast fanouts a frame to every member except the excluded participant.
// Pass an empty exclude to reach everyone.
// Non-blocking: if a member queue is full or the client is shutting down, it is dropped.
func (r *Room) Broadcast(frame []byte, excludeParticipant string) {
	if r == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, m := range r.members {
		if m == nil || id == excludeParticipant {
			continue
		}

		select {
		case <-m.Done():
			// Skip clients that are shutting down.
			continue
		default:
		}

		select {
		case m.Send <- frame:
		default:
			// Drop rather than block the whole room.
		}
	}
}

// Send delivers a frame to one participant. It reports whether the
// participant was connected and the frame was queued.
func (r *Room) Send(participantID string, frame []byte) bool {
	if r == nil {
		return false
	}

	r.mu.RLock()
	m := r.members[participantID]
	r.mu.RUnlock()

	if m == nil {
		return false
	}

	select {
	case <-m.Done():
		return false
	default:
	}

	select {
	case m.Send <- frame:
		return true
	default:
		return false
	}
}

// ConnectedParticipants returns the sorted participant ids currently
// registered.
func (r *Room) ConnectedParticipants() []string {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Empty reports whether the room has no members left.
func (r *Room) Empty() bool {
	if r == nil {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0
}
