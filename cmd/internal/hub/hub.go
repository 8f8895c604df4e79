package hub

import (
	"log/slog"
	"sync"
)

// Hub owns the in-memory rooms, one per session token. Session state lives
// behind the lifecycle store; the hub only tracks live connections.
type Hub struct {
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:   log,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreateRoom returns a stable room handle for a session token.
func (h *Hub) GetOrCreateRoom(token string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[token]; ok {
		return r
	}

	r := NewRoom(h.log, token)
	h.rooms[token] = r
	return r
}

// Room returns the room for a token, or nil when nobody is connected.
func (h *Hub) Room(token string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[token]
}

// DropIfEmpty removes a room once its last member left. Harmless to call on
// rooms that regained members in the meantime.
func (h *Hub) DropIfEmpty(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[token]; ok && r.Empty() {
		delete(h.rooms, token)
	}
}

// ConnectedParticipants returns the sorted participant ids connected to a
// token's room.
func (h *Hub) ConnectedParticipants(token string) []string {
	return h.Room(token).ConnectedParticipants()
}
