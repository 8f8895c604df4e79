package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case frame := <-c.Send:
		return frame
	case <-time.After(time.Second):
		t.Fatalf("no frame queued for %s", c.ParticipantID)
		return nil
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	alice := NewClient("tok", "alice", 4)
	bob := NewClient("tok", "bob", 4)
	room.Join(alice)
	room.Join(bob)

	room.Broadcast([]byte("hello"), "alice")

	if got := recv(t, bob); string(got) != "hello" {
		t.Fatalf("bob received %q", got)
	}
	select {
	case frame := <-alice.Send:
		t.Fatalf("sender must be excluded, received %q", frame)
	default:
	}
}

func TestBroadcastDropsUnderBackpressure(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	slow := NewClient("tok", "slow", 1)
	room.Join(slow)

	room.Broadcast([]byte("one"), "")
	room.Broadcast([]byte("two"), "")

	if got := recv(t, slow); string(got) != "one" {
		t.Fatalf("first frame = %q", got)
	}
	select {
	case frame := <-slow.Send:
		t.Fatalf("overflow frame must be dropped, received %q", frame)
	default:
	}
}

func TestBroadcastSkipsClosedClients(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	gone := NewClient("tok", "gone", 4)
	room.Join(gone)
	gone.Close()

	room.Broadcast([]byte("frame"), "")

	select {
	case frame := <-gone.Send:
		t.Fatalf("closed client must not receive, got %q", frame)
	default:
	}
}

func TestRejoinReplacesPreviousConnection(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	first := NewClient("tok", "alice", 4)
	room.Join(first)

	second := NewClient("tok", "alice", 4)
	room.Join(second)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatalf("replaced connection not closed")
	}

	// The exit path of the replaced connection must not unregister the
	// replacement.
	room.Leave(first)
	if room.Empty() {
		t.Fatalf("replacement was unregistered by the stale leave")
	}

	room.Broadcast([]byte("frame"), "")
	if got := recv(t, second); string(got) != "frame" {
		t.Fatalf("replacement received %q", got)
	}
}

func TestSendUnicast(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	alice := NewClient("tok", "alice", 4)
	room.Join(alice)

	if !room.Send("alice", []byte("direct")) {
		t.Fatalf("Send to a connected participant must queue")
	}
	if got := recv(t, alice); string(got) != "direct" {
		t.Fatalf("received %q", got)
	}
	if room.Send("nobody", []byte("direct")) {
		t.Fatalf("Send to an absent participant must report false")
	}
}

func TestConnectedParticipantsSorted(t *testing.T) {
	t.Parallel()

	room := NewRoom(testLogger(), "tok")
	room.Join(NewClient("tok", "zeta", 4))
	room.Join(NewClient("tok", "alpha", 4))

	got := room.ConnectedParticipants()
	if len(got) != 2 || got[0] != "alpha" || got[1] != "zeta" {
		t.Fatalf("ConnectedParticipants() = %v", got)
	}
}

func TestHubRoomLifecycle(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	room := h.GetOrCreateRoom("tok")
	if h.GetOrCreateRoom("tok") != room {
		t.Fatalf("room handle not stable")
	}

	client := NewClient("tok", "alice", 4)
	room.Join(client)

	h.DropIfEmpty("tok")
	if h.Room("tok") == nil {
		t.Fatalf("occupied room dropped")
	}

	room.Leave(client)
	h.DropIfEmpty("tok")
	if h.Room("tok") != nil {
		t.Fatalf("empty room not dropped")
	}

	if got := h.ConnectedParticipants("missing"); len(got) != 0 {
		t.Fatalf("absent room participants = %v", got)
	}
}
