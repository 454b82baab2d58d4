package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport for exercising the gateway without
// a websocket.
type fakeTransport struct {
	id string

	mu            sync.Mutex
	sent          []OutboundMessage
	closed        bool
	handler       func(Message, Transport) error
	closeHandlers []func(Transport) error
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) SendJSON(v interface{}) error {
	f.mu.Lock()

	defer f.mu.Unlock()

	if f.closed {
		return internal("fake.send", "transport closed")
	}
	msg, ok := v.(OutboundMessage)

	if !ok {
		return internal("fake.send", "unexpected payload type")
	}
	// Round-trip Data through JSON so assertions see what a client would.
	raw, err := json.Marshal(msg.Data)

	if err != nil {
		return err
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	msg.Data = data
	f.sent = append(f.sent, msg)

	return nil
}

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()

	defer f.mu.Unlock()

	return !f.closed
}

func (f *fakeTransport) Close() {
	f.mu.Lock()

	if f.closed {
		f.mu.Unlock()

		return
	}
	f.closed = true
	handlers := make([]func(Transport) error, len(f.closeHandlers))

	copy(handlers, f.closeHandlers)

	f.mu.Unlock()

	for _, h := range handlers {
		_ = h(f)
	}
}

func (f *fakeTransport) OnClose(callback func(Transport) error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.closeHandlers = append(f.closeHandlers, callback)
}

func (f *fakeTransport) OnMessage(handler func(Message, Transport) error) {
	f.mu.Lock()

	defer f.mu.Unlock()

	f.handler = handler
}

func (f *fakeTransport) HandleMessages() {}

// inject simulates an inbound client message.
func (f *fakeTransport) inject(t *testing.T, msgType string, payload interface{}) {
	t.Helper()

	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		t.Fatal("no message handler wired")
	}
	raw, err := json.Marshal(payload)

	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := handler(Message{Type: msgType, Payload: raw}, f); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
}

func (f *fakeTransport) messages(kind EventKind) []OutboundMessage {
	f.mu.Lock()

	defer f.mu.Unlock()

	var out []OutboundMessage
	for _, m := range f.sent {
		if m.Event == kind {
			out = append(out, m)
		}
	}
	return out
}

func newTestGateway(t *testing.T, opts ...Options) *Gateway {
	t.Helper()

	o := Options{
		Namespace:      "test",
		DebounceWindow: 40 * time.Millisecond,
		Logger:         discardLogger(),
	}
	if len(opts) > 0 {
		o = opts[0]

		if o.Logger == nil {
			o.Logger = discardLogger()
		}
	}
	g, err := NewGateway(context.Background(), o)

	if err != nil {
		t.Fatalf("NewGateway failed: %v", err)
	}
	t.Cleanup(g.Close)

	return g
}

func connect(t *testing.T, g *Gateway, id, sessionID string) *fakeTransport {
	t.Helper()

	ft := newFakeTransport(id)

	if err := g.HandleConnection(context.Background(), ft, sessionID); err != nil {
		t.Fatalf("HandleConnection(%s) failed: %v", id, err)
	}
	return ft
}

func TestGatewayConnectionLifecycle(t *testing.T) {
	g := newTestGateway(t)

	var connected []string

	g.OnConnected(func(tr Transport) { connected = append(connected, tr.ID()) })

	s1 := connect(t, g, "s1", "u1")

	if len(connected) != 1 || connected[0] != "s1" {
		t.Errorf("onConnected hooks should run on handshake, got %v", connected)
	}

	meta, err := g.metadata.Get(context.Background(), "s1")

	if err != nil || meta == nil {
		t.Fatalf("expected metadata after connect, got %v, %v", meta, err)
	}
	if meta.SessionID != "u1" {
		t.Errorf("expected sessionId u1, got %q", meta.SessionID)
	}

	t.Run("session falls back to socket id", func(t *testing.T) {
		connect(t, g, "s2", "")

		meta, err := g.metadata.Get(context.Background(), "s2")

		if err != nil || meta == nil {
			t.Fatalf("expected metadata, got %v, %v", meta, err)
		}
		if meta.SessionID != "s2" {
			t.Errorf("expected fallback sessionId s2, got %q", meta.SessionID)
		}
	})

	t.Run("duplicate connection is rejected", func(t *testing.T) {
		dup := newFakeTransport("s1")

		if err := g.HandleConnection(context.Background(), dup, "u9"); err == nil {
			t.Error("expected error for duplicate socket id")
		}
	})

	_ = s1
}

func TestGatewayConnectionClosedBeforeHandshakeCompletes(t *testing.T) {
	g := newTestGateway(t)

	ctx := context.Background()

	connect(t, g, "s1", "u1")

	// The socket closes after its pumps start but before the gateway wires
	// its close handler; it must still end up disconnected.
	ghost := newFakeTransport("ghost")

	ghost.Close()

	if err := g.HandleConnection(ctx, ghost, "u2"); err == nil {
		t.Fatal("expected error connecting an already-closed socket")
	}

	if n := g.SocketCount(); n != 1 {
		t.Errorf("closed socket must not stay registered, got %d sockets", n)
	}
	if got := g.OnlineCount(ctx); got != 1 {
		t.Errorf("closed socket must not count as online, got %d", got)
	}

	meta, err := g.metadata.Get(ctx, "ghost")

	if err != nil {
		t.Fatal(err)
	}
	if meta != nil {
		t.Errorf("no metadata may survive for the closed socket, got %+v", meta)
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()

	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()

	defer b.mu.Unlock()

	return b.buf.String()
}

func TestBroadcastDeliveryReportsPublishingNode(t *testing.T) {
	var sink syncBuffer

	logger := slog.New(slog.NewTextHandler(&sink, &slog.HandlerOptions{Level: slog.LevelDebug}))

	g := newTestGateway(t, Options{
		Namespace:      "test",
		DebounceWindow: 200 * time.Millisecond,
		Logger:         logger,
	})

	s1 := connect(t, g, "s1", "u1")

	const kind = EventKind("ping")

	if err := g.Broadcast(context.Background(), kind, "x", nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(s1.messages(kind)) == 1
	})

	if !strings.Contains(sink.String(), g.nodeID) {
		t.Error("delivery log must attribute the broadcast to its publishing node")
	}
}

func TestGatewayDisconnectSequence(t *testing.T) {
	g := newTestGateway(t)

	var mu sync.Mutex

	var sequence []string

	g.OnLeaveRoom(func(_ Transport, room string) {
		mu.Lock()

		sequence = append(sequence, "leave:"+room)

		mu.Unlock()
	})
	g.OnDisconnected(func(Transport) {
		mu.Lock()

		sequence = append(sequence, "disconnected")

		mu.Unlock()
	})

	s1 := connect(t, g, "s1", "u1")

	observer := connect(t, g, "obs", "u-obs")

	if err := g.Join(context.Background(), s1, "A"); err != nil {
		t.Fatalf("join A: %v", err)
	}
	if err := g.Join(context.Background(), s1, "B"); err != nil {
		t.Fatalf("join B: %v", err)
	}

	s1.Close()

	mu.Lock()
	got := make([]string, len(sequence))

	copy(got, sequence)

	mu.Unlock()

	if len(got) != 3 {
		t.Fatalf("expected leave A, leave B, disconnected; got %v", got)
	}
	if got[0] != "leave:A" || got[1] != "leave:B" {
		t.Errorf("onLeaveRoom must fire once per room before onDisconnected, got %v", got)
	}
	if got[2] != "disconnected" {
		t.Errorf("onDisconnected must fire last, got %v", got)
	}

	t.Run("metadata purged after disconnect", func(t *testing.T) {
		meta, err := g.metadata.Get(context.Background(), "s1")

		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if meta != nil {
			t.Error("expected metadata to be cleared on disconnect")
		}
	})

	t.Run("offline broadcast carries the session id", func(t *testing.T) {
		waitFor(t, 2*time.Second, func() bool {
			return len(observer.messages(EventVisitorOffline)) == 1
		})

		msg := observer.messages(EventVisitorOffline)[0]

		data := msg.Data.(map[string]interface{})

		if data["sessionId"] != "u1" {
			t.Errorf("expected sessionId u1 in offline payload, got %v", data["sessionId"])
		}
		if data["online"] != float64(1) {
			t.Errorf("expected online count 1 after s1 left, got %v", data["online"])
		}
	})

	t.Run("second disconnect is a no-op", func(t *testing.T) {
		g.HandleDisconnect(context.Background(), s1)

		if n := len(observer.messages(EventVisitorOffline)); n != 1 {
			t.Errorf("expected no extra offline broadcast, got %d", n)
		}
	})
}

func TestGatewayMessageDispatch(t *testing.T) {
	g := newTestGateway(t)

	s1 := connect(t, g, "s1", "u1")

	var seen []string

	g.OnMessage(func(_ Transport, msg Message) { seen = append(seen, msg.Type) })

	t.Run("join message joins the room", func(t *testing.T) {
		s1.inject(t, messageTypeJoin, joinPayload{RoomName: "lobby"})

		if !g.InRoom(s1, "lobby") {
			t.Error("expected s1 in room lobby")
		}
	})

	t.Run("leave message leaves the room", func(t *testing.T) {
		s1.inject(t, messageTypeLeave, leavePayload{RoomName: "lobby"})

		if g.InRoom(s1, "lobby") {
			t.Error("expected s1 out of room lobby")
		}
	})

	t.Run("update_sid overwrites the session id", func(t *testing.T) {
		s1.inject(t, messageTypeUpdateSid, updateSidPayload{SessionID: "u2"})

		meta, err := g.metadata.Get(context.Background(), "s1")

		if err != nil || meta == nil {
			t.Fatalf("expected metadata, got %v, %v", meta, err)
		}
		if meta.SessionID != "u2" {
			t.Errorf("expected sessionId u2, got %q", meta.SessionID)
		}
	})

	t.Run("unknown and malformed messages are ignored", func(t *testing.T) {
		s1.inject(t, "bogus", map[string]string{"x": "y"})

		s1.inject(t, messageTypeJoin, map[string]string{})

		if got := g.RoomsOf(s1); len(got) != 0 {
			t.Errorf("malformed join must not mutate membership, rooms = %v", got)
		}
	})

	t.Run("onMessage hooks saw every message", func(t *testing.T) {
		if len(seen) != 5 {
			t.Errorf("expected 5 onMessage invocations, got %d (%v)", len(seen), seen)
		}
	})
}

func TestGatewayBroadcastFiltering(t *testing.T) {
	g := newTestGateway(t)

	inRoomA := connect(t, g, "s1", "u1")

	alsoInA := connect(t, g, "s2", "u2")

	outside := connect(t, g, "s3", "u3")

	if err := g.Join(context.Background(), inRoomA, "A"); err != nil {
		t.Fatal(err)
	}
	if err := g.Join(context.Background(), alsoInA, "A"); err != nil {
		t.Fatal(err)
	}

	const kind = EventKind("announcement")

	t.Run("room restriction", func(t *testing.T) {
		err := g.Broadcast(context.Background(), kind, map[string]string{"msg": "hi"}, &BroadcastOptions{Rooms: []string{"A"}})

		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return len(inRoomA.messages(kind)) == 1 && len(alsoInA.messages(kind)) == 1
		})

		if n := len(outside.messages(kind)); n != 0 {
			t.Errorf("socket outside room A must not receive, got %d", n)
		}
	})

	t.Run("exclusion by session id", func(t *testing.T) {
		err := g.Broadcast(context.Background(), kind, "x", &BroadcastOptions{Rooms: []string{"A"}, Exclude: []string{"u2"}})

		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return len(inRoomA.messages(kind)) == 2
		})

		if n := len(alsoInA.messages(kind)); n != 1 {
			t.Errorf("excluded session u2 must not receive again, got %d", n)
		}
	})

	t.Run("no rooms means everyone", func(t *testing.T) {
		err := g.Broadcast(context.Background(), kind, "y", nil)

		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return len(outside.messages(kind)) == 1
		})
	})

	t.Run("exclusion by socket id", func(t *testing.T) {
		err := g.Broadcast(context.Background(), kind, "z", &BroadcastOptions{Exclude: []string{"s3"}})

		if err != nil {
			t.Fatalf("broadcast: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return len(inRoomA.messages(kind)) == 4
		})

		if n := len(outside.messages(kind)); n != 1 {
			t.Errorf("excluded socket s3 must not receive, got %d", n)
		}
	})
}

func TestGatewayCrossInstanceFanOut(t *testing.T) {
	// Two gateways sharing one pub/sub and metadata store behave as one
	// logical cluster: a room broadcast on one instance reaches matching
	// sockets on the other.
	shared := NewLocalPubSub(context.Background(), 100)

	defer shared.Close()

	meta := NewMemoryMetadataStore()

	base := Options{
		Namespace:      "cluster",
		DebounceWindow: 40 * time.Millisecond,
		Logger:         discardLogger(),
		PubSub:         shared,
		MetadataStore:  meta,
	}
	g1 := newTestGateway(t, base)

	g2 := newTestGateway(t, base)

	local := connect(t, g1, "s1", "u1")

	remote := connect(t, g2, "s2", "u2")

	if err := g1.Join(context.Background(), local, "news"); err != nil {
		t.Fatal(err)
	}
	if err := g2.Join(context.Background(), remote, "news"); err != nil {
		t.Fatal(err)
	}

	const kind = EventKind("flash")

	if err := g1.Broadcast(context.Background(), kind, "cluster-wide", &BroadcastOptions{Rooms: []string{"news"}}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(local.messages(kind)) == 1 && len(remote.messages(kind)) == 1
	})
}
