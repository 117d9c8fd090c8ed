package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chorus/server/internal/clock"
	"chorus/server/internal/core"
	"chorus/server/internal/protocol"
)

func newTestServer(t *testing.T) (*httptest.Server, *Handler) {
	t.Helper()
	clk := clock.NewSystem()
	registry := core.NewRegistry(clk, nil, nil)
	h := NewHandler(registry, clk)

	e := echo.New()
	e.HideBanner = true
	h.Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeMsg(t *testing.T, c *websocket.Conn, event string, payload any, ackID uint64) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	env := protocol.Envelope{Event: event, Payload: data, AckID: ackID}
	if err := c.WriteJSON(env); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readUntil reads frames until one with the given event arrives.
func readUntil(t *testing.T, c *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for {
		var env protocol.Envelope
		if err := c.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// readAck reads frames until the ack with the given id arrives.
func readAck(t *testing.T, c *websocket.Conn, ackID uint64) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = c.SetReadDeadline(deadline)
	for {
		var env protocol.Envelope
		if err := c.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for ack %d: %v", ackID, err)
		}
		if env.Event == protocol.EventAck && env.AckID == ackID {
			return env
		}
	}
}

// expectNone fails if a frame with the given event arrives within the window.
func expectNone(t *testing.T, c *websocket.Conn, event string) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		var env protocol.Envelope
		if err := c.ReadJSON(&env); err != nil {
			return // timeout is the pass case
		}
		if env.Event == event {
			t.Fatalf("unexpected %s frame: %s", event, env.Payload)
		}
	}
}

func decodeAs[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
	return v
}

func ackError(t *testing.T, env protocol.Envelope) string {
	t.Helper()
	return decodeAs[protocol.AckError](t, env).Error
}

var nextAck uint64 = 100

func joinSession(t *testing.T, c *websocket.Conn, sessionID, clientID, name string) protocol.SessionSnapshot {
	t.Helper()
	nextAck++
	writeMsg(t, c, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: sessionID, ClientID: clientID, DisplayName: name,
	}, nextAck)
	snap := decodeAs[protocol.SessionSnapshot](t, readAck(t, c, nextAck))
	if !snap.Success {
		t.Fatalf("join ack not successful: %+v", snap)
	}
	return snap
}

func TestJoinElectsFirstController(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)

	snapA := joinSession(t, a, "test-room-10", "alice", "Alice")
	if snapA.ControllerClientID != "alice" {
		t.Fatalf("first joiner should control, got %q", snapA.ControllerClientID)
	}
	snapB := joinSession(t, b, "test-room-10", "bob", "Bob")
	if snapB.ControllerClientID != "alice" {
		t.Fatalf("controller should stay with the first joiner, got %q", snapB.ControllerClientID)
	}

	clients := decodeAs[protocol.ClientsUpdate](t, readUntil(t, a, protocol.EventClientsUpdate))
	if len(clients.Clients) == 0 {
		t.Fatalf("clients_update should carry the member list")
	}
}

func TestJoinTwiceOnOneConnection(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)

	joinSession(t, a, "test-room-10", "alice", "Alice")
	writeMsg(t, a, protocol.EventJoinSession, protocol.JoinSession{
		SessionID: "other-room-10", ClientID: "alice",
	}, 7)
	if msg := ackError(t, readAck(t, a, 7)); !strings.Contains(msg, "already joined") {
		t.Fatalf("second join error = %q", msg)
	}
}

func TestCommandBeforeJoinRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)

	writeMsg(t, a, protocol.EventPlay, protocol.PlaybackCommand{SessionID: "test-room-10"}, 3)
	if msg := ackError(t, readAck(t, a, 3)); msg == "" {
		t.Fatalf("play before join should ack an error")
	}
}

func TestPlayFansOutSyncState(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	snap := joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, a, protocol.EventAddToQueue, protocol.AddToQueue{
		SessionID: "test-room-10", URL: "https://example.com/a.mp3", Title: "A",
	}, 2)
	readAck(t, a, 2)

	writeMsg(t, a, protocol.EventPlay, protocol.PlaybackCommand{
		SessionID: "test-room-10", Timestamp: 1000,
	}, 3)
	readAck(t, a, 3)

	state := decodeAs[protocol.SyncState](t, readUntil(t, b, protocol.EventSyncState))
	if !state.IsPlaying || state.TimestampMs != 1000 {
		t.Fatalf("sync_state = %+v", state)
	}
	if state.SyncVersion <= snap.SyncVersion {
		t.Fatalf("sync_version should increase, %d -> %d", snap.SyncVersion, state.SyncVersion)
	}
	if state.ServerTimeMs == 0 {
		t.Fatalf("sync_state should carry the server time")
	}
}

func TestNonControllerPlayAcksButDoesNotApply(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, b, protocol.EventPlay, protocol.PlaybackCommand{
		SessionID: "test-room-10", Timestamp: 9000,
	}, 2)
	ack := decodeAs[protocol.AckOK](t, readAck(t, b, 2))
	if !ack.Success {
		t.Fatalf("dropped input still acks success, got %+v", ack)
	}
	expectNone(t, a, protocol.EventSyncState)
}

func TestPlayRejectsBadTimestamp(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")

	writeMsg(t, a, protocol.EventPlay, map[string]any{
		"session_id": "test-room-10", "timestamp": -5,
	}, 2)
	if msg := ackError(t, readAck(t, a, 2)); !strings.Contains(msg, "timestamp") {
		t.Fatalf("bad timestamp error = %q", msg)
	}
}

func TestDuplicateQueueAdd(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")

	add := protocol.AddToQueue{SessionID: "test-room-10", URL: "https://example.com/a.mp3", Title: "A"}
	writeMsg(t, a, protocol.EventAddToQueue, add, 2)
	readAck(t, a, 2)
	writeMsg(t, a, protocol.EventAddToQueue, add, 3)
	if msg := ackError(t, readAck(t, a, 3)); msg != "Track already in queue" {
		t.Fatalf("duplicate add error = %q", msg)
	}
}

func TestControllerTransferByApproval(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, b, protocol.EventRequestController, protocol.ControllerRequest{
		SessionID: "test-room-10",
	}, 2)
	readAck(t, b, 2)

	recv := decodeAs[protocol.ControllerRequestReceived](t,
		readUntil(t, a, protocol.EventControllerRequestReceived))
	if recv.RequesterClientID != "bob" {
		t.Fatalf("controller_request_received = %+v", recv)
	}

	writeMsg(t, a, protocol.EventApproveControllerRequest, protocol.ControllerDecision{
		SessionID: "test-room-10", RequesterClientID: "bob",
	}, 3)
	readAck(t, a, 3)

	change := decodeAs[protocol.ControllerClientChange](t,
		readUntil(t, b, protocol.EventControllerClientChange))
	if change.ControllerClientID != "bob" {
		t.Fatalf("controller should move to bob, got %q", change.ControllerClientID)
	}

	// Bob can now drive playback.
	writeMsg(t, b, protocol.EventAddToQueue, protocol.AddToQueue{
		SessionID: "test-room-10", URL: "https://example.com/b.mp3",
	}, 4)
	readAck(t, b, 4)
	writeMsg(t, b, protocol.EventPlay, protocol.PlaybackCommand{
		SessionID: "test-room-10", Timestamp: 0,
	}, 5)
	readAck(t, b, 5)
	state := decodeAs[protocol.SyncState](t, readUntil(t, a, protocol.EventSyncState))
	if !state.IsPlaying {
		t.Fatalf("new controller's play should apply")
	}
}

func TestChatRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")

	for i := uint64(1); i <= protocol.ChatLimit; i++ {
		writeMsg(t, a, protocol.EventChatMessage, protocol.ChatSend{
			SessionID: "test-room-10", Message: "spam",
		}, 10+i)
		ack := decodeAs[protocol.AckOK](t, readAck(t, a, 10+i))
		if !ack.Success {
			t.Fatalf("message %d should pass the limiter", i)
		}
	}

	writeMsg(t, a, protocol.EventChatMessage, protocol.ChatSend{
		SessionID: "test-room-10", Message: "one too many",
	}, 99)
	if msg := ackError(t, readAck(t, a, 99)); !strings.Contains(msg, "slow down") {
		t.Fatalf("rate limit error = %q", msg)
	}
}

func TestChatFansOutSanitized(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, a, protocol.EventChatMessage, protocol.ChatSend{
		SessionID: "test-room-10", Message: "<i>hey</i>",
	}, 2)
	readAck(t, a, 2)

	msg := decodeAs[protocol.ChatMessage](t, readUntil(t, b, protocol.EventChatMessage))
	if msg.Message != "&lt;i&gt;hey&lt;/i&gt;" {
		t.Fatalf("chat body = %q", msg.Message)
	}
	if msg.SenderClientID != "alice" {
		t.Fatalf("sender = %q", msg.SenderClientID)
	}
}

func TestTimeSync(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)

	// time_sync works without a join; it is a pure clock exchange.
	writeMsg(t, a, protocol.EventTimeSync, protocol.TimeSyncRequest{ClientSent: 123.5}, 2)
	reply := decodeAs[protocol.TimeSyncReply](t, readAck(t, a, 2))
	if !reply.Success || reply.ClientSent != 123.5 {
		t.Fatalf("time_sync reply = %+v", reply)
	}
	if reply.ServerProcessedMs < reply.ServerReceivedMs {
		t.Fatalf("processed %d before received %d", reply.ServerProcessedMs, reply.ServerReceivedMs)
	}
	if reply.ServerISO == "" {
		t.Fatalf("reply should carry an ISO timestamp")
	}
}

func TestTypingExcludesTypist(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, a, protocol.EventTyping, protocol.Typing{SessionID: "test-room-10"}, 0)
	typ := decodeAs[protocol.UserTyping](t, readUntil(t, b, protocol.EventUserTyping))
	if typ.ClientID != "alice" {
		t.Fatalf("user_typing = %+v", typ)
	}
	expectNone(t, a, protocol.EventUserTyping)
}

func TestSignalRelay(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	writeMsg(t, a, protocol.EventPeerOffer, map[string]any{
		"to": "bob", "from": "alice", "sdp": "v=0 test-offer",
	}, 2)
	readAck(t, a, 2)

	env := readUntil(t, b, protocol.EventPeerOffer)
	var relayed map[string]any
	if err := json.Unmarshal(env.Payload, &relayed); err != nil {
		t.Fatalf("decode relayed payload: %v", err)
	}
	if relayed["sdp"] != "v=0 test-offer" || relayed["from"] != "alice" {
		t.Fatalf("relayed payload = %v", relayed)
	}
}

func TestSignalRelayUnknownTarget(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")

	writeMsg(t, a, protocol.EventPeerAnswer, map[string]any{"to": "ghost"}, 2)
	if msg := ackError(t, readAck(t, a, 2)); msg == "" {
		t.Fatalf("relay to an absent client should ack an error")
	}
}

func TestSyncRequestReturnsSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")

	writeMsg(t, a, protocol.EventSyncRequest, protocol.SyncRequestPayload{
		SessionID: "test-room-10",
	}, 2)
	snap := decodeAs[protocol.SessionSnapshot](t, readAck(t, a, 2))
	if !snap.Success || snap.SessionSettings.SessionID != "test-room-10" {
		t.Fatalf("sync_request snapshot = %+v", snap)
	}
}

func TestMalformedFramesAreCountedAndSkipped(t *testing.T) {
	srv, h := newTestServer(t)
	a := dial(t, srv)

	if err := a.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)); err != nil {
		t.Fatalf("write eventless frame: %v", err)
	}

	// The connection survives and still answers.
	writeMsg(t, a, protocol.EventTimeSync, protocol.TimeSyncRequest{ClientSent: 1}, 2)
	readAck(t, a, 2)
	if got := h.MalformedFrames(); got != 2 {
		t.Fatalf("malformed frame count = %d, want 2", got)
	}
}

func TestUnsupportedEvent(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)

	writeMsg(t, a, "warp_drive", map[string]any{}, 2)
	if msg := ackError(t, readAck(t, a, 2)); !strings.Contains(msg, "unsupported") {
		t.Fatalf("unsupported event error = %q", msg)
	}
}

func TestDisconnectRemovesMember(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	joinSession(t, a, "test-room-10", "alice", "Alice")
	joinSession(t, b, "test-room-10", "bob", "Bob")

	_ = b.Close()

	// Alice eventually sees the membership shrink back to one.
	deadline := time.Now().Add(2 * time.Second)
	for {
		env := readUntil(t, a, protocol.EventClientsUpdate)
		clients := decodeAs[protocol.ClientsUpdate](t, env)
		if len(clients.Clients) == 1 && clients.Clients[0].ClientID == "alice" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("membership never shrank, last update: %+v", clients)
		}
	}
}
