package core

import (
	"encoding/json"
	"testing"

	"chorus/server/internal/clock"
	"chorus/server/internal/protocol"
)

// testChanSize is large enough that no test broadcast overflows a member
// queue by accident; overflow behavior gets its own test.
const testChanSize = 256

func newTestRegistry() (*Registry, *clock.Manual) {
	clk := clockAt(1_700_000_000_000)
	return NewRegistry(clk, nil, nil), clk
}

func clockAt(ms int64) *clock.Manual {
	return clock.NewManual(ms)
}

// staticLibrary serves a fixed seed queue.
type staticLibrary []protocol.Track

func (l staticLibrary) Tracks() []protocol.Track {
	out := make([]protocol.Track, len(l))
	copy(out, l)
	return out
}

type testMember struct {
	sess *Session
	conn string
	ch   chan protocol.Envelope
	snap protocol.SessionSnapshot
}

func join(t *testing.T, reg *Registry, sessionID, connID, clientID, name string) *testMember {
	t.Helper()
	ch := make(chan protocol.Envelope, testChanSize)
	sess, snap, err := reg.Join(JoinParams{
		ConnID:      connID,
		Send:        ch,
		SessionID:   sessionID,
		ClientID:    clientID,
		DisplayName: name,
	})
	if err != nil {
		t.Fatalf("join %s/%s: %v", sessionID, clientID, err)
	}
	return &testMember{sess: sess, conn: connID, ch: ch, snap: snap}
}

// drain discards everything queued so far.
func (m *testMember) drain() {
	for {
		select {
		case <-m.ch:
		default:
			return
		}
	}
}

// next pops the next queued frame; broadcasts are synchronous so anything
// expected is already there.
func (m *testMember) next(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-m.ch:
		if !ok {
			t.Fatalf("send queue closed")
		}
		return env
	default:
		t.Fatalf("no queued event")
		return protocol.Envelope{}
	}
}

// nextOf skips frames until one with the given event name appears.
func (m *testMember) nextOf(t *testing.T, event string) protocol.Envelope {
	t.Helper()
	for i := 0; i < testChanSize; i++ {
		select {
		case env, ok := <-m.ch:
			if !ok {
				t.Fatalf("send queue closed while waiting for %s", event)
			}
			if env.Event == event {
				return env
			}
		default:
			t.Fatalf("event %s not queued", event)
		}
	}
	t.Fatalf("event %s not found", event)
	return protocol.Envelope{}
}

// countOf counts queued frames with the given event name, consuming the
// whole queue.
func (m *testMember) countOf(event string) int {
	n := 0
	for {
		select {
		case env, ok := <-m.ch:
			if !ok {
				return n
			}
			if env.Event == event {
				n++
			}
		default:
			return n
		}
	}
}

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s payload: %v", env.Event, err)
	}
	return v
}

func wantCode(t *testing.T, err error, code protocol.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", code)
	}
	if got := CodeOf(err); got != code {
		t.Fatalf("error code = %s, want %s (err: %v)", got, code, err)
	}
}
