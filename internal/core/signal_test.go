package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"chorus/server/internal/protocol"
)

func TestRelayDeliversVerbatimToTarget(t *testing.T) {
	reg, _ := newTestRegistry()
	a := join(t, reg, "jam-room-42", "c1", "alice", "Alice")
	b := join(t, reg, "jam-room-42", "c2", "bob", "Bob")
	c := join(t, reg, "jam-room-42", "c3", "carol", "Carol")
	a.drain()
	b.drain()
	c.drain()

	payload := json.RawMessage(`{"to":"bob","sdp":"v=0 fake-offer","from":"alice"}`)
	if err := a.sess.Relay("c1", protocol.EventPeerOffer, payload, "bob"); err != nil {
		t.Fatalf("relay: %v", err)
	}

	env := b.nextOf(t, protocol.EventPeerOffer)
	if !bytes.Equal(env.Payload, payload) {
		t.Fatalf("payload should pass through verbatim, got %s", env.Payload)
	}
	if n := c.countOf(protocol.EventPeerOffer); n != 0 {
		t.Fatalf("relay is point to point, bystander got %d frames", n)
	}
}

func TestRelayUnknownTarget(t *testing.T) {
	reg, _ := newTestRegistry()
	a := join(t, reg, "jam-room-42", "c1", "alice", "Alice")

	err := a.sess.Relay("c1", protocol.EventPeerAnswer, json.RawMessage(`{}`), "ghost")
	wantCode(t, err, protocol.CodeNotFound)
}

func TestRelayFromNonMember(t *testing.T) {
	reg, _ := newTestRegistry()
	a := join(t, reg, "jam-room-42", "c1", "alice", "Alice")

	err := a.sess.Relay("c99", protocol.EventPeerICECandidate, json.RawMessage(`{}`), "alice")
	wantCode(t, err, protocol.CodeNotFound)
}
