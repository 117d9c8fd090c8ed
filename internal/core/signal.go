package core

import (
	"encoding/json"

	"chorus/server/internal/protocol"
)

// Relay forwards an opaque peer-signaling frame to the named client in the
// sender's session. The payload passes through verbatim; the server only
// reads the target. Not restricted to the controller.
func (s *Session) Relay(connID, event string, payload json.RawMessage, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mustMemberLocked(connID) == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	target := s.memberByClientLocked(to)
	if target == nil {
		return Errf(protocol.CodeNotFound, "target client is not connected")
	}
	s.enqueueLocked(target, protocol.Envelope{Event: event, Payload: payload})
	return nil
}
