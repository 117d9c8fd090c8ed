package core

import (
	"log/slog"
	"sort"

	"chorus/server/internal/protocol"
)

// pendingRequestsLocked returns the pending-request list ordered by request
// time for stable controller_requests_update payloads.
func (s *Session) pendingRequestsLocked() []protocol.PendingRequest {
	out := make([]protocol.PendingRequest, 0, len(s.pendingRequests))
	for clientID, req := range s.pendingRequests {
		out = append(out, protocol.PendingRequest{
			ClientID:      clientID,
			RequesterName: req.requesterName,
			RequestTimeMs: req.requestTimeMs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestTimeMs != out[j].RequestTimeMs {
			return out[i].RequestTimeMs < out[j].RequestTimeMs
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

func (s *Session) broadcastRequestsLocked() {
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerRequestsUpdate,
		protocol.ControllerRequestsUpdate{Requests: s.pendingRequestsLocked()}))
}

// transferControllerLocked moves the controller role to the given member,
// clears offers made by the previous controller, and fans out the change
// events plus a fresh sync_state.
func (s *Session) transferControllerLocked(to *Member, nowMs int64) {
	s.controllerClient = to.ClientID
	s.controllerConn = to.ConnID
	s.pendingOffers = make(map[string]string)

	// The new controller cannot hold a pending request against itself.
	if _, had := s.pendingRequests[to.ClientID]; had {
		delete(s.pendingRequests, to.ClientID)
		s.broadcastRequestsLocked()
	}

	s.authoritativeLocked(nowMs)
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerChange,
		protocol.ControllerChange{ControllerConnID: to.ConnID}))
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerClientChange,
		protocol.ControllerClientChange{ControllerClientID: to.ClientID}))
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(nowMs)))

	slog.Info("controller transferred", "session_id", s.ID,
		"client_id", to.ClientID, "conn_id", to.ConnID)
}

// RequestController records a pending request from a non-controller member.
// The current controller is notified directly; everyone sees the updated
// request list.
func (s *Session) RequestController(connID string) error {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	if m.ClientID == s.controllerClient {
		return Errf(protocol.CodeConflict, "already the controller")
	}
	if _, exists := s.pendingRequests[m.ClientID]; exists {
		return Errf(protocol.CodeConflict, "request already pending")
	}

	s.pendingRequests[m.ClientID] = pendingRequest{
		requesterName: m.DisplayName,
		requestTimeMs: now,
	}
	s.sendToClientLocked(s.controllerClient,
		protocol.NewEnvelope(protocol.EventControllerRequestReceived,
			protocol.ControllerRequestReceived{RequesterClientID: m.ClientID, RequesterName: m.DisplayName}))
	s.broadcastRequestsLocked()
	return nil
}

// CancelControllerRequest withdraws the caller's own pending request.
func (s *Session) CancelControllerRequest(connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	if _, exists := s.pendingRequests[m.ClientID]; !exists {
		return Errf(protocol.CodeExpiredOrGone, "no pending request")
	}
	delete(s.pendingRequests, m.ClientID)
	s.broadcastRequestsLocked()
	return nil
}

// ApproveControllerRequest transfers the controller role to a requester.
// Only the current controller may approve, and only while the request is
// still pending and the requester is still present.
func (s *Session) ApproveControllerRequest(connID, requesterClientID string) error {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	if connID != s.controllerConn {
		return Errf(protocol.CodeUnauthorized, "only the controller can approve requests")
	}
	req, exists := s.pendingRequests[requesterClientID]
	if !exists || now-req.requestTimeMs > protocol.RequestTTL.Milliseconds() {
		delete(s.pendingRequests, requesterClientID)
		return Errf(protocol.CodeExpiredOrGone, "request no longer valid")
	}
	target := s.memberByClientLocked(requesterClientID)
	if target == nil {
		delete(s.pendingRequests, requesterClientID)
		return Errf(protocol.CodeExpiredOrGone, "requester is no longer connected")
	}

	delete(s.pendingRequests, requesterClientID)
	s.transferControllerLocked(target, now)
	s.broadcastRequestsLocked()
	return nil
}

// DenyControllerRequest drops a pending request without a transfer.
func (s *Session) DenyControllerRequest(connID, requesterClientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if connID != s.controllerConn {
		return Errf(protocol.CodeUnauthorized, "only the controller can deny requests")
	}
	if _, exists := s.pendingRequests[requesterClientID]; !exists {
		return Errf(protocol.CodeExpiredOrGone, "request no longer valid")
	}
	delete(s.pendingRequests, requesterClientID)
	s.broadcastRequestsLocked()
	return nil
}

// OfferController offers the role to another member. The target is notified
// directly; the offerer gets a confirmation.
func (s *Session) OfferController(connID, targetClientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offerer := s.mustMemberLocked(connID)
	if offerer == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	if connID != s.controllerConn {
		return Errf(protocol.CodeUnauthorized, "only the controller can offer the role")
	}
	if targetClientID == offerer.ClientID {
		return Errf(protocol.CodeConflict, "already the controller")
	}
	target := s.memberByClientLocked(targetClientID)
	if target == nil {
		return Errf(protocol.CodeNotFound, "target client is not in this session")
	}

	s.pendingOffers[targetClientID] = offerer.ClientID
	s.enqueueLocked(target, protocol.NewEnvelope(protocol.EventControllerOfferReceived,
		protocol.ControllerOfferReceived{OffererClientID: offerer.ClientID, OffererName: offerer.DisplayName}))
	s.enqueueLocked(offerer, protocol.NewEnvelope(protocol.EventControllerOfferSent,
		protocol.ControllerOfferSent{TargetClientID: targetClientID}))
	return nil
}

// AcceptControllerOffer completes an offer. The offer is only honored while
// the offerer still holds the controller role.
func (s *Session) AcceptControllerOffer(connID, offererClientID string) error {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	offerer, offered := s.pendingOffers[m.ClientID]
	if !offered || offerer != offererClientID {
		return Errf(protocol.CodeExpiredOrGone, "no pending offer from that client")
	}
	if s.controllerClient != offererClientID {
		delete(s.pendingOffers, m.ClientID)
		return Errf(protocol.CodeExpiredOrGone, "offer is stale, controller changed")
	}

	delete(s.pendingOffers, m.ClientID)
	s.transferControllerLocked(m, now)
	return nil
}

// DeclineControllerOffer drops an offer and informs the offerer only.
func (s *Session) DeclineControllerOffer(connID, offererClientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	offerer, offered := s.pendingOffers[m.ClientID]
	if !offered || offerer != offererClientID {
		return Errf(protocol.CodeExpiredOrGone, "no pending offer from that client")
	}
	delete(s.pendingOffers, m.ClientID)
	s.sendToClientLocked(offererClientID,
		protocol.NewEnvelope(protocol.EventControllerOfferDeclined,
			protocol.ControllerOfferDeclined{TargetClientID: m.ClientID}))
	return nil
}

// SweepRequests drops pending controller requests older than the request
// TTL. Run periodically; handlers also ignore expired entries they meet.
func (s *Session) SweepRequests(nowMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for clientID, req := range s.pendingRequests {
		if nowMs-req.requestTimeMs > protocol.RequestTTL.Milliseconds() {
			delete(s.pendingRequests, clientID)
			removed++
		}
	}
	if removed > 0 {
		s.broadcastRequestsLocked()
		slog.Debug("expired controller requests swept",
			"session_id", s.ID, "removed", removed)
	}
}
