package core

import (
	"log/slog"
	"sort"
	"sync"

	"chorus/server/internal/protocol"
)

// Member is one connection bound to a session. A client (stable identity)
// has at most one member entry per session; the conn id is transport-level
// and changes across reconnects.
type Member struct {
	ConnID      string
	ClientID    string
	DisplayName string
	DeviceInfo  string

	send   chan protocol.Envelope
	closed bool // send closed after overflow or leave; protected by session mu
}

type pendingRequest struct {
	requesterName string
	requestTimeMs int64
}

type chatMessage struct {
	id             string
	senderClientID string
	displayName    string
	body           string
	createdAtMs    int64
	edited         bool
	editedAtMs     int64
	deleted        bool
}

// Session is one synchronized-playback group. All fields below mu are
// protected by it; handlers acquire the lock once per inbound message and
// never hold it across I/O.
type Session struct {
	ID  string
	reg *Registry

	mu          sync.Mutex
	dead        bool // destroyed and detached from the registry
	createdAtMs int64

	// Playback state.
	isPlaying     bool
	positionMs    float64
	lastUpdatedMs int64
	syncVersion   uint64
	posWindow     []float64 // smoothing FIFO, newest last
	lastLagWarnMs int64

	// Controller state.
	controllerClient string
	controllerConn   string
	pendingRequests  map[string]pendingRequest // requester client id
	pendingOffers    map[string]string         // target client id -> offerer client id

	members map[string]*Member // conn id

	queue       []protocol.Track
	selectedIdx int

	messages  []*chatMessage
	msgIndex  map[string]*chatMessage
	reactions map[string]map[string]map[string]struct{} // msg id -> emoji -> client id set

	drift map[string]*driftState // client id
}

func newSession(id string, reg *Registry, nowMs int64, seed []protocol.Track) *Session {
	return &Session{
		ID:              id,
		reg:             reg,
		createdAtMs:     nowMs,
		lastUpdatedMs:   nowMs,
		pendingRequests: make(map[string]pendingRequest),
		pendingOffers:   make(map[string]string),
		members:         make(map[string]*Member),
		queue:           seed,
		msgIndex:        make(map[string]*chatMessage),
		reactions:       make(map[string]map[string]map[string]struct{}),
		drift:           make(map[string]*driftState),
	}
}

// --- Fan-out ---

// enqueueLocked appends one frame to a member's send queue. A full queue
// means the consumer stopped draining: the member is cut off by closing its
// queue, which ends the connection's writer and triggers the normal
// disconnect path. Broadcast order is preserved because every enqueue
// happens under the session lock.
func (s *Session) enqueueLocked(m *Member, env protocol.Envelope) {
	if m.closed {
		return
	}
	select {
	case m.send <- env:
	default:
		m.closed = true
		close(m.send)
		slog.Warn("send queue overflow, terminating connection",
			"session_id", s.ID, "conn_id", m.ConnID, "client_id", m.ClientID)
	}
}

func (s *Session) broadcastLocked(env protocol.Envelope) {
	for _, m := range s.members {
		s.enqueueLocked(m, env)
	}
}

func (s *Session) broadcastExceptLocked(connID string, env protocol.Envelope) {
	for id, m := range s.members {
		if id == connID {
			continue
		}
		s.enqueueLocked(m, env)
	}
}

// sendToClientLocked delivers one frame to the member with the given client
// id, if present.
func (s *Session) sendToClientLocked(clientID string, env protocol.Envelope) bool {
	for _, m := range s.members {
		if m.ClientID == clientID {
			s.enqueueLocked(m, env)
			return true
		}
	}
	return false
}

func (s *Session) memberByClientLocked(clientID string) *Member {
	for _, m := range s.members {
		if m.ClientID == clientID {
			return m
		}
	}
	return nil
}

// --- Time bookkeeping ---

// advanceLocked materializes the effective playback position at nowMs and
// re-anchors lastUpdated, keeping the session's expiry entry fresh.
func (s *Session) advanceLocked(nowMs int64) {
	s.positionMs = s.effectivePositionLocked(nowMs)
	s.lastUpdatedMs = nowMs
	s.reg.touch(s.ID, nowMs)
}

// authoritativeLocked is advanceLocked plus a sync_version bump. Used for
// authoritative changes that do not set the position explicitly (controller
// transfers); the version is strictly increasing for the session's lifetime.
func (s *Session) authoritativeLocked(nowMs int64) {
	s.advanceLocked(nowMs)
	s.syncVersion++
}

// anchorLocked re-anchors last_updated after the position was set explicitly
// and bumps the version. The position is taken as already current at nowMs.
func (s *Session) anchorLocked(nowMs int64) {
	s.lastUpdatedMs = nowMs
	s.reg.touch(s.ID, nowMs)
	s.syncVersion++
}

func (s *Session) effectivePositionLocked(nowMs int64) float64 {
	if !s.isPlaying {
		return s.positionMs
	}
	return s.positionMs + float64(nowMs-s.lastUpdatedMs)
}

// --- Snapshots ---

// memberInfosLocked returns the member list sorted by conn id for stable
// clients_update payloads.
func (s *Session) memberInfosLocked() []protocol.MemberInfo {
	out := make([]protocol.MemberInfo, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, protocol.MemberInfo{
			ConnID:       m.ConnID,
			ClientID:     m.ClientID,
			DisplayName:  m.DisplayName,
			DeviceInfo:   m.DeviceInfo,
			IsController: m.ConnID == s.controllerConn,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

func (s *Session) queueCopyLocked() []protocol.Track {
	out := make([]protocol.Track, len(s.queue))
	copy(out, s.queue)
	return out
}

func (s *Session) currentTrackLocked() *protocol.Track {
	if len(s.queue) == 0 {
		return nil
	}
	t := s.queue[s.selectedIdx]
	return &t
}

// smoothedPositionLocked is the arithmetic mean of the position-smoothing
// FIFO, or the raw position when the window is empty.
func (s *Session) smoothedPositionLocked() float64 {
	if len(s.posWindow) == 0 {
		return s.positionMs
	}
	var sum float64
	for _, v := range s.posWindow {
		sum += v
	}
	return sum / float64(len(s.posWindow))
}

func (s *Session) pushPositionLocked(posMs float64) {
	s.posWindow = append(s.posWindow, posMs)
	if len(s.posWindow) > protocol.SmoothingWindow {
		s.posWindow = s.posWindow[1:]
	}
}

func (s *Session) syncStateLocked(nowMs int64) protocol.SyncState {
	return protocol.SyncState{
		IsPlaying:        s.isPlaying,
		TimestampMs:      s.smoothedPositionLocked(),
		LastUpdatedMs:    s.lastUpdatedMs,
		ControllerConnID: s.controllerConn,
		ServerTimeMs:     nowMs,
		SyncVersion:      s.syncVersion,
	}
}

func (s *Session) snapshotLocked(nowMs int64) protocol.SessionSnapshot {
	avg, n, _ := s.driftStatsLocked(nowMs)
	return protocol.SessionSnapshot{
		Success:            true,
		IsPlaying:          s.isPlaying,
		Timestamp:          s.effectivePositionLocked(nowMs),
		LastUpdated:        s.lastUpdatedMs,
		ControllerConnID:   s.controllerConn,
		ControllerClientID: s.controllerClient,
		Queue:              s.queueCopyLocked(),
		SelectedIdx:        s.selectedIdx,
		CurrentTrack:       s.currentTrackLocked(),
		SessionSettings:    protocol.SessionSettings{SessionID: s.ID, CreatedAtMs: s.createdAtMs},
		Drift:              protocol.DriftSummary{AvgDriftS: avg, SampleCount: n},
		SyncVersion:        s.syncVersion,
	}
}

// Snapshot returns the session view served to sync_request acks.
func (s *Session) Snapshot() protocol.SessionSnapshot {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(now)
}

// Members returns the current member list.
func (s *Session) Members() []protocol.MemberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberInfosLocked()
}

// Reply delivers one frame to a single member's send queue. The queue is
// only ever closed under the session lock, so enqueueing here cannot race a
// close; frames for connections that already left are dropped.
func (s *Session) Reply(connID string, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.members[connID]; m != nil {
		s.enqueueLocked(m, env)
	}
}

// --- Membership ---

// mustMemberLocked resolves the sending connection, or nil if it is not (or
// no longer) a member.
func (s *Session) mustMemberLocked(connID string) *Member {
	return s.members[connID]
}

// Leave removes a connection from the session. If the connection carried the
// controller binding, the binding follows the controller client's surviving
// connection when there is one; otherwise the session is left without a
// controlling connection. An empty session is destroyed.
func (s *Session) Leave(connID string) {
	now := s.reg.clock.WallMs()

	s.mu.Lock()
	m, ok := s.members[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.members, connID)
	if !m.closed {
		m.closed = true
		close(m.send)
	}
	slog.Info("member left", "session_id", s.ID, "conn_id", connID,
		"client_id", m.ClientID, "remaining", len(s.members))

	var cleanupURLs []string
	if len(s.members) == 0 {
		cleanupURLs = s.destroyLocked("empty")
		s.mu.Unlock()
		s.reg.cleanupFiles(cleanupURLs)
		return
	}

	if s.controllerConn == connID {
		if other := s.memberByClientLocked(s.controllerClient); other != nil {
			// Same client still present on another connection.
			s.controllerConn = other.ConnID
			s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerChange,
				protocol.ControllerChange{ControllerConnID: other.ConnID}))
		} else {
			s.controllerConn = ""
			s.authoritativeLocked(now)
			s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerChange,
				protocol.ControllerChange{}))
			s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(now)))
		}
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventClientsUpdate,
		protocol.ClientsUpdate{Clients: s.memberInfosLocked()}))
	s.mu.Unlock()
}

// destroyLocked tears the session down: detaches it from the registry,
// closes every member queue, and returns the upload urls whose files should
// be cleaned. Callers release the lock before running cleanup.
func (s *Session) destroyLocked(reason string) []string {
	s.dead = true
	closed := protocol.NewEnvelope(protocol.EventSessionClosed,
		protocol.SessionClosed{SessionID: s.ID, Reason: reason})
	for _, m := range s.members {
		s.enqueueLocked(m, closed)
		if !m.closed {
			m.closed = true
			close(m.send)
		}
	}
	s.members = make(map[string]*Member)

	var urls []string
	for _, t := range s.queue {
		if isUploadURL(t.URL) {
			urls = append(urls, t.URL)
		}
	}
	s.queue = nil
	s.selectedIdx = 0
	s.messages = nil
	s.msgIndex = make(map[string]*chatMessage)
	s.reactions = make(map[string]map[string]map[string]struct{})

	s.reg.detach(s.ID)
	slog.Info("session destroyed", "session_id", s.ID, "reason", reason, "cleanup_files", len(urls))
	return urls
}

// isUploadURL reports whether url names a user-uploaded file subject to
// cleanup (uploads namespace, excluding bundled samples).
func isUploadURL(url string) bool {
	if len(url) < len(protocol.UploadPrefix) || url[:len(protocol.UploadPrefix)] != protocol.UploadPrefix {
		return false
	}
	return len(url) < len(protocol.SamplePrefix) || url[:len(protocol.SamplePrefix)] != protocol.SamplePrefix
}
