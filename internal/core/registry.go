package core

import (
	"container/heap"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"chorus/server/internal/clock"
	"chorus/server/internal/protocol"
)

// SampleLibrary enumerates seed tracks for a newly created session with an
// empty queue.
type SampleLibrary interface {
	Tracks() []protocol.Track
}

// FileCleaner disposes of a user-uploaded audio file when its track is
// removed or its session expires. Failures are the implementation's problem;
// the core never checks them.
type FileCleaner interface {
	Cleanup(url string)
}

// Registry owns every session record. Writers take the registry lock only
// for create and delete; per-message lookups are reads. The lock is never
// held while a session lock is being acquired, so session handlers may call
// back into the registry (touch, detach) while holding their session lock.
type Registry struct {
	clock   clock.Clock
	library SampleLibrary
	cleaner FileCleaner

	mu       sync.RWMutex
	sessions map[string]*Session
	expiry   expiryHeap
	entries  map[string]*expiryEntry
}

// NewRegistry builds an empty registry. library and cleaner may be nil when
// no sample seeding or upload cleanup is configured.
func NewRegistry(clk clock.Clock, library SampleLibrary, cleaner FileCleaner) *Registry {
	return &Registry{
		clock:    clk,
		library:  library,
		cleaner:  cleaner,
		sessions: make(map[string]*Session),
		entries:  make(map[string]*expiryEntry),
	}
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Sessions returns a snapshot of all session records.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GenerateSessionID returns an unused id of the form adj-noun-NN.
func (r *Registry) GenerateSessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return generateSessionID(func(id string) bool {
		_, ok := r.sessions[id]
		return ok
	})
}

// JoinParams carries everything needed to bind a connection to a session.
type JoinParams struct {
	ConnID      string
	Send        chan protocol.Envelope
	SessionID   string
	ClientID    string
	DisplayName string
	DeviceInfo  string
}

// Join validates the request, creates the session if absent (seeding the
// queue from the sample library), installs the member, elects or re-binds
// the controller, and fans out the membership events. The returned snapshot
// is the join ack payload; the joining connection also receives the current
// queue and the aggregated reactions of every message.
func (r *Registry) Join(p JoinParams) (*Session, protocol.SessionSnapshot, error) {
	if !ValidID(p.SessionID) {
		return nil, protocol.SessionSnapshot{}, Errf(protocol.CodeInvalidArgument, "invalid session_id")
	}
	if !ValidID(p.ClientID) {
		return nil, protocol.SessionSnapshot{}, Errf(protocol.CodeInvalidArgument, "invalid client_id")
	}
	// Length is checked on the submitted name, before entity escaping
	// inflates it.
	if utf8.RuneCountInString(strings.TrimSpace(p.DisplayName)) > protocol.MaxDisplayNameLength {
		return nil, protocol.SessionSnapshot{}, Errf(protocol.CodeInvalidArgument, "display_name too long")
	}
	displayName := StripHTML(p.DisplayName)
	if displayName == "" {
		displayName = p.ClientID
	}

	now := r.clock.WallMs()

	// A session can be destroyed between lookup and lock (last member
	// leaving, or the reaper); joining a dead record would strand the
	// member, so retry against the registry.
	var s *Session
	var created bool
	for {
		s, created = r.getOrCreate(p.SessionID, now)
		s.mu.Lock()
		if !s.dead {
			break
		}
		s.mu.Unlock()
	}

	// A client id appears at most once per session: a rejoin from a new
	// connection supersedes the stale one.
	if stale := s.memberByClientLocked(p.ClientID); stale != nil {
		delete(s.members, stale.ConnID)
		if !stale.closed {
			stale.closed = true
			close(stale.send)
		}
		slog.Info("superseding stale connection", "session_id", s.ID,
			"client_id", p.ClientID, "old_conn_id", stale.ConnID, "new_conn_id", p.ConnID)
	}

	m := &Member{
		ConnID:      p.ConnID,
		ClientID:    p.ClientID,
		DisplayName: displayName,
		DeviceInfo:  SanitizeText(p.DeviceInfo),
		send:        p.Send,
	}
	s.members[p.ConnID] = m

	controllerChanged := false
	if s.controllerClient == "" {
		s.controllerClient = p.ClientID
		s.controllerConn = p.ConnID
		controllerChanged = true
	} else if s.controllerClient == p.ClientID && s.controllerConn != p.ConnID {
		// Reconnect path: the controller client came back on a new
		// connection; the conn binding follows it.
		s.controllerConn = p.ConnID
		controllerChanged = true
	}

	snapshot := s.snapshotLocked(now)

	s.enqueueLocked(m, protocol.NewEnvelope(protocol.EventQueueUpdate,
		protocol.QueueUpdate{Queue: s.queueCopyLocked(), SelectedIdx: s.selectedIdx}))
	for msgID := range s.reactions {
		s.enqueueLocked(m, protocol.NewEnvelope(protocol.EventMessageReactionsUpdated,
			protocol.ReactionsUpdated{MessageID: msgID, Reactions: s.aggregateReactionsLocked(msgID)}))
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventClientsUpdate,
		protocol.ClientsUpdate{Clients: s.memberInfosLocked()}))
	if controllerChanged {
		s.broadcastLocked(protocol.NewEnvelope(protocol.EventControllerChange,
			protocol.ControllerChange{ControllerConnID: s.controllerConn}))
	}
	total := len(s.members)
	s.mu.Unlock()

	slog.Info("member joined", "session_id", s.ID, "conn_id", p.ConnID,
		"client_id", p.ClientID, "created", created, "members", total)
	return s, snapshot, nil
}

// getOrCreate returns the session with the given id, creating and seeding it
// on first use. Sample tracks are fetched before the registry lock is taken;
// the double-check keeps a racing create idempotent.
func (r *Registry) getOrCreate(id string, nowMs int64) (*Session, bool) {
	if s := r.Get(id); s != nil {
		return s, false
	}

	var seed []protocol.Track
	if r.library != nil {
		seed = r.library.Tracks()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s := newSession(id, r, nowMs, seed)
	r.sessions[id] = s
	e := &expiryEntry{sessionID: id, expireAtMs: nowMs + protocol.SessionTTL.Milliseconds()}
	r.entries[id] = e
	heap.Push(&r.expiry, e)
	slog.Info("session created", "session_id", id, "seed_tracks", len(seed))
	return s, true
}

// touch refreshes the expiry entry for a session whose last_updated moved.
// O(log N) via the id-to-heap-position lookup.
func (r *Registry) touch(id string, lastUpdatedMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.expireAtMs = lastUpdatedMs + protocol.SessionTTL.Milliseconds()
	heap.Fix(&r.expiry, e.index)
}

// detach removes a session from the registry map and expiry heap. Called by
// the session itself (under its own lock) when it empties out.
func (r *Registry) detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	if e, ok := r.entries[id]; ok {
		heap.Remove(&r.expiry, e.index)
		delete(r.entries, id)
	}
}

// Reap destroys every session whose expiry is due. Expired sessions are
// collected under the registry lock, then torn down one by one under their
// own locks, so the two locks are never nested registry-first.
func (r *Registry) Reap(nowMs int64) int {
	var due []*Session
	r.mu.Lock()
	for r.expiry.Len() > 0 && r.expiry[0].expireAtMs <= nowMs {
		e := heap.Pop(&r.expiry).(*expiryEntry)
		delete(r.entries, e.sessionID)
		if s, ok := r.sessions[e.sessionID]; ok {
			delete(r.sessions, e.sessionID)
			due = append(due, s)
		}
	}
	r.mu.Unlock()

	for _, s := range due {
		s.mu.Lock()
		urls := s.destroyLocked("expired")
		s.mu.Unlock()
		r.cleanupFiles(urls)
	}
	return len(due)
}

func (r *Registry) cleanupFiles(urls []string) {
	if r.cleaner == nil {
		return
	}
	for _, u := range urls {
		r.cleaner.Cleanup(u)
	}
}

// --- Expiry heap ---

type expiryEntry struct {
	sessionID  string
	expireAtMs int64
	index      int
}

// expiryHeap is a min-heap of sessions by expiry time with in-entry heap
// positions, so a touch is an O(log N) Fix instead of a rebuild.
type expiryHeap []*expiryEntry

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expireAtMs < h[j].expireAtMs }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expiryHeap) Push(x any)        { e := x.(*expiryEntry); e.index = len(*h); *h = append(*h, e) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
