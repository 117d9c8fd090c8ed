package core

import (
	"log/slog"
	"strings"

	"chorus/server/internal/protocol"
)

// Playback transitions are controller-only. Input from any other member is
// silently dropped; the caller learns whether the command applied but no
// error is surfaced to the client.

// Play starts playback at posMs.
func (s *Session) Play(connID string, posMs float64) bool {
	return s.playbackMutation(connID, func(nowMs int64) {
		s.isPlaying = true
		s.setPositionLocked(posMs)
	})
}

// Pause stops playback at posMs.
func (s *Session) Pause(connID string, posMs float64) bool {
	return s.playbackMutation(connID, func(nowMs int64) {
		s.isPlaying = false
		s.setPositionLocked(posMs)
	})
}

// Seek moves the position without changing the play/pause state. On an empty
// queue this degrades to a no-op mutation: position is pinned to zero but
// last_updated still advances and a sync_state still goes out.
func (s *Session) Seek(connID string, posMs float64) bool {
	return s.playbackMutation(connID, func(nowMs int64) {
		s.setPositionLocked(posMs)
	})
}

// playbackMutation runs one authoritative controller mutation: apply, bump
// version, broadcast sync_state.
func (s *Session) playbackMutation(connID string, apply func(nowMs int64)) bool {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	if connID != s.controllerConn || s.controllerConn == "" {
		return false
	}
	apply(now)
	s.anchorLocked(now)
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(now)))
	return true
}

// setPositionLocked applies a new authoritative position and feeds the
// smoothing window. An empty queue pins the position to zero.
func (s *Session) setPositionLocked(posMs float64) {
	if posMs < 0 || len(s.queue) == 0 {
		posMs = 0
	}
	s.positionMs = posMs
	s.pushPositionLocked(posMs)
}

// ChangeTrack selects a queue entry by index, or appends-and-selects a
// custom track when its url is not already queued. The position resets to
// zero and exactly one sync_state goes out for the change.
func (s *Session) ChangeTrack(connID string, idx *int, custom *protocol.Track) (bool, error) {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	if connID != s.controllerConn || s.controllerConn == "" {
		return false, nil
	}

	if custom != nil {
		url := strings.TrimSpace(custom.URL)
		if url == "" {
			return false, Errf(protocol.CodeInvalidArgument, "track url is required")
		}
		at := s.indexOfURLLocked(url)
		if at == -1 {
			t := s.buildTrackLocked(url, custom.Title, custom.Metadata)
			s.queue = append(s.queue, t)
			at = len(s.queue) - 1
		}
		s.selectedIdx = at
	} else if idx != nil {
		if len(s.queue) == 0 {
			s.selectedIdx = 0
		} else {
			i := *idx
			if i < 0 {
				i = 0
			}
			if i > len(s.queue)-1 {
				i = len(s.queue) - 1
			}
			s.selectedIdx = i
		}
	} else {
		return false, Errf(protocol.CodeInvalidArgument, "idx or track is required")
	}

	s.isPlaying = s.isPlaying && len(s.queue) > 0
	s.posWindow = s.posWindow[:0]
	s.setPositionLocked(0)
	s.anchorLocked(now)

	var announcedIdx *int
	if len(s.queue) > 0 {
		i := s.selectedIdx
		announcedIdx = &i
	}
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventTrackChange, protocol.TrackChangeEvent{
		Idx:   announcedIdx,
		Track: s.currentTrackLocked(),
	}))
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventQueueUpdate,
		protocol.QueueUpdate{Queue: s.queueCopyLocked(), SelectedIdx: s.selectedIdx}))
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(now)))

	slog.Debug("track changed", "session_id", s.ID, "selected_idx", s.selectedIdx,
		"sync_version", s.syncVersion)
	return true, nil
}
