package core

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"chorus/server/internal/protocol"
)

func (s *Session) indexOfURLLocked(url string) int {
	for i, t := range s.queue {
		if t.URL == url {
			return i
		}
	}
	return -1
}

// buildTrackLocked normalizes a track for queue insertion: stripped and
// clipped title (falling back to the url), fresh id. The url is stored as
// given; it is machine-consumed, so escaping is left to whatever renders it.
func (s *Session) buildTrackLocked(url, title string, meta map[string]any) protocol.Track {
	title = clip(StripHTML(title), protocol.MaxTitleLength)
	if title == "" {
		title = clip(url, protocol.MaxTitleLength)
	}
	return protocol.Track{
		ID:       uuid.NewString(),
		URL:      url,
		Title:    title,
		Metadata: meta,
	}
}

// AddTrack appends one track to the queue. Any member may add. Duplicate
// urls are rejected. The first track of a previously empty queue also
// announces a track_change so clients load it.
func (s *Session) AddTrack(connID, url, title string, meta map[string]any) (protocol.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mustMemberLocked(connID) == nil {
		return protocol.Track{}, Errf(protocol.CodeNotFound, "not a member of this session")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return protocol.Track{}, Errf(protocol.CodeInvalidArgument, "track url is required")
	}
	if s.indexOfURLLocked(url) != -1 {
		return protocol.Track{}, Errf(protocol.CodeConflict, "Track already in queue")
	}

	t := s.buildTrackLocked(url, title, meta)
	s.queue = append(s.queue, t)
	first := len(s.queue) == 1
	if first {
		s.selectedIdx = 0
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventQueueUpdate,
		protocol.QueueUpdate{Queue: s.queueCopyLocked(), SelectedIdx: s.selectedIdx}))
	if first {
		idx := 0
		s.broadcastLocked(protocol.NewEnvelope(protocol.EventTrackChange, protocol.TrackChangeEvent{
			Idx:    &idx,
			Track:  s.currentTrackLocked(),
			Reason: protocol.ReasonFirstTrackAdded,
		}))
	}

	slog.Debug("track added", "session_id", s.ID, "url", url, "queue_len", len(s.queue))
	return t, nil
}

// RemoveTrack removes one track by index or track id. Controller only. When
// the removed track was in the user-upload namespace its file is cleaned up
// after the lock is released.
func (s *Session) RemoveTrack(connID string, index *int, trackID string) error {
	now := s.reg.clock.WallMs()

	s.mu.Lock()
	m := s.mustMemberLocked(connID)
	if m == nil {
		s.mu.Unlock()
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	if connID != s.controllerConn {
		s.mu.Unlock()
		return Errf(protocol.CodeUnauthorized, "only the controller can remove tracks")
	}

	idx := -1
	switch {
	case index != nil:
		idx = *index
	case trackID != "":
		for i, t := range s.queue {
			if t.ID == trackID {
				idx = i
				break
			}
		}
		if idx == -1 {
			s.mu.Unlock()
			return Errf(protocol.CodeNotFound, "track not found")
		}
	default:
		s.mu.Unlock()
		return Errf(protocol.CodeInvalidArgument, "index or trackId is required")
	}
	if idx < 0 || idx >= len(s.queue) {
		s.mu.Unlock()
		return Errf(protocol.CodeInvalidArgument, "index out of range")
	}

	removed := s.queue[idx]
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)

	var change *protocol.TrackChangeEvent
	switch {
	case idx == s.selectedIdx:
		if len(s.queue) == 0 {
			s.selectedIdx = 0
			change = &protocol.TrackChangeEvent{Reason: protocol.ReasonTrackRemovedQueueEmpty}
		} else {
			if idx > len(s.queue)-1 {
				s.selectedIdx = len(s.queue) - 1
			} else {
				s.selectedIdx = idx
			}
			i := s.selectedIdx
			change = &protocol.TrackChangeEvent{
				Idx:    &i,
				Track:  s.currentTrackLocked(),
				Reason: protocol.ReasonCurrentTrackRemoved,
			}
		}
		// The selected track changed under the listeners' feet; restart
		// it from the top like an explicit track change.
		s.isPlaying = s.isPlaying && len(s.queue) > 0
		s.posWindow = s.posWindow[:0]
		s.setPositionLocked(0)
		s.anchorLocked(now)
	case idx < s.selectedIdx:
		s.selectedIdx--
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventQueueUpdate,
		protocol.QueueUpdate{Queue: s.queueCopyLocked(), SelectedIdx: s.selectedIdx}))
	if change != nil {
		s.broadcastLocked(protocol.NewEnvelope(protocol.EventTrackChange, *change))
		s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(now)))
	}
	s.mu.Unlock()

	if isUploadURL(removed.URL) {
		s.reg.cleanupFiles([]string{removed.URL})
	}
	slog.Debug("track removed", "session_id", s.ID, "url", removed.URL, "idx", idx)
	return nil
}
