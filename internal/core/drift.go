package core

import (
	"math"

	"chorus/server/internal/protocol"
)

type driftSample struct {
	driftS       float64
	clientWallMs float64 // client-reported wall clock, informational
	wallMs       int64   // server receipt time; drives aging and eviction
}

// manualResync is a drift sample that came from an explicit user resync,
// with the client's before/after measurements when it sent them.
type manualResync struct {
	driftSample
	before      *float64
	after       *float64
	improvement *float64
	duration    *float64
}

// driftState is the per-client drift accounting: a short ring of recent
// samples feeding the adaptive broadcast decision, plus a separate bounded
// history of manual resyncs.
type driftState struct {
	samples          []driftSample  // newest last, len <= DriftAvgWindow
	manual           []manualResync // newest last, len <= DriftManualHistory
	lastReportWallMs int64
}

// RecordDrift stores one drift sample for the reporting client. State only;
// nothing is broadcast.
func (s *Session) RecordDrift(rep protocol.DriftReport) error {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !ValidID(rep.ClientID) {
		return Errf(protocol.CodeInvalidArgument, "invalid clientId")
	}
	if s.memberByClientLocked(rep.ClientID) == nil {
		return Errf(protocol.CodeNotFound, "client is not in this session")
	}
	if math.IsNaN(rep.DriftS) || math.IsInf(rep.DriftS, 0) {
		return Errf(protocol.CodeInvalidArgument, "drift_s must be finite")
	}
	if math.IsNaN(rep.WallMs) || math.IsInf(rep.WallMs, 0) {
		return Errf(protocol.CodeInvalidArgument, "wall_ms must be finite")
	}

	st := s.drift[rep.ClientID]
	if st == nil {
		st = &driftState{}
		s.drift[rep.ClientID] = st
	}
	sample := driftSample{driftS: rep.DriftS, clientWallMs: rep.WallMs, wallMs: now}
	st.samples = append(st.samples, sample)
	if len(st.samples) > protocol.DriftAvgWindow {
		st.samples = st.samples[1:]
	}
	if rep.Manual {
		st.manual = append(st.manual, manualResync{
			driftSample: sample,
			before:      rep.Before,
			after:       rep.After,
			improvement: rep.Improvement,
			duration:    rep.Duration,
		})
		if len(st.manual) > protocol.DriftManualHistory {
			st.manual = st.manual[1:]
		}
	}
	st.lastReportWallMs = now
	return nil
}

// driftStatsLocked aggregates recent drift across all reporting clients:
// the mean absolute drift of samples inside the drift window, the number of
// such samples, and whether any sample is fresh enough to count.
func (s *Session) driftStatsLocked(nowMs int64) (avg float64, n int, fresh bool) {
	cutoff := nowMs - protocol.DriftWindow.Milliseconds()
	var sum float64
	for _, st := range s.drift {
		for _, sample := range st.samples {
			if sample.wallMs < cutoff {
				continue
			}
			sum += math.Abs(sample.driftS)
			n++
		}
	}
	if n == 0 {
		return 0, 0, false
	}
	return sum / float64(n), n, true
}

// SweepDrift evicts samples that aged out of the drift window and drops
// state for clients that left the session. Manual resync history is kept
// for its full bounded length.
func (s *Session) SweepDrift(nowMs int64) {
	cutoff := nowMs - protocol.DriftWindow.Milliseconds()
	s.mu.Lock()
	defer s.mu.Unlock()

	for clientID, st := range s.drift {
		kept := st.samples[:0]
		for _, sample := range st.samples {
			if sample.wallMs >= cutoff {
				kept = append(kept, sample)
			}
		}
		st.samples = kept
		if len(st.samples) == 0 && len(st.manual) == 0 && s.memberByClientLocked(clientID) == nil {
			delete(s.drift, clientID)
		}
	}
}
