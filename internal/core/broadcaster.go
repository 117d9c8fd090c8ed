package core

import (
	"context"
	"log/slog"
	"time"

	"chorus/server/internal/clock"
	"chorus/server/internal/protocol"
)

// Broadcaster runs the background tasks of the registry: the two sync_state
// fan-out tickers, the session reaper, and the periodic drift/request sweep.
//
// The base tick serves well-behaved sessions at a bounded cadence; the
// high-drift tick takes over for a session whose clients disagree (or have
// gone quiet) so they re-converge quickly without raising the steady-state
// rate for everyone.
type Broadcaster struct {
	reg *Registry
	clk clock.Clock
}

// NewBroadcaster binds the background tasks to a registry.
func NewBroadcaster(reg *Registry) *Broadcaster {
	return &Broadcaster{reg: reg, clk: reg.clock}
}

// Run blocks until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	base := time.NewTicker(protocol.BaseBroadcastInterval)
	high := time.NewTicker(protocol.HighDriftBroadcastInterval)
	reap := time.NewTicker(time.Second)
	sweep := time.NewTicker(time.Minute)
	defer base.Stop()
	defer high.Stop()
	defer reap.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-base.C:
			b.tick(false)
		case <-high.C:
			b.tick(true)
		case <-reap.C:
			if n := b.reg.Reap(b.clk.WallMs()); n > 0 {
				slog.Info("sessions reaped", "count", n)
			}
		case <-sweep.C:
			now := b.clk.WallMs()
			for _, s := range b.reg.Sessions() {
				s.SweepDrift(now)
				s.SweepRequests(now)
			}
		}
	}
}

func (b *Broadcaster) tick(high bool) {
	now := b.clk.WallMs()
	for _, s := range b.reg.Sessions() {
		s.TickBroadcast(now, high)
	}
}

// TickBroadcast emits one sync_state snapshot if this tick applies to the
// session's current drift picture. Base ticks cover sessions whose average
// recent drift is under the threshold; high-drift ticks cover sessions over
// the threshold or with no recent drift report at all. Broadcasts never
// mutate playback state.
func (s *Session) TickBroadcast(nowMs int64, high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.members) == 0 {
		return
	}

	avg, _, fresh := s.driftStatsLocked(nowMs)
	drifting := !fresh || avg > protocol.DriftThreshold
	if drifting != high {
		return
	}

	if s.isPlaying && nowMs-s.lastUpdatedMs > 1000 && nowMs-s.lastLagWarnMs >= 1000 {
		s.lastLagWarnMs = nowMs
		slog.Warn("controller device lagging",
			"session_id", s.ID, "last_updated_ms_ago", nowMs-s.lastUpdatedMs,
			"controller_client", s.controllerClient)
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventSyncState, s.syncStateLocked(nowMs)))
}
