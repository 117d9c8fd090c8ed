// Package clock provides the time source used for playback timestamps and
// time-sync arithmetic. The system clock anchors a wall epoch to a monotonic
// reference taken at startup, so successive readings never go backwards even
// if the host wall clock is stepped.
package clock

import "time"

// Clock is the minimal time source the core consumes. Tests inject a manual
// implementation instead of the system clock.
type Clock interface {
	// WallMs returns the current wall-clock time in Unix milliseconds,
	// derived from a monotonic reference. Strictly non-decreasing.
	WallMs() int64

	// UptimeMs returns milliseconds since the clock was created.
	UptimeMs() int64
}

// System is the production clock.
type System struct {
	start   time.Time
	epochMs int64
}

// NewSystem captures the current wall time and monotonic reference.
func NewSystem() *System {
	now := time.Now()
	return &System{start: now, epochMs: now.UnixMilli()}
}

func (s *System) WallMs() int64 {
	return s.epochMs + time.Since(s.start).Milliseconds()
}

func (s *System) UptimeMs() int64 {
	return time.Since(s.start).Milliseconds()
}

// TZOffsetMin returns the local timezone offset in minutes.
func (s *System) TZOffsetMin() int {
	_, offsetSec := time.Now().Zone()
	return offsetSec / 60
}

// ISO returns the current wall time in RFC 3339 format.
func (s *System) ISO() string {
	return time.UnixMilli(s.WallMs()).Format(time.RFC3339Nano)
}

// Manual is a hand-advanced clock for tests.
type Manual struct {
	NowMs   int64
	StartMs int64
}

// NewManual returns a manual clock positioned at nowMs.
func NewManual(nowMs int64) *Manual {
	return &Manual{NowMs: nowMs, StartMs: nowMs}
}

func (m *Manual) WallMs() int64   { return m.NowMs }
func (m *Manual) UptimeMs() int64 { return m.NowMs - m.StartMs }

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) { m.NowMs += d.Milliseconds() }
