package protocol

import "time"

// Operational limits, named here instead of scattered across multiple
// source files.
const (
	// MaxIDLength bounds session and client identifiers.
	MaxIDLength = 64

	// MaxDisplayNameLength is the max length of a member display name.
	MaxDisplayNameLength = 64

	// MaxTitleLength is the max length of a queue-track title.
	MaxTitleLength = 128

	// MaxChatLength is the max length of a single chat message body.
	MaxChatLength = 500

	// MaxMessages caps the per-session chat history; oldest entries are
	// dropped once exceeded.
	MaxMessages = 5000

	// ChatLimit is the number of chat messages one connection may send
	// within ChatWindow before being rate-limited.
	ChatLimit = 5

	// ChatWindow is the sliding window for ChatLimit.
	ChatWindow = 3000 * time.Millisecond

	// SessionTTL is how long a session survives without an authoritative
	// state change.
	SessionTTL = time.Hour

	// RequestTTL is how long a pending controller request stays valid.
	RequestTTL = 5 * time.Minute

	// SmoothingWindow is the size of the position-smoothing FIFO.
	SmoothingWindow = 5

	// DriftAvgWindow is the per-client ring size for drift samples.
	DriftAvgWindow = 8

	// DriftManualHistory is the per-client cap on retained manual resyncs.
	DriftManualHistory = 10

	// DriftWindow is how long a drift sample participates in the adaptive
	// broadcast decision before eviction.
	DriftWindow = 10 * time.Second

	// DriftThreshold is the average drift (seconds) above which the
	// high-rate broadcast tick takes over.
	DriftThreshold = 0.08

	// BaseBroadcastInterval is the steady-state sync_state cadence.
	BaseBroadcastInterval = 150 * time.Millisecond

	// HighDriftBroadcastInterval is the fast-recovery sync_state cadence.
	HighDriftBroadcastInterval = 60 * time.Millisecond

	// SendQueueSize is the per-connection outbound queue high-watermark.
	// A connection whose queue is full is terminated rather than allowed
	// to stall broadcasts for everyone else.
	SendQueueSize = 256
)

// UploadPrefix is the URL namespace of user-uploaded audio. Tracks under it
// (but not under SamplePrefix) are subject to file cleanup on removal.
const (
	UploadPrefix = "/audio/uploads/"
	SamplePrefix = "/audio/uploads/samples/"
)
