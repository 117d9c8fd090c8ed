package ws

import "chorus/server/internal/protocol"

// chatLimiter is a sliding-window rate limiter over a fixed ring of message
// timestamps: at most ChatLimit messages per ChatWindow per connection.
// It is only touched from the connection's read loop, so no locking.
type chatLimiter struct {
	stamps [protocol.ChatLimit]int64
	n      int // filled entries
	head   int // oldest entry when n == len(stamps)
}

// allow records a message at nowMs if the window has room and reports
// whether it was admitted.
func (l *chatLimiter) allow(nowMs int64) bool {
	cutoff := nowMs - protocol.ChatWindow.Milliseconds()
	if l.n == len(l.stamps) {
		if l.stamps[l.head] > cutoff {
			return false
		}
		l.stamps[l.head] = nowMs
		l.head = (l.head + 1) % len(l.stamps)
		return true
	}
	l.stamps[(l.head+l.n)%len(l.stamps)] = nowMs
	l.n++
	return true
}
