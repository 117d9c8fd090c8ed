package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"chorus/server/internal/core"
	"chorus/server/internal/protocol"
)

const writeTimeout = 5 * time.Second

// conn is the per-connection transport state. The send queue is shared with
// the core (broadcast enqueues happen under the session lock); the writer
// goroutine is its only consumer. The core closes the queue on leave or
// overflow, which ends the writer and with it the websocket.
type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan protocol.Envelope
	session *core.Session // nil until join_session succeeds
	chat    chatLimiter
}

// writeLoop drains the send queue into the websocket until the queue closes
// or a write fails, then tears the socket down. A failed write leaves the
// queue to fill and be closed by the core's overflow path; senders never
// block either way.
func (c *conn) writeLoop() {
	for env := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(env); err != nil {
			break
		}
	}
	_ = c.ws.Close()
}

// trySend enqueues one frame without blocking. Only valid before the
// connection joins a session: until then the read loop is the sole closer of
// the queue, so the enqueue cannot race a close. Once joined, replies go
// through Session.Reply, which enqueues under the session lock the core
// closes under.
func (c *conn) trySend(env protocol.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}
