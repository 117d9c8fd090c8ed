// Package ws is the websocket transport adapter: it accepts connections,
// decodes the event envelope, validates and authorizes inbound events, and
// routes them into the session core. Per-message failures travel back as ack
// replies; malformed frames are dropped and counted.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"chorus/server/internal/core"
	"chorus/server/internal/protocol"
)

// TimeSource is the clock surface the time-sync responder needs.
type TimeSource interface {
	WallMs() int64
	UptimeMs() int64
	TZOffsetMin() int
	ISO() string
}

// Handler owns the websocket transport.
type Handler struct {
	registry *core.Registry
	clk      TimeSource
	upgrader websocket.Upgrader

	connSeq   atomic.Uint64
	connCount atomic.Int64
	malformed atomic.Uint64
}

// NewHandler creates a websocket handler bound to the session registry.
func NewHandler(registry *core.Registry, clk TimeSource) *Handler {
	return &Handler{
		registry: registry,
		clk:      clk,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// ConnCount returns the number of open websocket connections.
func (h *Handler) ConnCount() int64 { return h.connCount.Load() }

// MalformedFrames returns how many undecodable frames were dropped.
func (h *Handler) MalformedFrames() uint64 { return h.malformed.Load() }

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(ec echo.Context) error {
	wsConn, err := h.upgrader.Upgrade(ec.Response(), ec.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(wsConn)
	return nil
}

func (h *Handler) serveConn(wsConn *websocket.Conn) {
	c := &conn{
		id:   fmt.Sprintf("c%d", h.connSeq.Add(1)),
		ws:   wsConn,
		send: make(chan protocol.Envelope, protocol.SendQueueSize),
	}
	h.connCount.Add(1)
	slog.Debug("connection opened", "conn_id", c.id)
	go c.writeLoop()

	defer func() {
		if c.session != nil {
			c.session.Leave(c.id)
		} else {
			close(c.send)
		}
		_ = wsConn.Close()
		h.connCount.Add(-1)
		slog.Debug("connection closed", "conn_id", c.id)
	}()

	wsConn.SetReadLimit(1 << 20)
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			h.malformed.Add(1)
			continue
		}
		h.dispatch(c, env)
	}
}

// ack answers an inbound frame that asked for a reply. Frames without an
// ack id get nothing. Joined connections share their send queue with the
// core, which may close it at any moment, so their acks are enqueued by the
// core under the session lock.
func (h *Handler) ack(c *conn, ackID uint64, payload any) {
	if ackID == 0 {
		return
	}
	env := protocol.NewEnvelope(protocol.EventAck, payload)
	env.AckID = ackID
	if c.session != nil {
		c.session.Reply(c.id, env)
		return
	}
	c.trySend(env)
}

func (h *Handler) ackErr(c *conn, ackID uint64, err error) {
	h.ack(c, ackID, protocol.AckError{Error: err.Error()})
}

func (h *Handler) ackOK(c *conn, ackID uint64) {
	h.ack(c, ackID, protocol.AckOK{Success: true})
}

// decode unmarshals an event payload, mapping shape violations to
// InvalidArgument.
func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, core.Errf(protocol.CodeInvalidArgument, "payload is required")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, core.Errf(protocol.CodeInvalidArgument, "malformed payload")
	}
	return v, nil
}

// boundSession resolves the session this connection joined, checking it
// matches the session named in the payload.
func (c *conn) boundSession(sessionID string) (*core.Session, error) {
	if c.session == nil || c.session.ID != sessionID {
		return nil, core.Errf(protocol.CodeNotFound, "not joined to that session")
	}
	return c.session, nil
}

func validTimestamp(ts float64) bool {
	return !math.IsNaN(ts) && !math.IsInf(ts, 0) && ts >= 0
}

func (h *Handler) dispatch(c *conn, env protocol.Envelope) {
	receivedMs := h.clk.WallMs()

	switch env.Event {
	case protocol.EventJoinSession:
		p, err := decode[protocol.JoinSession](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if c.session != nil {
			h.ackErr(c, env.AckID, core.Errf(protocol.CodeConflict, "connection already joined a session"))
			return
		}
		sess, snapshot, err := h.registry.Join(core.JoinParams{
			ConnID:      c.id,
			Send:        c.send,
			SessionID:   p.SessionID,
			ClientID:    p.ClientID,
			DisplayName: p.DisplayName,
			DeviceInfo:  p.DeviceInfo,
		})
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		c.session = sess
		h.ack(c, env.AckID, snapshot)

	case protocol.EventPlay, protocol.EventPause, protocol.EventSeek:
		p, err := decode[protocol.PlaybackCommand](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if !validTimestamp(p.Timestamp) {
			h.ackErr(c, env.AckID, core.Errf(protocol.CodeInvalidArgument, "timestamp must be a non-negative number"))
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		// Non-controller input is dropped silently by contract.
		switch env.Event {
		case protocol.EventPlay:
			sess.Play(c.id, p.Timestamp)
		case protocol.EventPause:
			sess.Pause(c.id, p.Timestamp)
		case protocol.EventSeek:
			sess.Seek(c.id, p.Timestamp)
		}
		h.ackOK(c, env.AckID)

	case protocol.EventTrackChange:
		p, err := decode[protocol.TrackChangeRequest](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if _, err := sess.ChangeTrack(c.id, p.Idx, p.Track); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventAddToQueue:
		p, err := decode[protocol.AddToQueue](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if _, err := sess.AddTrack(c.id, p.URL, p.Title, p.Meta); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventRemoveFromQueue:
		p, err := decode[protocol.RemoveFromQueue](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if err := sess.RemoveTrack(c.id, p.Index, p.TrackID); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventRequestController, protocol.EventCancelControllerRequest:
		p, err := decode[protocol.ControllerRequest](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if env.Event == protocol.EventRequestController {
			err = sess.RequestController(c.id)
		} else {
			err = sess.CancelControllerRequest(c.id)
		}
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventApproveControllerRequest, protocol.EventDenyControllerRequest:
		p, err := decode[protocol.ControllerDecision](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if env.Event == protocol.EventApproveControllerRequest {
			err = sess.ApproveControllerRequest(c.id, p.RequesterClientID)
		} else {
			err = sess.DenyControllerRequest(c.id, p.RequesterClientID)
		}
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventOfferController:
		p, err := decode[protocol.ControllerOffer](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if err := sess.OfferController(c.id, p.TargetClientID); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventAcceptControllerOffer, protocol.EventDeclineControllerOffer:
		p, err := decode[protocol.ControllerOfferReply](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if env.Event == protocol.EventAcceptControllerOffer {
			err = sess.AcceptControllerOffer(c.id, p.OffererClientID)
		} else {
			err = sess.DeclineControllerOffer(c.id, p.OffererClientID)
		}
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventChatMessage:
		p, err := decode[protocol.ChatSend](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if !c.chat.allow(receivedMs) {
			h.ackErr(c, env.AckID, core.Errf(protocol.CodeRateLimited,
				"sending messages too quickly, slow down"))
			return
		}
		if _, err := sess.SendChat(c.id, p.Message); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventEditMessage:
		p, err := decode[protocol.ChatEdit](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if err := sess.EditMessage(c.id, p.MessageID, p.Message); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventDeleteMessage:
		p, err := decode[protocol.ChatDelete](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if err := sess.DeleteMessage(c.id, p.MessageID); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventEmojiReaction, protocol.EventRemoveEmojiReaction:
		p, err := decode[protocol.Reaction](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if env.Event == protocol.EventEmojiReaction {
			err = sess.AddReaction(c.id, p.MessageID, p.Emoji)
		} else {
			err = sess.RemoveReaction(c.id, p.MessageID, p.Emoji)
		}
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventTyping, protocol.EventStopTyping:
		p, err := decode[protocol.Typing](env.Payload)
		if err != nil {
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			return
		}
		sess.Typing(c.id, env.Event == protocol.EventStopTyping)

	case protocol.EventTimeSync:
		p, err := decode[protocol.TimeSyncRequest](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ack(c, env.AckID, protocol.TimeSyncReply{
			Success:           true,
			ClientSent:        p.ClientSent,
			ServerReceivedMs:  receivedMs,
			ServerProcessedMs: h.clk.WallMs(),
			ServerUptimeMs:    h.clk.UptimeMs(),
			ServerTZOffsetMin: h.clk.TZOffsetMin(),
			ServerISO:         h.clk.ISO(),
		})

	case protocol.EventDriftReport:
		p, err := decode[protocol.DriftReport](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		if err := sess.RecordDrift(p); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	case protocol.EventSyncRequest:
		p, err := decode[protocol.SyncRequestPayload](env.Payload)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		sess, err := c.boundSession(p.SessionID)
		if err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ack(c, env.AckID, sess.Snapshot())

	case protocol.EventPeerOffer, protocol.EventPeerAnswer, protocol.EventPeerICECandidate:
		p, err := decode[protocol.Signal](env.Payload)
		if err != nil || p.To == "" {
			h.ackErr(c, env.AckID, core.Errf(protocol.CodeInvalidArgument, "signaling target is required"))
			return
		}
		if c.session == nil {
			h.ackErr(c, env.AckID, core.Errf(protocol.CodeNotFound, "not joined to a session"))
			return
		}
		if err := c.session.Relay(c.id, env.Event, env.Payload, p.To); err != nil {
			h.ackErr(c, env.AckID, err)
			return
		}
		h.ackOK(c, env.AckID)

	default:
		slog.Debug("unsupported event", "event", env.Event, "conn_id", c.id)
		h.ackErr(c, env.AckID, core.Errf(protocol.CodeInvalidArgument, "unsupported event"))
	}
}
