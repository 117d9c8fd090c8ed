package protocol

import "encoding/json"

// Envelope is the JSON frame exchanged over the websocket. Every frame carries
// an event name and an event-specific payload. Inbound frames may carry an
// AckID; the router answers those with an EventAck frame echoing the same
// AckID and either a success payload or an AckError.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	AckID   uint64          `json:"ack_id,omitempty"`
}

// NewEnvelope marshals payload and wraps it. Marshal failures are programming
// errors on server-defined payload types, so they degrade to an empty payload.
func NewEnvelope(event string, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Event: event}
	}
	return Envelope{Event: event, Payload: data}
}

// Track is one entry in a session's playback queue.
type Track struct {
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MemberInfo is one entry in a clients_update broadcast.
type MemberInfo struct {
	ConnID       string `json:"conn_id"`
	ClientID     string `json:"client_id"`
	DisplayName  string `json:"display_name"`
	DeviceInfo   string `json:"device_info,omitempty"`
	IsController bool   `json:"is_controller"`
}

// PendingRequest is one entry in a controller_requests_update broadcast.
type PendingRequest struct {
	ClientID      string `json:"client_id"`
	RequesterName string `json:"requester_name"`
	RequestTimeMs int64  `json:"request_time_ms"`
}

// ReactionInfo is the aggregated reaction state for one emoji on one message.
type ReactionInfo struct {
	Emoji     string   `json:"emoji"`
	ClientIDs []string `json:"client_ids"`
	Count     int      `json:"count"`
}

// ChatMessage is the wire shape of one chat message.
type ChatMessage struct {
	MessageID      string `json:"message_id"`
	SenderClientID string `json:"sender_client_id"`
	DisplayName    string `json:"display_name"`
	Message        string `json:"message"`
	CreatedAt      int64  `json:"created_at"`
	Edited         bool   `json:"edited,omitempty"`
	EditedAt       int64  `json:"edited_at,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// --- Inbound payloads ---

// JoinSession binds a connection to a session, creating it if absent.
type JoinSession struct {
	SessionID   string `json:"session_id"`
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name,omitempty"`
	DeviceInfo  string `json:"device_info,omitempty"`
}

// PlaybackCommand is the payload for play, pause and seek.
type PlaybackCommand struct {
	SessionID string  `json:"session_id"`
	Timestamp float64 `json:"timestamp"` // position in ms
}

// TrackChangeRequest selects a queue entry by index or appends a custom track.
type TrackChangeRequest struct {
	SessionID string `json:"session_id"`
	Idx       *int   `json:"idx,omitempty"`
	Track     *Track `json:"track,omitempty"`
}

// AddToQueue appends one track to the session queue.
type AddToQueue struct {
	SessionID string         `json:"session_id"`
	URL       string         `json:"url"`
	Title     string         `json:"title,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// RemoveFromQueue removes one track by index or by track id.
type RemoveFromQueue struct {
	SessionID string `json:"session_id"`
	Index     *int   `json:"index,omitempty"`
	TrackID   string `json:"trackId,omitempty"`
}

// ControllerRequest is the payload for request_controller and
// cancel_controller_request; the requester is the sending connection.
type ControllerRequest struct {
	SessionID string `json:"session_id"`
}

// ControllerDecision approves or denies a pending controller request.
type ControllerDecision struct {
	SessionID         string `json:"session_id"`
	RequesterClientID string `json:"requesterClientId"`
}

// ControllerOffer offers the controller role to another member.
type ControllerOffer struct {
	SessionID      string `json:"session_id"`
	TargetClientID string `json:"targetClientId"`
}

// ControllerOfferReply accepts or declines a controller offer.
type ControllerOfferReply struct {
	SessionID       string `json:"session_id"`
	OffererClientID string `json:"offererClientId"`
}

// ChatSend posts a new chat message.
type ChatSend struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatEdit edits an existing message owned by the sender.
type ChatEdit struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

// ChatDelete tombstones an existing message owned by the sender.
type ChatDelete struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"messageId"`
}

// Reaction adds or removes one emoji reaction.
type Reaction struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	ClientID  string `json:"clientId"`
}

// Typing is the payload for typing / stop_typing.
type Typing struct {
	SessionID string `json:"session_id"`
	ClientID  string `json:"clientId"`
}

// TimeSyncRequest carries the client's send timestamp in wall ms.
type TimeSyncRequest struct {
	ClientSent float64 `json:"client_sent"`
}

// DriftReport is a client's measured playback drift sample.
type DriftReport struct {
	SessionID   string   `json:"session_id"`
	ClientID    string   `json:"clientId"`
	DriftS      float64  `json:"drift_s"`
	WallMs      float64  `json:"wall_ms"`
	Manual      bool     `json:"manual,omitempty"`
	Before      *float64 `json:"before,omitempty"`
	After       *float64 `json:"after,omitempty"`
	Improvement *float64 `json:"improvement,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
}

// SyncRequestPayload asks for a fresh session snapshot via ack.
type SyncRequestPayload struct {
	SessionID string `json:"session_id"`
}

// Signal is the only part of a peer-signaling payload the server inspects.
type Signal struct {
	To string `json:"to"`
}

// --- Outbound payloads ---

// SyncState is the authoritative playback snapshot fanned out to members.
type SyncState struct {
	IsPlaying        bool    `json:"is_playing"`
	TimestampMs      float64 `json:"timestamp_ms"`
	LastUpdatedMs    int64   `json:"last_updated_ms"`
	ControllerConnID string  `json:"controller_conn_id,omitempty"`
	ServerTimeMs     int64   `json:"server_time_ms"`
	SyncVersion      uint64  `json:"sync_version"`
}

// ClientsUpdate is the full member list of a session.
type ClientsUpdate struct {
	Clients []MemberInfo `json:"clients"`
}

// QueueUpdate is the full queue of a session.
type QueueUpdate struct {
	Queue       []Track `json:"queue"`
	SelectedIdx int     `json:"selected_idx"`
}

// TrackChangeEvent announces the selected track changing.
// Idx and Track are null when the queue became empty.
type TrackChangeEvent struct {
	Idx    *int   `json:"idx"`
	Track  *Track `json:"track"`
	Reason string `json:"reason,omitempty"`
}

// Track-change reasons.
const (
	ReasonFirstTrackAdded        = "first_track_added"
	ReasonCurrentTrackRemoved    = "current_track_removed"
	ReasonTrackRemovedQueueEmpty = "track_removed_queue_empty"
)

// ControllerChange announces the controlling connection, empty when none.
type ControllerChange struct {
	ControllerConnID string `json:"controller_conn_id,omitempty"`
}

// ControllerClientChange announces the controlling client identity.
type ControllerClientChange struct {
	ControllerClientID string `json:"controller_client_id"`
}

// ControllerRequestsUpdate is the full pending-request list.
type ControllerRequestsUpdate struct {
	Requests []PendingRequest `json:"requests"`
}

// ControllerRequestReceived is sent directly to the current controller.
type ControllerRequestReceived struct {
	RequesterClientID string `json:"requesterClientId"`
	RequesterName     string `json:"requesterName"`
}

// ControllerOfferReceived is sent directly to the offer target.
type ControllerOfferReceived struct {
	OffererClientID string `json:"offererClientId"`
	OffererName     string `json:"offererName"`
}

// ControllerOfferSent confirms the offer to the offerer.
type ControllerOfferSent struct {
	TargetClientID string `json:"targetClientId"`
}

// ControllerOfferDeclined informs the offerer of a decline.
type ControllerOfferDeclined struct {
	TargetClientID string `json:"targetClientId"`
}

// MessageEdited announces an edit to all members.
type MessageEdited struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	EditedAt  int64  `json:"edited_at"`
}

// MessageDeleted announces a tombstone to all members.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

// ReactionsUpdated carries the aggregated reactions for one message.
type ReactionsUpdated struct {
	MessageID string         `json:"messageId"`
	Reactions []ReactionInfo `json:"reactions"`
}

// UserTyping is fanned out to everyone except the typist.
type UserTyping struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"display_name,omitempty"`
}

// SessionClosed is the last event members of an expiring session receive.
type SessionClosed struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionSettings is the static session configuration echoed in snapshots.
type SessionSettings struct {
	SessionID   string `json:"session_id"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// DriftSummary is the aggregated drift picture included in snapshots.
type DriftSummary struct {
	AvgDriftS   float64 `json:"avg_drift_s"`
	SampleCount int     `json:"sample_count"`
}

// SessionSnapshot is the full session view returned from join_session and
// sync_request acks.
type SessionSnapshot struct {
	Success            bool            `json:"success"`
	IsPlaying          bool            `json:"is_playing"`
	Timestamp          float64         `json:"timestamp"`
	LastUpdated        int64           `json:"last_updated"`
	ControllerConnID   string          `json:"controller_conn_id,omitempty"`
	ControllerClientID string          `json:"controller_client_id,omitempty"`
	Queue              []Track         `json:"queue"`
	SelectedIdx        int             `json:"selected_idx"`
	CurrentTrack       *Track          `json:"current_track"`
	SessionSettings    SessionSettings `json:"session_settings"`
	Drift              DriftSummary    `json:"drift"`
	SyncVersion        uint64          `json:"sync_version"`
}

// TimeSyncReply is the ack payload of a time_sync exchange. The server-side
// timestamps come from a monotonic reference anchored to a wall epoch, so
// ServerProcessedMs is never below ServerReceivedMs.
type TimeSyncReply struct {
	Success           bool    `json:"success"`
	ClientSent        float64 `json:"client_sent"`
	ServerReceivedMs  int64   `json:"server_received_ms"`
	ServerProcessedMs int64   `json:"server_processed_ms"`
	ServerUptimeMs    int64   `json:"server_uptime_ms"`
	ServerTZOffsetMin int     `json:"server_tz_offset_min"`
	ServerISO         string  `json:"server_iso"`
}

// AckOK is the generic success ack payload.
type AckOK struct {
	Success bool `json:"success"`
}

// AckError is the generic failure ack payload.
type AckError struct {
	Error string `json:"error"`
}
