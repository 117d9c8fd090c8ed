package protocol

// Inbound event names.
const (
	EventJoinSession     = "join_session"
	EventPlay            = "play"
	EventPause           = "pause"
	EventSeek            = "seek"
	EventTrackChange     = "track_change"
	EventAddToQueue      = "add_to_queue"
	EventRemoveFromQueue = "remove_from_queue"

	EventRequestController        = "request_controller"
	EventCancelControllerRequest  = "cancel_controller_request"
	EventApproveControllerRequest = "approve_controller_request"
	EventDenyControllerRequest    = "deny_controller_request"
	EventOfferController          = "offer_controller"
	EventAcceptControllerOffer    = "accept_controller_offer"
	EventDeclineControllerOffer   = "decline_controller_offer"

	EventChatMessage         = "chat_message"
	EventEditMessage         = "edit_message"
	EventDeleteMessage       = "delete_message"
	EventEmojiReaction       = "emoji_reaction"
	EventRemoveEmojiReaction = "remove_emoji_reaction"
	EventTyping              = "typing"
	EventStopTyping          = "stop_typing"

	EventTimeSync    = "time_sync"
	EventDriftReport = "drift_report"
	EventSyncRequest = "sync_request"

	EventPeerOffer        = "peer-offer"
	EventPeerAnswer       = "peer-answer"
	EventPeerICECandidate = "peer-ice-candidate"
)

// Outbound event names.
const (
	EventAck = "ack"

	EventSyncState     = "sync_state"
	EventClientsUpdate = "clients_update"
	EventQueueUpdate   = "queue_update"
	EventSessionClosed = "session_closed"

	EventControllerChange          = "controller_change"
	EventControllerClientChange    = "controller_client_change"
	EventControllerRequestsUpdate  = "controller_requests_update"
	EventControllerRequestReceived = "controller_request_received"
	EventControllerOfferReceived   = "controller_offer_received"
	EventControllerOfferSent       = "controller_offer_sent"
	EventControllerOfferDeclined   = "controller_offer_declined"

	EventMessageEdited           = "message_edited"
	EventMessageDeleted          = "message_deleted"
	EventMessageReactionsUpdated = "message_reactions_updated"
	EventUserTyping              = "user_typing"
	EventUserStopTyping          = "user_stop_typing"
)
