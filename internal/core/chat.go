package core

import (
	"sort"

	"github.com/google/uuid"

	"chorus/server/internal/protocol"
)

func (m *chatMessage) wire() protocol.ChatMessage {
	return protocol.ChatMessage{
		MessageID:      m.id,
		SenderClientID: m.senderClientID,
		DisplayName:    m.displayName,
		Message:        m.body,
		CreatedAt:      m.createdAtMs,
		Edited:         m.edited,
		EditedAt:       m.editedAtMs,
		Deleted:        m.deleted,
	}
}

// SendChat validates, stores and fans out one chat message. Rate limiting is
// the transport's job; the store only enforces shape.
func (s *Session) SendChat(connID, body string) (protocol.ChatMessage, error) {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return protocol.ChatMessage{}, Errf(protocol.CodeNotFound, "not a member of this session")
	}
	body = SanitizeText(body)
	if body == "" {
		return protocol.ChatMessage{}, Errf(protocol.CodeInvalidArgument, "message must not be empty")
	}
	if len([]rune(body)) > protocol.MaxChatLength {
		return protocol.ChatMessage{}, Errf(protocol.CodeInvalidArgument,
			"message must not exceed %d characters", protocol.MaxChatLength)
	}

	msg := &chatMessage{
		id:             uuid.NewString(),
		senderClientID: m.ClientID,
		displayName:    m.DisplayName,
		body:           body,
		createdAtMs:    now,
	}
	s.messages = append(s.messages, msg)
	s.msgIndex[msg.id] = msg
	if len(s.messages) > protocol.MaxMessages {
		oldest := s.messages[0]
		s.messages = s.messages[1:]
		delete(s.msgIndex, oldest.id)
		delete(s.reactions, oldest.id)
	}

	wire := msg.wire()
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventChatMessage, wire))
	return wire, nil
}

// EditMessage rewrites a message's body. Only the original sender may edit,
// and tombstoned messages stay tombstoned.
func (s *Session) EditMessage(connID, messageID, body string) error {
	now := s.reg.clock.WallMs()
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	msg, ok := s.msgIndex[messageID]
	if !ok {
		return Errf(protocol.CodeNotFound, "message not found")
	}
	if msg.senderClientID != m.ClientID {
		return Errf(protocol.CodeUnauthorized, "only the sender can edit a message")
	}
	if msg.deleted {
		return Errf(protocol.CodeExpiredOrGone, "message was deleted")
	}
	body = SanitizeText(body)
	if body == "" {
		return Errf(protocol.CodeInvalidArgument, "message must not be empty")
	}
	if len([]rune(body)) > protocol.MaxChatLength {
		return Errf(protocol.CodeInvalidArgument,
			"message must not exceed %d characters", protocol.MaxChatLength)
	}

	msg.body = body
	msg.edited = true
	msg.editedAtMs = now
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventMessageEdited,
		protocol.MessageEdited{MessageID: messageID, Message: body, EditedAt: now}))
	return nil
}

// DeleteMessage tombstones a message. Only the original sender may delete.
func (s *Session) DeleteMessage(connID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	msg, ok := s.msgIndex[messageID]
	if !ok {
		return Errf(protocol.CodeNotFound, "message not found")
	}
	if msg.senderClientID != m.ClientID {
		return Errf(protocol.CodeUnauthorized, "only the sender can delete a message")
	}

	msg.deleted = true
	msg.body = ""
	delete(s.reactions, messageID)
	s.broadcastLocked(protocol.NewEnvelope(protocol.EventMessageDeleted,
		protocol.MessageDeleted{MessageID: messageID}))
	return nil
}

// aggregateReactionsLocked flattens the per-message reaction sets into the
// wire shape, ordered by emoji then client id.
func (s *Session) aggregateReactionsLocked(messageID string) []protocol.ReactionInfo {
	byEmoji := s.reactions[messageID]
	out := make([]protocol.ReactionInfo, 0, len(byEmoji))
	for emoji, clients := range byEmoji {
		ids := make([]string, 0, len(clients))
		for id := range clients {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out = append(out, protocol.ReactionInfo{Emoji: emoji, ClientIDs: ids, Count: len(ids)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

func (s *Session) mutateReaction(connID, messageID, emoji string, add bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return Errf(protocol.CodeNotFound, "not a member of this session")
	}
	emoji = SanitizeText(emoji)
	if emoji == "" {
		return Errf(protocol.CodeInvalidArgument, "emoji is required")
	}
	msg, ok := s.msgIndex[messageID]
	if !ok || msg.deleted {
		return Errf(protocol.CodeNotFound, "message not found")
	}

	if add {
		byEmoji := s.reactions[messageID]
		if byEmoji == nil {
			byEmoji = make(map[string]map[string]struct{})
			s.reactions[messageID] = byEmoji
		}
		clients := byEmoji[emoji]
		if clients == nil {
			clients = make(map[string]struct{})
			byEmoji[emoji] = clients
		}
		clients[m.ClientID] = struct{}{}
	} else {
		byEmoji := s.reactions[messageID]
		if clients, ok := byEmoji[emoji]; ok {
			delete(clients, m.ClientID)
			if len(clients) == 0 {
				delete(byEmoji, emoji)
			}
			if len(byEmoji) == 0 {
				delete(s.reactions, messageID)
			}
		}
	}

	s.broadcastLocked(protocol.NewEnvelope(protocol.EventMessageReactionsUpdated,
		protocol.ReactionsUpdated{MessageID: messageID, Reactions: s.aggregateReactionsLocked(messageID)}))
	return nil
}

// AddReaction records one client's emoji reaction. The reacting identity is
// the sending connection's client id regardless of what the payload claims.
func (s *Session) AddReaction(connID, messageID, emoji string) error {
	return s.mutateReaction(connID, messageID, emoji, true)
}

// RemoveReaction withdraws one client's emoji reaction.
func (s *Session) RemoveReaction(connID, messageID, emoji string) error {
	return s.mutateReaction(connID, messageID, emoji, false)
}

// Typing fans out a typing indicator to everyone except the typist.
func (s *Session) Typing(connID string, stop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.mustMemberLocked(connID)
	if m == nil {
		return
	}
	event := protocol.EventUserTyping
	if stop {
		event = protocol.EventUserStopTyping
	}
	s.broadcastExceptLocked(connID, protocol.NewEnvelope(event,
		protocol.UserTyping{ClientID: m.ClientID, DisplayName: m.DisplayName}))
}
