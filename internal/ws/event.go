package ws

import (
	"time"

	"github.com/groupchat/internal/model"
)

type EventType string

const (
	// client -> server
	EventGetUsers       EventType = "getUsers"
	EventMessage        EventType = "message"
	EventTyping         EventType = "typing"
	EventStopTyping     EventType = "stopTyping"
	EventEditMessage    EventType = "editMessage"
	EventDeleteMessage  EventType = "deleteMessage"
	EventAddReaction    EventType = "addReaction"
	EventRemoveReaction EventType = "removeReaction"
	EventMarkAsRead     EventType = "markAsRead"
	EventPinMessage     EventType = "pinMessage"
	EventUnpinMessage   EventType = "unpinMessage"
	EventMentionUser    EventType = "mentionUser"
	EventKickUser       EventType = "kickUser"

	// server -> client
	EventActiveUsers  EventType = "activeUsers"
	EventUserJoined   EventType = "userJoined"
	EventUserLeft     EventType = "userLeft"
	EventMessagesRead EventType = "messagesRead"
	EventMention      EventType = "mention"
	EventKicked       EventType = "kicked"
	EventError        EventType = "error"
)

// IncomingEvent is the client -> server frame. One struct with optional
// fields per event type; the group session validates what each type needs.
type IncomingEvent struct {
	Type EventType `json:"type"`

	// message: id is client-generated so the optimistic local insert and the
	// server echo share identity.
	MessageID     string         `json:"message_id,omitempty"`
	Body          string         `json:"body,omitempty"` // ciphertext when the group is encrypted
	File          *model.FileRef `json:"file,omitempty"`
	ParentID      string         `json:"parent_message_id,omitempty"`
	ForwardedFrom string         `json:"forwarded_from,omitempty"`

	// reactions
	Emoji string `json:"emoji,omitempty"`

	// markAsRead
	MessageIDs []string `json:"message_ids,omitempty"`

	// mentionUser
	MentionedIDs []string `json:"mentioned_ids,omitempty"`

	// kickUser
	TargetID string `json:"target_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// OutgoingEvent is the server -> client frame, a tagged union keyed by Type.
// Payloads are typed structs, not map[string]any.
type OutgoingEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// PresencePayload replaces the client's presence set wholesale.
type PresencePayload struct {
	Members []model.Member `json:"members"`
}

// MemberPayload is the incremental presence add (userJoined).
type MemberPayload struct {
	Member model.Member `json:"member"`
}

// MemberLeftPayload is the incremental presence remove (userLeft).
type MemberLeftPayload struct {
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	Body      string    `json:"body"`
	EditedAt  time.Time `json:"edited_at"`
}

type MessageDeletedPayload struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	DeletedAt time.Time `json:"deleted_at"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	UserName  string `json:"user_name"`
	Emoji     string `json:"emoji"`
}

// MessagesReadPayload carries one read_at timestamp for the whole batch.
type MessagesReadPayload struct {
	MessageIDs []string  `json:"message_ids"`
	ReaderID   string    `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

type PinPayload struct {
	MessageID string `json:"message_id"`
	GroupID   string `json:"group_id"`
	PinnedBy  string `json:"pinned_by,omitempty"`
}

type TypingPayload struct {
	GroupID  string `json:"group_id"`
	SenderID string `json:"sender_id"`
	Name     string `json:"name"`
}

// MentionPayload is delivered on the notification side-channel to the
// mentioned user's connections; it is not part of the message content.
type MentionPayload struct {
	GroupID   string `json:"group_id"`
	MessageID string `json:"message_id"`
	ByName    string `json:"by_name"`
}

type KickedPayload struct {
	GroupID string `json:"group_id"`
	Reason  string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
