package model

import "time"

// FileRef points at an uploaded blob; the blob store itself is external.
type FileRef struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Message identity is client-generated (UUID) before the network round-trip,
// so an optimistic local insert and the server echo share the same id.
// Edits and deletes mutate fields, never identity.
type Message struct {
	ID            string     `json:"id"`
	GroupID       string     `json:"group_id"`
	SenderID      string     `json:"sender_id"`
	SenderName    string     `json:"sender_name"`
	Body          *string    `json:"body"` // nil after deletion or for file/voice-only payloads
	IsEncrypted   bool       `json:"is_encrypted"` // fixed at creation time
	File          *FileRef   `json:"file,omitempty"`
	ParentID      *string    `json:"parent_message_id,omitempty"` // reply-to, same group
	ForwardedFrom string     `json:"forwarded_from,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	EditedAt      *time.Time `json:"edited_at,omitempty"`
	DeletedAt     *time.Time `json:"deleted_at,omitempty"` // soft delete: body cleared, id retained
	Reactions     []Reaction `json:"reactions,omitempty"`
	Reads         []ReadReceipt `json:"reads,omitempty"`
}

// Deleted reports whether the message has been soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Reaction is unique per (message, user, emoji) triple.
type Reaction struct {
	MessageID string    `json:"message_id"`
	UserName  string    `json:"user_name"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReadReceipt: at most one per (message, user); later marks are no-ops.
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// PinnedMessage: at most one active pin per message id per group.
type PinnedMessage struct {
	GroupID   string    `json:"group_id"`
	MessageID string    `json:"message_id"`
	PinnedBy  string    `json:"pinned_by"`
	PinnedAt  time.Time `json:"pinned_at"`
	Message   *Message  `json:"message,omitempty"`
}
