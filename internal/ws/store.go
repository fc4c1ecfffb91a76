package ws

import (
	"context"
	"time"

	"github.com/groupchat/internal/model"
)

// The group session is the only component that mutates live membership and
// presence; it talks to persistence through these narrow contracts so the
// pgx repositories and test doubles plug in interchangeably.

type GroupStore interface {
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	GetMember(ctx context.Context, groupID, memberID string) (*model.Member, error)
	RemoveMember(ctx context.Context, groupID, memberID string) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	UpdateBody(ctx context.Context, id, body string, editedAt time.Time) error
	SoftDelete(ctx context.Context, id string, deletedAt time.Time) error
	// MarkRead upserts one receipt per (message, reader); re-marks are no-ops.
	MarkRead(ctx context.Context, messageIDs []string, readerID string, readAt time.Time) error
}

type ReactionStore interface {
	// AddReaction must not duplicate an existing (message, user, emoji) triple.
	AddReaction(ctx context.Context, messageID, userName, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userName, emoji string) error
}

type PinStore interface {
	// Pin must keep at most one active pin record per message per group.
	Pin(ctx context.Context, groupID, messageID, pinnedBy string) error
	Unpin(ctx context.Context, groupID, messageID string) error
}

// Stores bundles the persistence dependencies of the hub.
type Stores struct {
	Groups    GroupStore
	Messages  MessageStore
	Reactions ReactionStore
	Pins      PinStore
}

// Notifier delivers push notifications for mentions. nil disables pushes.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}
