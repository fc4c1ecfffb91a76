package model

import "time"

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Group struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Visibility  Visibility `json:"visibility"`
	Passcode    string     `json:"-"` // private groups only, inbound plaintext; stored hashed
	IsEncrypted bool       `json:"is_encrypted"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Member is a participant's identity and role flags within one group,
// distinct from any global user account. Presence is not persisted here;
// it lives in the group session for the lifetime of a connection.
type Member struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"group_id"`
	Name     string    `json:"name"`
	UserID   string    `json:"user_id,omitempty"` // linked account, empty for guests
	IsOwner  bool      `json:"is_owner"`
	IsAdmin  bool      `json:"is_admin"`
	IsMuted  bool      `json:"is_muted"`
	IsBanned bool      `json:"is_banned"`
	JoinedAt time.Time `json:"joined_at"`
}

// Identity returns the key used to de-duplicate presence entries:
// the linked account id when present, otherwise the membership id.
func (m *Member) Identity() string {
	if m.UserID != "" {
		return m.UserID
	}
	return m.ID
}

// CanModerate reports whether the member may kick, mute or ban others.
func (m *Member) CanModerate() bool {
	return m.IsOwner || m.IsAdmin
}

type JoinRequestStatus string

const (
	JoinRequestPending  JoinRequestStatus = "pending"
	JoinRequestApproved JoinRequestStatus = "approved"
	JoinRequestRejected JoinRequestStatus = "rejected"
)

// JoinRequest is a public-group admission request. Approved and rejected are
// terminal; at most one pending request per (group, requester).
type JoinRequest struct {
	ID        string            `json:"id"`
	GroupID   string            `json:"group_id"`
	Requester string            `json:"requester"`
	UserID    string            `json:"user_id,omitempty"`
	Status    JoinRequestStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}
