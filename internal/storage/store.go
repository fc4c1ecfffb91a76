package storage

import (
	"context"
)

// Session is an authenticated device session: the HMAC secret the middleware
// verifies request signatures against, plus the account it belongs to.
type Session struct {
	UserID string `json:"user_id"`
	Secret string `json:"secret"` // base64, 32 bytes decoded
}

// Store holds session secrets and web-push subscriptions.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type Store interface {
	SetSession(ctx context.Context, sessionID string, s Session) error
	// GetSession returns a zero Session when the id is unknown or expired.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	DeleteSession(ctx context.Context, sessionID string) error

	// AddSubscription appends a raw subscription JSON to the user's list,
	// bounded to the newest entries.
	AddSubscription(ctx context.Context, userID string, raw []byte) error
	Subscriptions(ctx context.Context, userID string) ([][]byte, error)
	// ReplaceSubscriptions rewrites the user's list wholesale (endpoint
	// pruning after a gone receiver).
	ReplaceSubscriptions(ctx context.Context, userID string, raw [][]byte) error

	Close() error
}
