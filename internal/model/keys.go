package model

import (
	"encoding/base64"
	"fmt"
	"time"
)

// PublicKey is one entry in the membership key directory: a user's ECDH
// public key, published so peers can wrap group keys for them. Private keys
// never reach the server.
type PublicKey struct {
	UserID    string    `json:"user_id"`
	Key       string    `json:"public_key"` // base64 uncompressed P-256 point
	CreatedAt time.Time `json:"created_at"`
}

// Bytes decodes the portable base64 encoding into raw point bytes.
func (k *PublicKey) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(k.Key)
	if err != nil {
		return nil, fmt.Errorf("model: public key for %s: %w", k.UserID, err)
	}
	return raw, nil
}

// WrappedGroupKey is the group symmetric key encrypted for one member under
// an ECDH-derived wrapping key. SenderID identifies whose public key the
// recipient needs for unwrapping.
type WrappedGroupKey struct {
	GroupID      string    `json:"group_id"`
	UserID       string    `json:"user_id"`
	SenderID     string    `json:"sender_id"`
	EncryptedKey string    `json:"encrypted_key"` // base64(iv || ciphertext)
	CreatedAt    time.Time `json:"created_at"`
}

// GroupKeyBatch is the one-shot batch write used by the enable-encryption
// protocol: all wrapped keys land together or not at all.
type GroupKeyBatch struct {
	GroupID  string            `json:"group_id"`
	SenderID string            `json:"sender_id"`
	Keys     []WrappedGroupKey `json:"keys"`
}
