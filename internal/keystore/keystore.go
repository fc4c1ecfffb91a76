// Package keystore persists a user's client-local key material: their ECDH
// private key, decrypted group keys, and their own membership record per
// group (so a group can be rejoined without re-prompting name or passcode).
// Nothing stored here ever leaves the client.
//
// Only the encryption session mutates key entries; the realtime channel and
// timeline go through the session's encrypt/decrypt contract.
package keystore

import (
	"github.com/groupchat/internal/crypto"
	"github.com/groupchat/internal/model"
)

// Store is the client-local persistence contract.
// Implementations: File (durable, per user) and Memory (tests, throwaway
// guest sessions).
type Store interface {
	SaveKeyPair(pair crypto.KeyPair) error
	// LoadKeyPair returns ok=false when no pair has been generated yet.
	LoadKeyPair() (pair crypto.KeyPair, ok bool, err error)

	SaveGroupKey(groupID string, key []byte) error
	LoadGroupKey(groupID string) (key []byte, ok bool, err error)
	DeleteGroupKey(groupID string) error

	SaveMembership(m model.Member) error
	LoadMembership(groupID string) (m model.Member, ok bool, err error)
}
