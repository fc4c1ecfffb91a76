// Package session orchestrates end-to-end encryption for one (user, group)
// pair: it makes sure personal keys exist, runs the enable-encryption
// protocol, distributes the group key to members, and exposes the
// encrypt/decrypt contract the messaging layer calls through. It is the only
// component that touches the keystore.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/groupchat/internal/crypto"
	"github.com/groupchat/internal/keystore"
	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// KeyDirectory is the consumed REST contract for key distribution: the
// public-key directory and the wrapped-group-key store. Implemented by the
// API client; faked in tests.
type KeyDirectory interface {
	// GetPublicKey returns nil when the user has not published a key.
	GetPublicKey(ctx context.Context, userID string) (*model.PublicKey, error)
	PublishPublicKey(ctx context.Context, userID string, publicKey []byte) error
	// StoreGroupKeys writes all wrapped keys in one batch; partial writes
	// must not be observable.
	StoreGroupKeys(ctx context.Context, batch model.GroupKeyBatch) error
	// GetWrappedKey returns nil when no key has been wrapped for the user.
	GetWrappedKey(ctx context.Context, groupID, userID string) (*model.WrappedGroupKey, error)
	// EnableEncryption flips the group's is_encrypted flag; the server
	// re-verifies the preconditions rather than trusting the caller.
	EnableEncryption(ctx context.Context, groupID, userID string) error
}

// InsufficientKeysError aborts encryption enablement when eligible members
// have no published public key. Missing reports how many.
type InsufficientKeysError struct {
	Missing int
}

func (e *InsufficientKeysError) Error() string {
	return fmt.Sprintf("session: %d member(s) have no published public key", e.Missing)
}

// ErrNoGroupKey means no wrapped group key has been distributed to this user
// yet; messages stay ciphertext until an existing holder wraps the key.
var ErrNoGroupKey = errors.New("session: no group key available for this member")

type Session struct {
	userID  string
	groupID string
	keys    keystore.Store
	dir     KeyDirectory

	mu       sync.Mutex
	pair     *crypto.KeyPair
	groupKey []byte
}

func New(userID, groupID string, keys keystore.Store, dir KeyDirectory) *Session {
	return &Session{userID: userID, groupID: groupID, keys: keys, dir: dir}
}

// EnsureKeyPair loads the user's key pair, generating and publishing one on
// first use.
func (s *Session) EnsureKeyPair(ctx context.Context) (crypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureKeyPairLocked(ctx)
}

func (s *Session) ensureKeyPairLocked(ctx context.Context) (crypto.KeyPair, error) {
	if s.pair != nil {
		return *s.pair, nil
	}
	pair, ok, err := s.keys.LoadKeyPair()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if !ok {
		pair, err = crypto.GenerateKeyPair()
		if err != nil {
			return crypto.KeyPair{}, err
		}
		if err := s.keys.SaveKeyPair(pair); err != nil {
			return crypto.KeyPair{}, err
		}
		if err := s.dir.PublishPublicKey(ctx, s.userID, pair.Public); err != nil {
			return crypto.KeyPair{}, fmt.Errorf("session: publish public key: %w", err)
		}
	}
	s.pair = &pair
	return pair, nil
}

// Enable runs the group-encryption enablement protocol. Atomic from the
// caller's perspective: any failure aborts before the flag flips and no
// partial state is visible to other members.
func (s *Session) Enable(ctx context.Context, members []model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.ensureKeyPairLocked(ctx)
	if err != nil {
		return err
	}

	// A fresh key every enable cycle; never reused across groups.
	groupKey, err := crypto.GenerateGroupKey()
	if err != nil {
		return err
	}

	// Guests (no linked account) cannot take part in key distribution and
	// are excluded from the encrypted set.
	type eligible struct {
		userID string
		pub    []byte
	}
	var recipients []eligible
	missing := 0
	for _, m := range members {
		if m.UserID == "" {
			continue
		}
		pk, err := s.dir.GetPublicKey(ctx, m.UserID)
		if err != nil {
			return fmt.Errorf("session: fetch public key for %s: %w", m.UserID, err)
		}
		if pk == nil {
			missing++
			continue
		}
		pub, err := pk.Bytes()
		if err != nil {
			return err
		}
		recipients = append(recipients, eligible{userID: m.UserID, pub: pub})
	}
	if missing > 0 {
		return &InsufficientKeysError{Missing: missing}
	}

	batch := model.GroupKeyBatch{GroupID: s.groupID, SenderID: s.userID}
	for _, r := range recipients {
		wrapped, err := crypto.EncryptGroupKeyForMember(groupKey, r.pub, pair.Private)
		if err != nil {
			return fmt.Errorf("session: wrap key for %s: %w", r.userID, err)
		}
		batch.Keys = append(batch.Keys, model.WrappedGroupKey{
			GroupID:      s.groupID,
			UserID:       r.userID,
			SenderID:     s.userID,
			EncryptedKey: wrapped,
		})
	}

	if err := s.dir.StoreGroupKeys(ctx, batch); err != nil {
		return fmt.Errorf("session: store group keys: %w", err)
	}
	// The flag flips only after the whole batch landed.
	if err := s.dir.EnableEncryption(ctx, s.groupID, s.userID); err != nil {
		return fmt.Errorf("session: enable encryption: %w", err)
	}

	// The enabling client already holds the plaintext key; cache it without
	// an extra round trip.
	if err := s.keys.SaveGroupKey(s.groupID, groupKey); err != nil {
		logger.Errorf("session: cache group key group=%s: %v", s.groupID, err)
	}
	s.groupKey = groupKey
	return nil
}

// WrapForMember distributes the live group key to a newly joined member.
// Until some existing holder does this the new member cannot decrypt
// anything and fails closed.
func (s *Session) WrapForMember(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.ensureKeyPairLocked(ctx)
	if err != nil {
		return err
	}
	groupKey, err := s.resolveGroupKeyLocked(ctx)
	if err != nil {
		return err
	}
	pk, err := s.dir.GetPublicKey(ctx, userID)
	if err != nil {
		return fmt.Errorf("session: fetch public key for %s: %w", userID, err)
	}
	if pk == nil {
		return &InsufficientKeysError{Missing: 1}
	}
	pub, err := pk.Bytes()
	if err != nil {
		return err
	}
	wrapped, err := crypto.EncryptGroupKeyForMember(groupKey, pub, pair.Private)
	if err != nil {
		return err
	}
	return s.dir.StoreGroupKeys(ctx, model.GroupKeyBatch{
		GroupID:  s.groupID,
		SenderID: s.userID,
		Keys: []model.WrappedGroupKey{{
			GroupID:      s.groupID,
			UserID:       userID,
			SenderID:     s.userID,
			EncryptedKey: wrapped,
		}},
	})
}

// Encrypt encrypts a message body before it crosses the wire; the server
// never sees plaintext.
func (s *Session) Encrypt(ctx context.Context, plaintext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.resolveGroupKeyLocked(ctx)
	if err != nil {
		return "", err
	}
	return crypto.EncryptMessage(plaintext, key)
}

// Decrypt decrypts an incoming ciphertext. Failure must not crash the
// timeline; callers render the message as undecryptable.
func (s *Session) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, err := s.resolveGroupKeyLocked(ctx)
	if err != nil {
		return "", err
	}
	return crypto.DecryptMessage(ciphertext, key)
}

// resolveGroupKeyLocked finds the group key: memory, then the local cache,
// then a wrapped blob fetched from the directory and unwrapped with the
// user's private key.
func (s *Session) resolveGroupKeyLocked(ctx context.Context) ([]byte, error) {
	if s.groupKey != nil {
		return s.groupKey, nil
	}
	key, ok, err := s.keys.LoadGroupKey(s.groupID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.groupKey = key
		return key, nil
	}

	wrapped, err := s.dir.GetWrappedKey(ctx, s.groupID, s.userID)
	if err != nil {
		return nil, fmt.Errorf("session: fetch wrapped key: %w", err)
	}
	if wrapped == nil {
		return nil, ErrNoGroupKey
	}
	senderPK, err := s.dir.GetPublicKey(ctx, wrapped.SenderID)
	if err != nil {
		return nil, fmt.Errorf("session: fetch sender key: %w", err)
	}
	if senderPK == nil {
		return nil, ErrNoGroupKey
	}
	senderPub, err := senderPK.Bytes()
	if err != nil {
		return nil, err
	}
	pair, err := s.ensureKeyPairLocked(ctx)
	if err != nil {
		return nil, err
	}
	key, err = crypto.DecryptGroupKeyFromSender(wrapped.EncryptedKey, senderPub, pair.Private)
	if err != nil {
		return nil, err
	}
	if err := s.keys.SaveGroupKey(s.groupID, key); err != nil {
		logger.Errorf("session: cache group key group=%s: %v", s.groupID, err)
	}
	s.groupKey = key
	return key, nil
}
