// Package crypto implements the cryptographic contract for encrypted groups:
// ECDH P-256 key agreement and AES-GCM-256 payload encryption. All functions
// are pure and perform no I/O; key material crosses package boundaries only
// inside the wrap/unwrap envelope or as the caller's own handles.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// GroupKeySize is the AES-256 group key length in bytes.
	GroupKeySize = 32
	ivSize       = 12
)

var (
	// ErrDecryption is returned when a message payload fails authentication.
	// No partial plaintext is ever returned alongside it.
	ErrDecryption = errors.New("crypto: message decryption failed")
	// ErrKeyDecryption is returned when a wrapped group key is malformed or
	// fails authentication.
	ErrKeyDecryption = errors.New("crypto: group key decryption failed")
)

// KeyPair holds a member's ECDH key pair. Private stays on the client;
// Public is the portable uncompressed-point encoding published to the
// membership key directory.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  []byte
}

// GenerateKeyPair creates a fresh ECDH P-256 key pair.
func GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto.GenerateKeyPair: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// ParsePrivateKey restores a key pair from the private key bytes produced by
// KeyPair.Private.Bytes() (used by the local keystore).
func ParsePrivateKey(raw []byte) (KeyPair, error) {
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto.ParsePrivateKey: %w", err)
	}
	return KeyPair{Private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// GenerateGroupKey creates a fresh AES-GCM-256 group key. A key is never
// reused across groups or across enable cycles.
func GenerateGroupKey() ([]byte, error) {
	key := make([]byte, GroupKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto.GenerateGroupKey: %w", err)
	}
	return key, nil
}

// deriveSharedSecret runs ECDH against a peer's published public key. The raw
// 32-byte shared secret is used directly as a one-time AES-256 wrapping key
// for group key transport, never for message content.
func deriveSharedSecret(ownPrivate *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid peer public key: %w", err)
	}
	secret, err := ownPrivate.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecdh: %w", err)
	}
	return secret, nil
}

// EncryptGroupKeyForMember wraps the raw group key bytes for one member under
// a freshly derived shared secret. A new random IV is drawn each call, so
// output is non-deterministic.
func EncryptGroupKeyForMember(groupKey, memberPublic []byte, ownPrivate *ecdh.PrivateKey) (string, error) {
	secret, err := deriveSharedSecret(ownPrivate, memberPublic)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: iv: %w", err)
	}
	return seal(secret, iv, groupKey)
}

// DecryptGroupKeyFromSender unwraps a group key that the sender wrapped for
// the holder of ownPrivate. Fails closed with ErrKeyDecryption.
func DecryptGroupKeyFromSender(wrapped string, senderPublic []byte, ownPrivate *ecdh.PrivateKey) ([]byte, error) {
	secret, err := deriveSharedSecret(ownPrivate, senderPublic)
	if err != nil {
		return nil, ErrKeyDecryption
	}
	key, err := open(secret, wrapped)
	if err != nil {
		return nil, ErrKeyDecryption
	}
	return key, nil
}

// EncryptMessage encrypts a message body under the group key. Wire format is
// base64(iv[12] || ciphertext-with-auth-tag).
func EncryptMessage(plaintext string, groupKey []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: iv: %w", err)
	}
	return seal(groupKey, iv, []byte(plaintext))
}

// DecryptMessage is the inverse of EncryptMessage. On authentication-tag
// mismatch it returns ErrDecryption and never partially decrypted data.
func DecryptMessage(ciphertext string, groupKey []byte) (string, error) {
	plain, err := open(groupKey, ciphertext)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plain), nil
}

// seal encrypts plaintext with the given key and IV and returns the base64
// wire encoding. The IV parameter exists so tests can inject a fixed IV;
// production callers always pass a fresh random one.
func seal(key, iv, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: gcm: %w", err)
	}
	out := make([]byte, 0, len(iv)+len(plaintext)+gcm.Overhead())
	out = append(out, iv...)
	out = gcm.Seal(out, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func open(key []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: base64: %w", err)
	}
	// Anything shorter than the IV cannot be a valid envelope.
	if len(raw) < ivSize {
		return nil, errors.New("crypto: payload shorter than iv")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	plain, err := gcm.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return nil, err
	}
	return plain, nil
}
