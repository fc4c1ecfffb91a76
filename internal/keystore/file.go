package keystore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/groupchat/internal/crypto"
	"github.com/groupchat/internal/model"
)

// File is a durable Store backed by one JSON file per user, the
// local-storage equivalent for a native client. The file is written with
// 0600 permissions since it holds the private key.
type File struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	PrivateKey  string                  `json:"private_key,omitempty"` // base64 ECDH private key bytes
	GroupKeys   map[string]string       `json:"group_keys"`            // group id -> base64 key
	Memberships map[string]model.Member `json:"memberships"`           // group id -> own member record
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (s *File) load() (*fileState, error) {
	st := &fileState{
		GroupKeys:   make(map[string]string),
		Memberships: make(map[string]model.Member),
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", s.path, err)
	}
	if st.GroupKeys == nil {
		st.GroupKeys = make(map[string]string)
	}
	if st.Memberships == nil {
		st.Memberships = make(map[string]model.Member)
	}
	return st, nil
}

func (s *File) save(st *fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("keystore: mkdir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keystore: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keystore: rename: %w", err)
	}
	return nil
}

func (s *File) SaveKeyPair(pair crypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.PrivateKey = base64.StdEncoding.EncodeToString(pair.Private.Bytes())
	return s.save(st)
}

func (s *File) LoadKeyPair() (crypto.KeyPair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	if st.PrivateKey == "" {
		return crypto.KeyPair{}, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(st.PrivateKey)
	if err != nil {
		return crypto.KeyPair{}, false, fmt.Errorf("keystore: private key: %w", err)
	}
	pair, err := crypto.ParsePrivateKey(raw)
	if err != nil {
		return crypto.KeyPair{}, false, err
	}
	return pair, true, nil
}

func (s *File) SaveGroupKey(groupID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.GroupKeys[groupID] = base64.StdEncoding.EncodeToString(key)
	return s.save(st)
}

func (s *File) LoadGroupKey(groupID string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, false, err
	}
	encoded, ok := st.GroupKeys[groupID]
	if !ok {
		return nil, false, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("keystore: group key %s: %w", groupID, err)
	}
	return key, true, nil
}

func (s *File) DeleteGroupKey(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	delete(st.GroupKeys, groupID)
	return s.save(st)
}

func (s *File) SaveMembership(m model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.Memberships[m.GroupID] = m
	return s.save(st)
}

func (s *File) LoadMembership(groupID string) (model.Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return model.Member{}, false, err
	}
	m, ok := st.Memberships[groupID]
	return m, ok, nil
}
