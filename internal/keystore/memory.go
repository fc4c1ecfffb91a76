package keystore

import (
	"sync"

	"github.com/groupchat/internal/crypto"
	"github.com/groupchat/internal/model"
)

// Memory is an in-process Store for tests and throwaway guest sessions.
type Memory struct {
	mu          sync.RWMutex
	pair        *crypto.KeyPair
	groupKeys   map[string][]byte
	memberships map[string]model.Member
}

func NewMemory() *Memory {
	return &Memory{
		groupKeys:   make(map[string][]byte),
		memberships: make(map[string]model.Member),
	}
}

func (s *Memory) SaveKeyPair(pair crypto.KeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = &pair
	return nil
}

func (s *Memory) LoadKeyPair() (crypto.KeyPair, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == nil {
		return crypto.KeyPair{}, false, nil
	}
	return *s.pair, true, nil
}

func (s *Memory) SaveGroupKey(groupID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(key))
	copy(cp, key)
	s.groupKeys[groupID] = cp
	return nil
}

func (s *Memory) LoadGroupKey(groupID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.groupKeys[groupID]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return cp, true, nil
}

func (s *Memory) DeleteGroupKey(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groupKeys, groupID)
	return nil
}

func (s *Memory) SaveMembership(m model.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.GroupID] = m
	return nil
}

func (s *Memory) LoadMembership(groupID string) (model.Member, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[groupID]
	return m, ok, nil
}
