package memory

import (
	"context"
	"sync"
	"time"

	"github.com/groupchat/internal/storage"
)

const (
	sessionTTL     = 30 * 24 * time.Hour
	maxSubsPerUser = 10
)

type item struct {
	val storage.Session
	exp time.Time
}

// Client is the in-process Store used by -dev mode, where Redis may not be
// running.
type Client struct {
	mu       sync.RWMutex
	sessions map[string]item
	subs     map[string][][]byte
}

func New() *Client {
	return &Client{
		sessions: make(map[string]item),
		subs:     make(map[string][][]byte),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetSession(_ context.Context, sessionID string, s storage.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = item{val: s, exp: time.Now().Add(sessionTTL)}
	return nil
}

func (c *Client) GetSession(_ context.Context, sessionID string) (storage.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.sessions[sessionID]
	if !ok || time.Now().After(v.exp) {
		return storage.Session{}, nil
	}
	return v.val, nil
}

func (c *Client) DeleteSession(_ context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
	return nil
}

func (c *Client) AddSubscription(_ context.Context, userID string, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(raw))
	copy(cp, raw)
	list := append(c.subs[userID], cp)
	if len(list) > maxSubsPerUser {
		list = list[len(list)-maxSubsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) Subscriptions(_ context.Context, userID string) ([][]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := c.subs[userID]
	out := make([][]byte, len(list))
	copy(out, list)
	return out, nil
}

func (c *Client) ReplaceSubscriptions(_ context.Context, userID string, raw [][]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(raw) == 0 {
		delete(c.subs, userID)
		return nil
	}
	list := make([][]byte, len(raw))
	copy(list, raw)
	c.subs[userID] = list
	return nil
}
