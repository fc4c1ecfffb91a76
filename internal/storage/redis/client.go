package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/groupchat/internal/storage"
)

const (
	sessionTTL      = 30 * 24 * time.Hour
	subscriptionTTL = 30 * 24 * time.Hour
	// maxSubsPerUser bounds one account's device list; oldest entries fall off.
	maxSubsPerUser = 10

	sessionKeyPrefix = "session:"
	subsKeyPrefix    = "push:subs:"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetSession(ctx context.Context, sessionID string, s storage.Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis session encode: %w", err)
	}
	return c.cli.Set(ctx, sessionKeyPrefix+sessionID, raw, sessionTTL).Err()
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (storage.Session, error) {
	val, err := c.cli.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return storage.Session{}, nil
	}
	if err != nil {
		return storage.Session{}, err
	}
	var s storage.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return storage.Session{}, fmt.Errorf("redis session decode: %w", err)
	}
	return s, nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.cli.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

func (c *Client) AddSubscription(ctx context.Context, userID string, raw []byte) error {
	key := subsKeyPrefix + userID
	pipe := c.cli.Pipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([][]byte, error) {
	list, err := c.cli.LRange(ctx, subsKeyPrefix+userID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(list))
	for _, item := range list {
		out = append(out, []byte(item))
	}
	return out, nil
}

func (c *Client) ReplaceSubscriptions(ctx context.Context, userID string, raw [][]byte) error {
	key := subsKeyPrefix + userID
	pipe := c.cli.Pipeline()
	pipe.Del(ctx, key)
	for _, item := range raw {
		pipe.RPush(ctx, key, string(item))
	}
	if len(raw) > 0 {
		pipe.Expire(ctx, key, subscriptionTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// FlushDB clears the current Redis database (session and subscription reset
// for tests and dev restarts).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
