// Package push delivers Web Push mention notifications. Subscriptions live in
// the session store keyed by account id; receivers that report themselves
// gone are pruned.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/storage"
)

// Subscription is the browser's PushSubscription shape.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s *Subscription) valid() bool {
	return s.Endpoint != "" && s.Keys.P256dh != "" && s.Keys.Auth != ""
}

// Notifier sends pushes to every stored subscription of an account. With a
// nil VAPID configuration subscriptions are still accepted but nothing is
// sent.
type Notifier struct {
	store storage.Store
	vapid *webpush.Options
}

func NewNotifier(store storage.Store, keys *VAPIDKeys, subscriber string) *Notifier {
	var opts *webpush.Options
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		opts = &webpush.Options{
			Subscriber:      subscriber,
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return &Notifier{store: store, vapid: opts}
}

// Subscribe stores one device subscription for the account.
func (n *Notifier) Subscribe(ctx context.Context, userID string, sub Subscription) error {
	if !sub.valid() {
		return fmt.Errorf("push: subscription requires endpoint, keys.p256dh and keys.auth")
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("push: encode subscription: %w", err)
	}
	return n.store.AddSubscription(ctx, userID, raw)
}

// Unsubscribe removes the subscription with the given endpoint.
func (n *Notifier) Unsubscribe(ctx context.Context, userID, endpoint string) error {
	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		return err
	}
	var kept [][]byte
	for _, raw := range subs {
		var sub Subscription
		if json.Unmarshal(raw, &sub) == nil && sub.Endpoint != endpoint {
			kept = append(kept, raw)
		}
	}
	return n.store.ReplaceSubscriptions(ctx, userID, kept)
}

// Notify pushes to all of the account's devices. Errors are logged, never
// returned: a failed push must not affect the mention that triggered it.
func (n *Notifier) Notify(ctx context.Context, userID, title, body string, data map[string]string) {
	if n.vapid == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	raws, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		logger.Errorf("push: subscriptions for %s: %v", userID, err)
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})

	var gone []string
	for _, raw := range raws {
		var sub Subscription
		if json.Unmarshal(raw, &sub) != nil || !sub.valid() {
			continue
		}
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, n.vapid)
		if err != nil {
			logger.Errorf("push: send %s: %v", truncEndpoint(sub.Endpoint), err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			gone = append(gone, sub.Endpoint)
		}
	}
	if len(gone) > 0 {
		n.prune(ctx, userID, gone)
	}
}

// prune drops subscriptions whose endpoints reported gone.
func (n *Notifier) prune(ctx context.Context, userID string, endpoints []string) {
	subs, err := n.store.Subscriptions(ctx, userID)
	if err != nil {
		return
	}
	dead := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		dead[e] = true
	}
	var kept [][]byte
	for _, raw := range subs {
		var sub Subscription
		if json.Unmarshal(raw, &sub) == nil && !dead[sub.Endpoint] {
			kept = append(kept, raw)
		}
	}
	if err := n.store.ReplaceSubscriptions(ctx, userID, kept); err != nil {
		logger.Errorf("push: prune for %s: %v", userID, err)
	}
}

func truncEndpoint(endpoint string) string {
	if len(endpoint) > 50 {
		return endpoint[:50]
	}
	return strings.TrimSpace(endpoint)
}
