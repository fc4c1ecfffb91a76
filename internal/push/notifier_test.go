package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/internal/storage/memory"
)

// browserSub builds a subscription with real ECDH material pointing at the
// test receiver, the way a browser would hand it over.
func browserSub(t *testing.T, endpoint string) Subscription {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	var sub Subscription
	sub.Endpoint = endpoint
	sub.Keys.P256dh = base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes())
	sub.Keys.Auth = base64.RawURLEncoding.EncodeToString(auth)
	return sub
}

func testKeys(t *testing.T) *VAPIDKeys {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return &VAPIDKeys{PublicKey: pub, PrivateKey: priv}
}

func TestSubscribeValidation(t *testing.T) {
	n := NewNotifier(memory.New(), testKeys(t), "test")
	err := n.Subscribe(context.Background(), "u-alice", Subscription{Endpoint: "https://push"})
	require.Error(t, err, "missing keys rejected")
}

func TestNotifyDeliversAndPrunesGone(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusCreated)
	var hits atomic.Int32
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(int(status.Load()))
	}))
	defer receiver.Close()

	store := memory.New()
	n := NewNotifier(store, testKeys(t), "test")
	ctx := context.Background()

	require.NoError(t, n.Subscribe(ctx, "u-alice", browserSub(t, receiver.URL)))

	n.Notify(ctx, "u-alice", "alice", "mentioned you", map[string]string{"group_id": "g1"})
	assert.Equal(t, int32(1), hits.Load())
	subs, err := store.Subscriptions(ctx, "u-alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1, "healthy subscription kept")

	// The receiver reports the subscription gone; it gets pruned.
	status.Store(http.StatusGone)
	n.Notify(ctx, "u-alice", "alice", "mentioned again", nil)
	subs, err = store.Subscriptions(ctx, "u-alice")
	require.NoError(t, err)
	assert.Empty(t, subs)

	// Nothing left to hit.
	n.Notify(ctx, "u-alice", "alice", "third", nil)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNotifyWithoutVAPIDIsNoop(t *testing.T) {
	store := memory.New()
	n := NewNotifier(store, nil, "test")
	ctx := context.Background()

	// Subscriptions are still accepted so devices can register before the
	// server is configured.
	require.NoError(t, n.Subscribe(ctx, "u-alice", browserSub(t, "https://push/ep")))
	n.Notify(ctx, "u-alice", "alice", "hello", nil)
	subs, err := store.Subscriptions(ctx, "u-alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestUnsubscribeRemovesEndpoint(t *testing.T) {
	store := memory.New()
	n := NewNotifier(store, testKeys(t), "test")
	ctx := context.Background()

	require.NoError(t, n.Subscribe(ctx, "u-alice", browserSub(t, "https://push/a")))
	require.NoError(t, n.Subscribe(ctx, "u-alice", browserSub(t, "https://push/b")))

	require.NoError(t, n.Unsubscribe(ctx, "u-alice", "https://push/a"))
	subs, err := store.Subscriptions(ctx, "u-alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Contains(t, string(subs[0]), "push/b")
}
