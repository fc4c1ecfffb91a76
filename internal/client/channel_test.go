package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/ws"
)

// chanStores is the minimal persistence double the hub needs for channel
// tests.
type chanStores struct {
	mu       sync.Mutex
	groups   map[string]model.Group
	members  map[string]map[string]model.Member
	messages map[string]model.Message
}

func newChanStores() *chanStores {
	return &chanStores{
		groups:   make(map[string]model.Group),
		members:  make(map[string]map[string]model.Member),
		messages: make(map[string]model.Message),
	}
}

func (s *chanStores) GetGroup(_ context.Context, id string) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *chanStores) GetMember(_ context.Context, groupID, memberID string) (*model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[groupID][memberID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *chanStores) RemoveMember(_ context.Context, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], memberID)
	return nil
}

func (s *chanStores) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = *m
	return nil
}

func (s *chanStores) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *chanStores) UpdateBody(_ context.Context, id, body string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Body = &body
		m.EditedAt = &editedAt
		s.messages[id] = m
	}
	return nil
}

func (s *chanStores) SoftDelete(_ context.Context, id string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Body = nil
		m.DeletedAt = &deletedAt
		s.messages[id] = m
	}
	return nil
}

func (s *chanStores) MarkRead(context.Context, []string, string, time.Time) error { return nil }
func (s *chanStores) AddReaction(context.Context, string, string, string) error   { return nil }
func (s *chanStores) RemoveReaction(context.Context, string, string, string) error {
	return nil
}
func (s *chanStores) Pin(context.Context, string, string, string) error { return nil }
func (s *chanStores) Unpin(context.Context, string, string) error       { return nil }

func startServer(t *testing.T) (*chanStores, string) {
	t.Helper()
	stores := newChanStores()
	hub := ws.NewHub(ws.Stores{Groups: stores, Messages: stores, Reactions: stores, Pins: stores}, ws.Settings{MaxConnections: 100}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Admit(r.Context(), conn, r.URL.Query().Get("room"), ws.Identity{MemberID: r.URL.Query().Get("member")})
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	stores.mu.Lock()
	stores.groups["g1"] = model.Group{ID: "g1", Title: "general", Visibility: model.VisibilityPublic}
	stores.members["g1"] = map[string]model.Member{
		"m-alice": {ID: "m-alice", GroupID: "g1", Name: "alice", UserID: "u-alice", IsOwner: true},
		"m-bob":   {ID: "m-bob", GroupID: "g1", Name: "bob", UserID: "u-bob"},
		"m-eve":   {ID: "m-eve", GroupID: "g1", Name: "eve", UserID: "u-eve", IsBanned: true},
	}
	stores.mu.Unlock()

	return stores, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url, memberID string) *Channel {
	t.Helper()
	ch := NewChannel(ChannelConfig{URL: url, GroupID: "g1", MemberID: memberID})
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Close)
	return ch
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state %s never reached, still %s", want, ch.State())
}

func waitFrame(t *testing.T, ch *Channel, want ws.EventType) Frame {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case f, ok := <-ch.Frames():
			if !ok {
				t.Fatalf("frames closed while waiting for %s", want)
			}
			if f.Type == want {
				return f
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestChannelBecomesActiveAndDelivers(t *testing.T) {
	_, url := startServer(t)

	alice := connect(t, url, "m-alice")
	waitState(t, alice, StateActive)

	bob := connect(t, url, "m-bob")
	waitState(t, bob, StateActive)

	require.NoError(t, alice.Send(ws.IncomingEvent{Type: ws.EventMessage, MessageID: "msg-1", Body: "hi"}))

	f := waitFrame(t, bob, ws.EventMessage)
	var got model.Message
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, "msg-1", got.ID)
	require.NotNil(t, got.Body)
	assert.Equal(t, "hi", *got.Body)
}

func TestSendRejectedBeforeConnect(t *testing.T) {
	ch := NewChannel(ChannelConfig{URL: "ws://127.0.0.1:1/ws", GroupID: "g1", MemberID: "m-alice"})
	err := ch.Send(ws.IncomingEvent{Type: ws.EventMessage, Body: "offline"})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestBannedMemberEndsClosed(t *testing.T) {
	_, url := startServer(t)

	ch := NewChannel(ChannelConfig{URL: url, GroupID: "g1", MemberID: "m-eve"})
	// The upgrade itself succeeds; the server delivers the rejection as an
	// error event and closes. No reconnect loop on a rejected admission.
	if err := ch.Connect(context.Background()); err != nil {
		return
	}
	t.Cleanup(ch.Close)
	waitState(t, ch, StateClosed)
	assert.Equal(t, "banned", ch.LastError())
}

func TestKickedIsTerminal(t *testing.T) {
	_, url := startServer(t)

	alice := connect(t, url, "m-alice")
	waitState(t, alice, StateActive)
	bob := connect(t, url, "m-bob")
	waitState(t, bob, StateActive)

	require.NoError(t, alice.Send(ws.IncomingEvent{Type: ws.EventKickUser, TargetID: "m-bob", Reason: "spam"}))

	f := waitFrame(t, bob, ws.EventKicked)
	var p ws.KickedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "spam", p.Reason)

	waitState(t, bob, StateClosed)
	// No auto-reconnect after a kick; sends fail.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateClosed, bob.State())
	assert.ErrorIs(t, bob.Send(ws.IncomingEvent{Type: ws.EventMessage, Body: "again"}), ErrClosed)
}

func TestCloseFromActive(t *testing.T) {
	_, url := startServer(t)

	ch := connect(t, url, "m-alice")
	waitState(t, ch, StateActive)
	ch.Close()
	assert.Equal(t, StateClosed, ch.State())

	// The frame stream ends.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch.Frames():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frames never closed")
		}
	}
}

func TestTypingDebounced(t *testing.T) {
	_, url := startServer(t)

	alice := connect(t, url, "m-alice")
	waitState(t, alice, StateActive)
	bob := connect(t, url, "m-bob")
	waitState(t, bob, StateActive)

	for i := 0; i < 5; i++ {
		require.NoError(t, alice.Typing())
	}

	waitFrame(t, bob, ws.EventTyping)
	// Burst collapsed into one event inside the debounce window.
	select {
	case f := <-bob.Frames():
		assert.NotEqual(t, ws.EventTyping, f.Type)
	case <-time.After(300 * time.Millisecond):
	}
}
