package ws

import (
	"context"
	"encoding/json"
	"fmt"
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
)

// ---- in-memory store doubles ----

type memStores struct {
	mu        sync.Mutex
	groups    map[string]model.Group
	members   map[string]map[string]model.Member
	messages  map[string]*model.Message
	order     []string
	reactions map[string]model.Reaction // "mid|user|emoji"
	receipts  map[string]time.Time      // "mid|reader"
	pins      map[string]string         // "gid|mid" -> pinned_by
}

func newMemStores() *memStores {
	return &memStores{
		groups:    make(map[string]model.Group),
		members:   make(map[string]map[string]model.Member),
		messages:  make(map[string]*model.Message),
		reactions: make(map[string]model.Reaction),
		receipts:  make(map[string]time.Time),
		pins:      make(map[string]string),
	}
}

func (s *memStores) addGroup(g model.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	if _, ok := s.members[g.ID]; !ok {
		s.members[g.ID] = make(map[string]model.Member)
	}
}

func (s *memStores) addMember(m model.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.GroupID]; !ok {
		s.members[m.GroupID] = make(map[string]model.Member)
	}
	s.members[m.GroupID][m.ID] = m
}

func (s *memStores) GetGroup(_ context.Context, id string) (*model.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *memStores) GetMember(_ context.Context, groupID, memberID string) (*model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[groupID][memberID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *memStores) RemoveMember(_ context.Context, groupID, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], memberID)
	return nil
}

func (s *memStores) CreateMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return fmt.Errorf("duplicate id %s", m.ID)
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

func (s *memStores) GetMessage(_ context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *memStores) UpdateBody(_ context.Context, id, body string, editedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Body = &body
		m.EditedAt = &editedAt
	}
	return nil
}

func (s *memStores) SoftDelete(_ context.Context, id string, deletedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.Body = nil
		m.DeletedAt = &deletedAt
	}
	return nil
}

func (s *memStores) MarkRead(_ context.Context, ids []string, readerID string, readAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		key := id + "|" + readerID
		if _, ok := s.receipts[key]; !ok {
			s.receipts[key] = readAt
		}
	}
	return nil
}

func (s *memStores) AddReaction(_ context.Context, messageID, userName, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageID + "|" + userName + "|" + emoji
	if _, ok := s.reactions[key]; !ok {
		s.reactions[key] = model.Reaction{MessageID: messageID, UserName: userName, Emoji: emoji, CreatedAt: time.Now()}
	}
	return nil
}

func (s *memStores) RemoveReaction(_ context.Context, messageID, userName, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reactions, messageID+"|"+userName+"|"+emoji)
	return nil
}

func (s *memStores) Pin(_ context.Context, groupID, messageID, pinnedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupID + "|" + messageID
	if _, ok := s.pins[key]; !ok {
		s.pins[key] = pinnedBy
	}
	return nil
}

func (s *memStores) Unpin(_ context.Context, groupID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, groupID+"|"+messageID)
	return nil
}

func (s *memStores) reactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reactions)
}

func (s *memStores) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type memNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *memNotifier) Notify(_ context.Context, userID, _, _ string, _ map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, userID)
}

// ---- harness ----

type harness struct {
	stores *memStores
	hub    *Hub
	srv    *httptest.Server
	cancel context.CancelFunc
}

func newHarness(t *testing.T, notifier Notifier) *harness {
	t.Helper()
	return newHarnessSettings(t, notifier, Settings{MaxConnections: 100})
}

func newHarnessSettings(t *testing.T, notifier Notifier, settings Settings) *harness {
	t.Helper()
	stores := newMemStores()
	bundle := Stores{Groups: stores, Messages: stores, Reactions: stores, Pins: stores}
	hub := NewHub(bundle, settings, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	<-hub.running

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Admit(r.Context(), conn, r.URL.Query().Get("room"), Identity{MemberID: r.URL.Query().Get("member")})
	}))

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
	})
	return &harness{stores: stores, hub: hub, srv: srv, cancel: cancel}
}

func (h *harness) dial(t *testing.T, groupID, memberID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?room=" + groupID + "&member=" + memberID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// waitFor reads frames until one with the wanted type arrives, skipping
// presence noise that interleaves with the event under test.
func waitFor(t *testing.T, conn *websocket.Conn, want EventType) frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f), "waiting for %s", want)
		if f.Type == want {
			return f
		}
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, reject EventType) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return // timeout: nothing further arrived
		}
		require.NotEqual(t, reject, f.Type)
	}
}

func send(t *testing.T, conn *websocket.Conn, ev IncomingEvent) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

func seedGroup(h *harness, encrypted bool) {
	h.stores.addGroup(model.Group{ID: "g1", Title: "general", Visibility: model.VisibilityPublic, IsEncrypted: encrypted})
	h.stores.addMember(model.Member{ID: "m-alice", GroupID: "g1", Name: "alice", UserID: "u-alice", IsOwner: true})
	h.stores.addMember(model.Member{ID: "m-bob", GroupID: "g1", Name: "bob", UserID: "u-bob"})
	h.stores.addMember(model.Member{ID: "m-carol", GroupID: "g1", Name: "carol"})
}

// ---- tests ----

func TestMessageFanoutSkipsSender(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined) // bob arrived

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "hi"})

	f := waitFor(t, bob, EventMessage)
	var got model.Message
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	assert.Equal(t, "msg-1", got.ID)
	require.NotNil(t, got.Body)
	assert.Equal(t, "hi", *got.Body)
	assert.Equal(t, "alice", got.SenderName)
	assert.False(t, got.IsEncrypted)

	// The sender's timeline already holds the optimistic insert; no echo.
	expectSilence(t, alice, EventMessage)

	stored, err := h.stores.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestGroupOrderingPreserved(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	const n = 25
	for i := 0; i < n; i++ {
		send(t, alice, IncomingEvent{Type: EventMessage, MessageID: fmt.Sprintf("msg-%03d", i), Body: "x"})
	}

	for i := 0; i < n; i++ {
		f := waitFor(t, bob, EventMessage)
		var got model.Message
		require.NoError(t, json.Unmarshal(f.Payload, &got))
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), got.ID, "arrival order is broadcast order")
	}
}

func TestMutedSenderRejected(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)
	h.stores.addMember(model.Member{ID: "m-mute", GroupID: "g1", Name: "mallory", IsMuted: true})

	// Muted members may connect; the rejection happens at the action level.
	muted := h.dial(t, "g1", "m-mute")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, muted, EventUserJoined)

	send(t, muted, IncomingEvent{Type: EventMessage, MessageID: "msg-x", Body: "let me in"})

	f := waitFor(t, muted, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "muted", e.Message)

	expectSilence(t, bob, EventMessage)
	assert.Equal(t, 0, h.stores.messageCount(), "rejected message is not persisted")
}

func TestBannedRejectedAtConnect(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)
	h.stores.addMember(model.Member{ID: "m-ban", GroupID: "g1", Name: "eve", IsBanned: true})

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?room=g1&member=m-ban"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := waitFor(t, conn, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "banned", e.Message)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "connection is closed after rejection")
}

func TestKickUser(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	owner := h.dial(t, "g1", "m-alice")
	target := h.dial(t, "g1", "m-bob")
	bystander := h.dial(t, "g1", "m-carol")
	waitFor(t, owner, EventUserJoined)
	waitFor(t, owner, EventUserJoined)

	send(t, owner, IncomingEvent{Type: EventKickUser, TargetID: "m-bob", Reason: "spam"})

	f := waitFor(t, target, EventKicked)
	var k KickedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &k))
	assert.Equal(t, "spam", k.Reason)

	require.NoError(t, target.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := target.ReadMessage(); err != nil {
			break // server force-closed the kicked connection
		}
	}

	waitFor(t, bystander, EventUserLeft)

	// Kicked member no longer appears in presence snapshots.
	send(t, owner, IncomingEvent{Type: EventGetUsers})
	pf := waitFor(t, owner, EventActiveUsers)
	var p PresencePayload
	require.NoError(t, json.Unmarshal(pf.Payload, &p))
	for _, m := range p.Members {
		assert.NotEqual(t, "m-bob", m.ID)
	}

	m, err := h.stores.GetMember(context.Background(), "g1", "m-bob")
	require.NoError(t, err)
	assert.Nil(t, m, "membership removed")
}

func TestKickRequiresModerator(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	bob := h.dial(t, "g1", "m-bob")
	h.dial(t, "g1", "m-carol")
	waitFor(t, bob, EventUserJoined)

	send(t, bob, IncomingEvent{Type: EventKickUser, TargetID: "m-carol"})
	f := waitFor(t, bob, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "not allowed", e.Message)

	m, err := h.stores.GetMember(context.Background(), "g1", "m-carol")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestReactionTripleNotDuplicated(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "react to me"})
	waitFor(t, bob, EventMessage)

	for i := 0; i < 3; i++ {
		send(t, bob, IncomingEvent{Type: EventAddReaction, MessageID: "msg-1", Emoji: "👍"})
		waitFor(t, alice, EventAddReaction)
	}
	assert.Equal(t, 1, h.stores.reactionCount(), "re-adding the same triple is a no-op")

	send(t, bob, IncomingEvent{Type: EventRemoveReaction, MessageID: "msg-1", Emoji: "👍"})
	waitFor(t, alice, EventRemoveReaction)
	assert.Equal(t, 0, h.stores.reactionCount())
}

func TestMarkAsReadBatch(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "a"})
	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-2", Body: "b"})
	waitFor(t, bob, EventMessage)
	waitFor(t, bob, EventMessage)

	send(t, bob, IncomingEvent{Type: EventMarkAsRead, MessageIDs: []string{"msg-1", "msg-2"}})
	f := waitFor(t, alice, EventMessagesRead)
	var p MessagesReadPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.ElementsMatch(t, []string{"msg-1", "msg-2"}, p.MessageIDs)
	assert.Equal(t, "u-bob", p.ReaderID)
	assert.False(t, p.ReadAt.IsZero(), "single read_at for the batch")

	// Re-marking is idempotent.
	send(t, bob, IncomingEvent{Type: EventMarkAsRead, MessageIDs: []string{"msg-1", "msg-2"}})
	waitFor(t, alice, EventMessagesRead)
	h.stores.mu.Lock()
	assert.Len(t, h.stores.receipts, 2)
	h.stores.mu.Unlock()
}

func TestPresenceDedupedByAccount(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)
	// Second membership linked to the same account as alice.
	h.stores.addMember(model.Member{ID: "m-alice2", GroupID: "g1", Name: "alice-tablet", UserID: "u-alice"})

	bob := h.dial(t, "g1", "m-bob")
	h.dial(t, "g1", "m-alice")
	waitFor(t, bob, EventUserJoined)
	h.dial(t, "g1", "m-alice2") // same account: no second userJoined

	send(t, bob, IncomingEvent{Type: EventGetUsers})
	f := waitFor(t, bob, EventActiveUsers)
	var p PresencePayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))

	accounts := 0
	for _, m := range p.Members {
		if m.UserID == "u-alice" {
			accounts++
		}
	}
	assert.Equal(t, 1, accounts, "presence deduplicated by linked account id")
}

func TestPresenceDroppedOnDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	// Eager drop: no grace window between transport loss and userLeft.
	bob.Close()
	f := waitFor(t, alice, EventUserLeft)
	var p MemberLeftPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "u-bob", p.Identity)
}

func TestEditOnlyBySender(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "original"})
	waitFor(t, bob, EventMessage)

	send(t, bob, IncomingEvent{Type: EventEditMessage, MessageID: "msg-1", Body: "hijacked"})
	f := waitFor(t, bob, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "can only edit own messages", e.Message)

	send(t, alice, IncomingEvent{Type: EventEditMessage, MessageID: "msg-1", Body: "fixed"})
	ef := waitFor(t, bob, EventEditMessage)
	var ep MessageEditedPayload
	require.NoError(t, json.Unmarshal(ef.Payload, &ep))
	assert.Equal(t, "fixed", ep.Body)
	assert.False(t, ep.EditedAt.IsZero())
}

func TestSoftDeleteKeepsID(t *testing.T) {
	h := newHarness(t, nil)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "to be removed"})
	waitFor(t, bob, EventMessage)

	send(t, alice, IncomingEvent{Type: EventDeleteMessage, MessageID: "msg-1"})
	waitFor(t, bob, EventDeleteMessage)

	stored, err := h.stores.GetMessage(context.Background(), "msg-1")
	require.NoError(t, err)
	require.NotNil(t, stored, "id retained for reference integrity")
	assert.Nil(t, stored.Body)
	assert.True(t, stored.Deleted())
}

func TestMentionSideChannel(t *testing.T) {
	notifier := &memNotifier{}
	h := newHarness(t, notifier)
	seedGroup(h, false)

	alice := h.dial(t, "g1", "m-alice")
	bob := h.dial(t, "g1", "m-bob")
	waitFor(t, alice, EventUserJoined)

	send(t, alice, IncomingEvent{Type: EventMessage, MessageID: "msg-1", Body: "@bob look"})
	waitFor(t, bob, EventMessage)

	send(t, alice, IncomingEvent{Type: EventMentionUser, MessageID: "msg-1", MentionedIDs: []string{"u-bob"}})
	f := waitFor(t, bob, EventMention)
	var p MentionPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	assert.Equal(t, "msg-1", p.MessageID)
	assert.Equal(t, "alice", p.ByName)

	require.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.calls) == 1 && notifier.calls[0] == "u-bob"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestUnknownGroupRejected(t *testing.T) {
	h := newHarness(t, nil)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?room=nope&member=m-x"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := waitFor(t, conn, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "group not found", e.Message)
}

func TestConnectionLimitFromSettings(t *testing.T) {
	h := newHarnessSettings(t, nil, Settings{MaxConnections: 1})
	seedGroup(h, false)

	first := h.dial(t, "g1", "m-alice")
	waitFor(t, first, EventActiveUsers)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?room=g1&member=m-bob"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f := waitFor(t, conn, EventError)
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	assert.Equal(t, "connection limit reached", e.Message)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, 10000, s.MaxConnections)
	assert.Equal(t, sendBufSize, s.SendBufferSize)
	assert.Equal(t, writeWait, s.WriteTimeout)
	assert.Equal(t, pongWait, s.PongTimeout)
	assert.Equal(t, int64(maxMessageSize), s.MaxMessageSize)

	s = Settings{PongTimeout: 20 * time.Second}.withDefaults()
	assert.Equal(t, 18*time.Second, s.pingPeriod())
}
