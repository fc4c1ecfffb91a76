package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

// Hub owns one GroupSession per group id and the cross-group index of
// connections by account id (the mention side-channel). Groups are
// independent; no ordering is guaranteed across them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*GroupSession
	byUser   map[string]map[*Client]struct{}
	total    int

	settings Settings
	stores   Stores
	notifier Notifier

	runCtx  context.Context
	running chan struct{}
	done    chan struct{}
}

func NewHub(stores Stores, settings Settings, notifier Notifier) *Hub {
	return &Hub{
		sessions: make(map[string]*GroupSession),
		byUser:   make(map[string]map[*Client]struct{}),
		settings: settings.withDefaults(),
		stores:   stores,
		notifier: notifier,
		running:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, then shuts down every group session and
// waits for their clients to drain. Admit refuses connections until Run has
// been called.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.runCtx = ctx
	h.mu.Unlock()
	close(h.running)

	<-ctx.Done()

	h.mu.Lock()
	sessions := make([]*GroupSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*GroupSession)
	h.byUser = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	for _, s := range sessions {
		<-s.closed
	}
	close(h.done)
}

// Admit performs the identity handshake for an upgraded connection: the
// presented member must be of record for the group and not banned. On
// rejection the reason is delivered as an error event before the close.
func (h *Hub) Admit(ctx context.Context, conn *websocket.Conn, groupID string, identity Identity) {
	select {
	case <-h.running:
	default:
		rejectConn(conn, "server not ready")
		return
	}

	h.mu.RLock()
	total := h.total
	h.mu.RUnlock()
	if total >= h.settings.MaxConnections {
		logger.Errorf("ws connection limit reached (%d), rejecting member=%s", h.settings.MaxConnections, identity.MemberID)
		rejectConn(conn, "connection limit reached")
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	group, err := h.stores.Groups.GetGroup(checkCtx, groupID)
	if err != nil {
		logger.Errorf("ws admit get group %s: %v", groupID, err)
		rejectConn(conn, "internal error")
		return
	}
	if group == nil {
		rejectConn(conn, "group not found")
		return
	}

	member, err := h.stores.Groups.GetMember(checkCtx, groupID, identity.MemberID)
	if err != nil {
		logger.Errorf("ws admit get member group=%s member=%s: %v", groupID, identity.MemberID, err)
		rejectConn(conn, "internal error")
		return
	}
	if member == nil {
		rejectConn(conn, "not a member")
		return
	}
	if member.IsBanned {
		// Muted is not a connect-time rejection; banned is.
		rejectConn(conn, "banned")
		return
	}
	identity.UserID = member.UserID
	identity.Name = member.Name

	session := h.getSession(*group)
	if session == nil {
		rejectConn(conn, "server shutting down")
		return
	}

	client := newClient(session, conn, identity, h.settings)

	h.mu.Lock()
	h.total++
	if identity.UserID != "" {
		if _, ok := h.byUser[identity.UserID]; !ok {
			h.byUser[identity.UserID] = make(map[*Client]struct{})
		}
		h.byUser[identity.UserID][client] = struct{}{}
	}
	h.mu.Unlock()

	clientCtx, clientCancel := context.WithCancel(h.runCtx)
	client.start(clientCtx, clientCancel)
	session.join(client, *member)
}

func (h *Hub) getSession(group model.Group) *GroupSession {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.runCtx == nil || h.runCtx.Err() != nil {
		return nil
	}
	if s, ok := h.sessions[group.ID]; ok {
		return s
	}
	s := newGroupSession(h, group, h.stores)
	h.sessions[group.ID] = s
	go s.run(h.runCtx)
	return s
}

// forget removes the connection from the hub-level accounting. Called by the
// group session when a connection leaves.
func (h *Hub) forget(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.byUser[c.member.UserID]; ok {
		if _, exists := clients[c]; exists {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.byUser, c.member.UserID)
			}
		}
	}
	if h.total > 0 {
		h.total--
	}
}

// RefreshGroup reloads a group record and pushes it into the live session,
// so flag changes made over REST (enable encryption) apply to subsequent
// messages without a reconnect.
func (h *Hub) RefreshGroup(ctx context.Context, groupID string) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	group, err := h.stores.Groups.GetGroup(ctx, groupID)
	if err != nil || group == nil {
		logger.Errorf("ws refresh group %s: %v", groupID, err)
		return
	}
	h.mu.RLock()
	s, ok := h.sessions[groupID]
	h.mu.RUnlock()
	if ok {
		s.refreshGroup(*group)
	}
}

// notifyMention delivers the mention side-channel: an event to every live
// connection of the mentioned account plus a push to its stored
// subscriptions.
func (h *Hub) notifyMention(ctx context.Context, userID string, payload MentionPayload) {
	h.mu.RLock()
	clients, ok := h.byUser[userID]
	targets := make([]*Client, 0, len(clients))
	if ok {
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	ev := OutgoingEvent{Type: EventMention, Payload: payload}
	for _, c := range targets {
		select {
		case c.send <- ev:
		case <-c.done:
		default:
		}
	}

	if h.notifier != nil {
		data := map[string]string{"group_id": payload.GroupID, "message_id": payload.MessageID}
		go h.notifier.Notify(context.WithoutCancel(ctx), userID, payload.ByName, "mentioned you", data)
	}
}

func rejectConn(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	conn.WriteJSON(OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: reason}})
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	conn.Close()
}
