package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
)

const storeTimeout = 5 * time.Second

type cmdKind int

const (
	cmdJoin cmdKind = iota
	cmdLeave
	cmdEvent
	cmdRefreshGroup
)

type command struct {
	kind   cmdKind
	client *Client
	member model.Member // join
	group  model.Group  // refreshGroup
	ev     IncomingEvent
}

// GroupSession is the authoritative live state for one group: the presence
// registry and the fan-out point. All commands for a group pass through one
// goroutine (run), which is the single server-side sequencing point — events
// are validated and broadcast strictly in arrival order. Fan-out is
// at-most-once; connections that are reconnecting at broadcast time miss the
// event and heal via a full refetch.
type GroupSession struct {
	group  model.Group
	hub    *Hub
	stores Stores

	cmds   chan command
	closed chan struct{}

	// presence is owned exclusively by run; no other goroutine touches it.
	presence map[*Client]model.Member
}

func newGroupSession(hub *Hub, group model.Group, stores Stores) *GroupSession {
	return &GroupSession{
		group:    group,
		hub:      hub,
		stores:   stores,
		cmds:     make(chan command, 64),
		closed:   make(chan struct{}),
		presence: make(map[*Client]model.Member),
	}
}

func (s *GroupSession) run(ctx context.Context) {
	defer close(s.closed)
	for {
		select {
		case <-ctx.Done():
			for c := range s.presence {
				c.Close()
			}
			s.presence = make(map[*Client]model.Member)
			return
		case cmd := <-s.cmds:
			s.handle(ctx, cmd)
		}
	}
}

func (s *GroupSession) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdJoin:
		s.handleJoin(cmd.client, cmd.member)
	case cmdLeave:
		s.handleLeave(cmd.client)
	case cmdRefreshGroup:
		s.group = cmd.group
	case cmdEvent:
		s.handleEvent(ctx, cmd.client, cmd.ev)
	}
}

func (s *GroupSession) handleEvent(ctx context.Context, c *Client, ev IncomingEvent) {
	switch ev.Type {
	case EventGetUsers:
		s.sendToClient(c, OutgoingEvent{Type: EventActiveUsers, Payload: PresencePayload{Members: s.activeMembers()}})
	case EventMessage:
		s.handleMessage(ctx, c, ev)
	case EventTyping, EventStopTyping:
		s.handleTyping(c, ev.Type)
	case EventEditMessage:
		s.handleEditMessage(ctx, c, ev)
	case EventDeleteMessage:
		s.handleDeleteMessage(ctx, c, ev)
	case EventAddReaction, EventRemoveReaction:
		s.handleReaction(ctx, c, ev)
	case EventMarkAsRead:
		s.handleMarkAsRead(ctx, c, ev)
	case EventPinMessage, EventUnpinMessage:
		s.handlePin(ctx, c, ev)
	case EventMentionUser:
		s.handleMention(ctx, c, ev)
	case EventKickUser:
		s.handleKickUser(ctx, c, ev)
	default:
		s.sendError(c, "unknown event type")
	}
}

// join / leave / dispatch are called from connection goroutines and forward
// into the sequencing loop.

func (s *GroupSession) join(c *Client, m model.Member) {
	select {
	case s.cmds <- command{kind: cmdJoin, client: c, member: m}:
	case <-s.closed:
		c.Close()
	}
}

func (s *GroupSession) leave(c *Client) {
	select {
	case s.cmds <- command{kind: cmdLeave, client: c}:
	case <-s.closed:
	}
}

func (s *GroupSession) dispatch(ctx context.Context, c *Client, ev IncomingEvent) {
	select {
	case s.cmds <- command{kind: cmdEvent, client: c, ev: ev}:
	case <-s.closed:
	case <-ctx.Done():
	}
}

func (s *GroupSession) refreshGroup(g model.Group) {
	select {
	case s.cmds <- command{kind: cmdRefreshGroup, group: g}:
	case <-s.closed:
	}
}

func (s *GroupSession) handleJoin(c *Client, m model.Member) {
	known := s.identityPresent(c.member.Key())
	s.presence[c] = m
	if !known {
		s.broadcast(c, OutgoingEvent{Type: EventUserJoined, Payload: MemberPayload{Member: m}})
	}
}

// handleLeave drops presence immediately — no grace window, so a transport
// blip flickers the member's online status. That tradeoff is intentional.
func (s *GroupSession) handleLeave(c *Client) {
	m, ok := s.presence[c]
	if !ok {
		return
	}
	delete(s.presence, c)
	s.hub.forget(c)
	c.Close()
	if !s.identityPresent(c.member.Key()) {
		s.broadcast(nil, OutgoingEvent{Type: EventUserLeft, Payload: MemberLeftPayload{Identity: m.Identity(), Name: m.Name}})
	}
}

func (s *GroupSession) identityPresent(key string) bool {
	for c := range s.presence {
		if c.member.Key() == key {
			return true
		}
	}
	return false
}

// activeMembers returns the presence snapshot de-duplicated by identity
// (linked account id preferred, membership id as fallback).
func (s *GroupSession) activeMembers() []model.Member {
	seen := make(map[string]struct{}, len(s.presence))
	out := make([]model.Member, 0, len(s.presence))
	for c, m := range s.presence {
		key := c.member.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// freshMember re-reads the sender's membership so moderation flags applied
// since admission (mute, ban) are enforced on the next action.
func (s *GroupSession) freshMember(ctx context.Context, c *Client) *model.Member {
	if _, ok := s.presence[c]; !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	m, err := s.stores.Groups.GetMember(ctx, s.group.ID, c.member.MemberID)
	if err != nil {
		logger.Errorf("ws get member group=%s member=%s: %v", s.group.ID, c.member.MemberID, err)
		s.sendError(c, "internal error")
		return nil
	}
	if m == nil {
		s.sendError(c, "not a member")
		return nil
	}
	s.presence[c] = *m
	return m
}

func (s *GroupSession) handleMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleMessage", time.Now())()
	if ev.Body == "" && ev.File == nil {
		s.sendError(c, "body or file required")
		return
	}

	sender := s.freshMember(ctx, c)
	if sender == nil {
		return
	}
	if sender.IsBanned {
		s.sendError(c, "banned")
		return
	}
	// Muted members stay connected but cannot send; nothing is persisted or
	// broadcast for them.
	if sender.IsMuted {
		s.sendError(c, "muted")
		return
	}

	id := ev.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	var body *string
	if ev.Body != "" {
		b := ev.Body
		body = &b
	}
	var parent *string
	if ev.ParentID != "" {
		p := ev.ParentID
		parent = &p
	}
	m := &model.Message{
		ID:            id,
		GroupID:       s.group.ID,
		SenderID:      sender.ID,
		SenderName:    sender.Name,
		Body:          body,
		IsEncrypted:   s.group.IsEncrypted,
		File:          ev.File,
		ParentID:      parent,
		ForwardedFrom: ev.ForwardedFrom,
		CreatedAt:     time.Now().UTC(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.stores.Messages.CreateMessage(storeCtx, m); err != nil {
		logger.Errorf("ws save message group=%s member=%s: %v", s.group.ID, sender.ID, err)
		s.sendError(c, "failed to save message")
		return
	}

	// The sender already has the message via its optimistic local insert;
	// fan out to all other admitted connections only.
	s.broadcast(c, OutgoingEvent{Type: EventMessage, Payload: m})
}

func (s *GroupSession) handleTyping(c *Client, typ EventType) {
	m, ok := s.presence[c]
	if !ok {
		return
	}
	// Ephemeral: no persistence, emission rate is governed by a client-side
	// debounce, not a server guarantee.
	s.broadcast(c, OutgoingEvent{Type: typ, Payload: TypingPayload{GroupID: s.group.ID, SenderID: m.ID, Name: m.Name}})
}

func (s *GroupSession) handleEditMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleEditMessage", time.Now())()
	if ev.MessageID == "" || ev.Body == "" {
		s.sendError(c, "message_id and body required")
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	original, err := s.getMessage(storeCtx, c, ev.MessageID)
	if original == nil || err != nil {
		return
	}
	if original.SenderID != c.member.MemberID {
		s.sendError(c, "can only edit own messages")
		return
	}

	now := time.Now().UTC()
	if err := s.stores.Messages.UpdateBody(storeCtx, ev.MessageID, ev.Body, now); err != nil {
		logger.Errorf("ws edit message %s: %v", ev.MessageID, err)
		s.sendError(c, "failed to edit")
		return
	}

	s.broadcast(nil, OutgoingEvent{Type: EventEditMessage, Payload: MessageEditedPayload{
		MessageID: ev.MessageID,
		GroupID:   s.group.ID,
		Body:      ev.Body,
		EditedAt:  now,
	}})
}

func (s *GroupSession) handleDeleteMessage(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	if ev.MessageID == "" {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	original, err := s.getMessage(storeCtx, c, ev.MessageID)
	if original == nil || err != nil {
		return
	}
	if original.SenderID != c.member.MemberID {
		actor := s.freshMember(ctx, c)
		if actor == nil {
			return
		}
		if !actor.CanModerate() {
			s.sendError(c, "can only delete own messages")
			return
		}
	}

	now := time.Now().UTC()
	if err := s.stores.Messages.SoftDelete(storeCtx, ev.MessageID, now); err != nil {
		logger.Errorf("ws delete message %s: %v", ev.MessageID, err)
		return
	}

	s.broadcast(nil, OutgoingEvent{Type: EventDeleteMessage, Payload: MessageDeletedPayload{
		MessageID: ev.MessageID,
		GroupID:   s.group.ID,
		DeletedAt: now,
	}})
}

func (s *GroupSession) handleReaction(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.MessageID == "" || ev.Emoji == "" {
		return
	}
	m, ok := s.presence[c]
	if !ok {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	original, err := s.getMessage(storeCtx, c, ev.MessageID)
	if original == nil || err != nil {
		return
	}

	if ev.Type == EventAddReaction {
		err = s.stores.Reactions.AddReaction(storeCtx, ev.MessageID, m.Name, ev.Emoji)
	} else {
		err = s.stores.Reactions.RemoveReaction(storeCtx, ev.MessageID, m.Name, ev.Emoji)
	}
	if err != nil {
		logger.Errorf("ws reaction %s message=%s: %v", ev.Type, ev.MessageID, err)
		return
	}

	s.broadcast(nil, OutgoingEvent{Type: ev.Type, Payload: ReactionPayload{
		MessageID: ev.MessageID,
		GroupID:   s.group.ID,
		UserName:  m.Name,
		Emoji:     ev.Emoji,
	}})
}

func (s *GroupSession) handleMarkAsRead(ctx context.Context, c *Client, ev IncomingEvent) {
	if len(ev.MessageIDs) == 0 {
		return
	}
	m, ok := s.presence[c]
	if !ok {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := s.stores.Messages.MarkRead(storeCtx, ev.MessageIDs, m.Identity(), now); err != nil {
		logger.Errorf("ws mark read group=%s member=%s: %v", s.group.ID, m.ID, err)
		return
	}

	// One read_at timestamp for the whole batch; re-marks are idempotent.
	s.broadcast(c, OutgoingEvent{Type: EventMessagesRead, Payload: MessagesReadPayload{
		MessageIDs: ev.MessageIDs,
		ReaderID:   m.Identity(),
		ReadAt:     now,
	}})
}

func (s *GroupSession) handlePin(ctx context.Context, c *Client, ev IncomingEvent) {
	if ev.MessageID == "" {
		return
	}
	m, ok := s.presence[c]
	if !ok {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	var err error
	if ev.Type == EventPinMessage {
		err = s.stores.Pins.Pin(storeCtx, s.group.ID, ev.MessageID, m.Name)
	} else {
		err = s.stores.Pins.Unpin(storeCtx, s.group.ID, ev.MessageID)
	}
	if err != nil {
		logger.Errorf("ws %s message=%s: %v", ev.Type, ev.MessageID, err)
		return
	}

	s.broadcast(nil, OutgoingEvent{Type: ev.Type, Payload: PinPayload{
		MessageID: ev.MessageID,
		GroupID:   s.group.ID,
		PinnedBy:  m.Name,
	}})
}

func (s *GroupSession) handleMention(ctx context.Context, c *Client, ev IncomingEvent) {
	if len(ev.MentionedIDs) == 0 || ev.MessageID == "" {
		return
	}
	m, ok := s.presence[c]
	if !ok {
		return
	}
	payload := MentionPayload{GroupID: s.group.ID, MessageID: ev.MessageID, ByName: m.Name}
	for _, userID := range ev.MentionedIDs {
		if userID == m.Identity() {
			continue
		}
		s.hub.notifyMention(ctx, userID, payload)
	}
}

func (s *GroupSession) handleKickUser(ctx context.Context, c *Client, ev IncomingEvent) {
	defer logger.DeferLogDuration("ws.handleKickUser", time.Now())()
	if ev.TargetID == "" {
		return
	}

	// Authorization is checked server-side against the stored record, never
	// the client payload.
	actor := s.freshMember(ctx, c)
	if actor == nil {
		return
	}
	if !actor.CanModerate() {
		s.sendError(c, "not allowed")
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	target, err := s.stores.Groups.GetMember(storeCtx, s.group.ID, ev.TargetID)
	if err != nil {
		logger.Errorf("ws kick get member group=%s target=%s: %v", s.group.ID, ev.TargetID, err)
		s.sendError(c, "internal error")
		return
	}
	if target == nil {
		s.sendError(c, "target is not a member")
		return
	}
	if target.IsOwner {
		s.sendError(c, "cannot kick the owner")
		return
	}

	if err := s.stores.Groups.RemoveMember(storeCtx, s.group.ID, target.ID); err != nil {
		logger.Errorf("ws kick remove member group=%s target=%s: %v", s.group.ID, target.ID, err)
		s.sendError(c, "internal error")
		return
	}

	// Deliver kicked only to the removed member's connections, then force
	// them closed; the client must treat it as terminal.
	targetKey := target.Identity()
	kicked := OutgoingEvent{Type: EventKicked, Payload: KickedPayload{GroupID: s.group.ID, Reason: ev.Reason}}
	for tc := range s.presence {
		if tc.member.Key() != targetKey {
			continue
		}
		delete(s.presence, tc)
		s.hub.forget(tc)
		s.sendToClient(tc, kicked)
		tc.Close()
	}
	s.broadcast(nil, OutgoingEvent{Type: EventUserLeft, Payload: MemberLeftPayload{Identity: targetKey, Name: target.Name}})
}

func (s *GroupSession) getMessage(ctx context.Context, c *Client, id string) (*model.Message, error) {
	m, err := s.stores.Messages.GetMessage(ctx, id)
	if err != nil {
		logger.Errorf("ws get message %s: %v", id, err)
		s.sendError(c, "internal error")
		return nil, err
	}
	if m == nil || m.GroupID != s.group.ID {
		s.sendError(c, "message not found")
		return nil, nil
	}
	return m, nil
}

// broadcast sends to every admitted connection except skip (nil = everyone).
func (s *GroupSession) broadcast(skip *Client, ev OutgoingEvent) {
	for c := range s.presence {
		if c == skip {
			continue
		}
		s.sendToClient(c, ev)
	}
}

func (s *GroupSession) sendToClient(c *Client, ev OutgoingEvent) {
	select {
	case c.send <- ev:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client member=%s", c.member.MemberID)
		c.Close()
	}
}

func (s *GroupSession) sendError(c *Client, msg string) {
	s.sendToClient(c, OutgoingEvent{Type: EventError, Payload: ErrorPayload{Message: msg}})
}
