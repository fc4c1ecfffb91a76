package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/ws"
)

// State is the channel lifecycle. Kicked and explicit Close land in
// StateClosed, which is terminal; a dropped Active connection goes through
// StateReconnecting instead.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAdmitted
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAdmitted:
		return "admitted"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrNotActive rejects sends while the channel is not live. There is no
	// offline queue; the caller surfaces the failure.
	ErrNotActive = errors.New("client: channel is not active")
	ErrClosed    = errors.New("client: channel is closed")
)

// Frame is one server event with its payload still raw; the consumer decodes
// per type.
type Frame struct {
	Type    ws.EventType
	Payload json.RawMessage
}

const (
	sendTimeout    = 10 * time.Second
	idleWait       = 60 * time.Second
	typingDebounce = time.Second
	minBackoff     = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	frameBufSize   = 256
)

// ChannelConfig carries everything needed to dial one group's realtime
// endpoint. MemberID must already be resolved (the member of record);
// connecting with an unknown identity is rejected by the server.
type ChannelConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/api/v1/ws.
	URL      string
	GroupID  string
	MemberID string
	// Header carries the session cookie.
	Header http.Header
	Dialer *websocket.Dialer
	// OnState observes transitions; called synchronously, must not block.
	OnState func(State)
}

// Channel is the client half of the realtime connection: dial, admission,
// auto-reconnect with backoff, and the send/receive surface. One Channel per
// joined group.
type Channel struct {
	cfg    ChannelConfig
	frames chan Frame

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	lastErr    string
	lastTyping time.Time

	cancel    context.CancelFunc
	runDone   chan struct{}
	closeOnce sync.Once
}

func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		cfg:     cfg,
		frames:  make(chan Frame, frameBufSize),
		state:   StateDisconnected,
		runDone: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the most recent server error message (admission
// rejections, action-level errors).
func (c *Channel) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Frames is the stream of server events. Closed when the channel reaches
// StateClosed.
func (c *Channel) Frames() <-chan Frame {
	return c.frames
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	cb := c.cfg.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (c *Channel) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("client: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room", c.cfg.GroupID)
	q.Set("member", c.cfg.MemberID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials and blocks until admission or failure, then keeps the
// connection alive in the background. A drop from Active reconnects with
// backoff; a kicked event or Close is final.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.New("client: already connected")
	}
	c.state = StateConnecting
	cb := c.cfg.OnState
	c.mu.Unlock()
	if cb != nil {
		cb(StateConnecting)
	}

	endpoint, err := c.endpoint()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, endpoint, c.cfg.Header)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("client: dial: %w", err)
	}
	c.admitted(conn)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(runCtx, endpoint)
	return nil
}

// admitted installs a freshly dialed connection and re-requests presence; the
// server replies with activeUsers, which flips the channel to Active.
func (c *Channel) admitted(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(idleWait))
	// Server pings are the liveness signal on an otherwise quiet group.
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idleWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(sendTimeout))
	})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateAdmitted)
	if err := c.write(conn, ws.IncomingEvent{Type: ws.EventGetUsers}); err != nil {
		logger.Errorf("client: presence request: %v", err)
	}
}

func (c *Channel) run(ctx context.Context, endpoint string) {
	defer close(c.runDone)
	defer close(c.frames)

	for {
		reachedActive := c.readLoop(ctx)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		if c.State() == StateClosed || ctx.Err() != nil {
			return
		}
		// A drop before ever reaching Active on this connection means the
		// server rejected the admission (banned, unknown member); retrying
		// would loop on the same rejection.
		if !reachedActive {
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			c.close(conn)
			return
		}
		c.setState(StateReconnecting)
		if !c.redial(ctx, endpoint) {
			return
		}
	}
}

// readLoop consumes frames until the connection dies. Reports whether the
// channel reached Active on this connection.
func (c *Channel) readLoop(ctx context.Context) (reachedActive bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return reachedActive
		}
		conn.SetReadDeadline(time.Now().Add(idleWait))

		switch frame.Type {
		case ws.EventActiveUsers:
			if c.State() == StateAdmitted {
				c.setState(StateActive)
			}
			if c.State() == StateActive {
				reachedActive = true
			}
		case ws.EventError:
			var p ws.ErrorPayload
			if err := json.Unmarshal(frame.Payload, &p); err == nil {
				c.mu.Lock()
				c.lastErr = p.Message
				c.mu.Unlock()
			}
		case ws.EventKicked:
			c.deliver(ctx, frame)
			c.close(conn)
			return reachedActive
		}

		c.deliver(ctx, frame)
	}
}

func (c *Channel) deliver(ctx context.Context, frame Frame) {
	select {
	case c.frames <- frame:
	case <-ctx.Done():
	}
}

// redial reconnects with exponential backoff. Returns false when the channel
// was closed or the context ended while waiting.
func (c *Channel) redial(ctx context.Context, endpoint string) bool {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if c.State() == StateClosed {
			return false
		}
		conn, _, err := c.cfg.Dialer.DialContext(ctx, endpoint, c.cfg.Header)
		if err == nil {
			c.admitted(conn)
			return true
		}
		logger.Errorf("client: redial group=%s: %v", c.cfg.GroupID, err)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Channel) write(conn *websocket.Conn, ev ws.IncomingEvent) error {
	conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return conn.WriteJSON(ev)
}

// Send delivers one event to the server. Rejected locally unless the channel
// is Active; there is no offline queue.
func (c *Channel) Send(ev ws.IncomingEvent) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateActive || c.conn == nil {
		c.mu.Unlock()
		return ErrNotActive
	}
	conn := c.conn
	c.mu.Unlock()
	if err := c.write(conn, ev); err != nil {
		return fmt.Errorf("client: send %s: %w", ev.Type, err)
	}
	return nil
}

// Typing emits a typing event, debounced so holding a key down does not spam
// the group. StopTyping resets the debounce window.
func (c *Channel) Typing() error {
	c.mu.Lock()
	if time.Since(c.lastTyping) < typingDebounce {
		c.mu.Unlock()
		return nil
	}
	c.lastTyping = time.Now()
	c.mu.Unlock()
	return c.Send(ws.IncomingEvent{Type: ws.EventTyping})
}

func (c *Channel) StopTyping() error {
	c.mu.Lock()
	c.lastTyping = time.Time{}
	c.mu.Unlock()
	return c.Send(ws.IncomingEvent{Type: ws.EventStopTyping})
}

// Close ends the channel from any state. Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	c.close(conn)
}

func (c *Channel) close(conn *websocket.Conn) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		cancel := c.cancel
		cb := c.cfg.OnState
		c.mu.Unlock()
		if cb != nil {
			cb(StateClosed)
		}
		if conn != nil {
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
}
