package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/groupchat/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 65536
	sendBufSize    = 256
)

// Settings tunes per-connection behavior. Zero fields fall back to the
// package defaults above; MaxConnections caps admitted connections hub-wide.
type Settings struct {
	MaxConnections int
	SendBufferSize int
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

func (s Settings) withDefaults() Settings {
	if s.MaxConnections <= 0 {
		s.MaxConnections = 10000
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = sendBufSize
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = writeWait
	}
	if s.PongTimeout <= 0 {
		s.PongTimeout = pongWait
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = maxMessageSize
	}
	return s
}

// pingPeriod keeps pings comfortably inside the pong window.
func (s Settings) pingPeriod() time.Duration {
	return (s.PongTimeout * 9) / 10
}

// bufPool pools bytes.Buffer for JSON encoding in the hot-path (writePump).
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Client represents a single admitted connection to one group.
// Lifecycle: newClient -> start(ctx, cancel) -> [readPump, writePump] -> Close -> Wait.
type Client struct {
	session *GroupSession
	conn    *websocket.Conn
	send    chan OutgoingEvent
	member  Identity
	cfg     Settings

	// done is used as a non-blocking guard when queueing outgoing events.
	done chan struct{}
	// cancel cancels the context passed to start, triggering pump shutdown.
	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

// Identity is the membership identity presented at the handshake.
type Identity struct {
	MemberID string
	UserID   string // linked account id, empty for guests
	Name     string
}

// Key returns the de-duplication key for presence: the linked account id
// when present, the membership id otherwise.
func (id Identity) Key() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.MemberID
}

func newClient(session *GroupSession, conn *websocket.Conn, member Identity, cfg Settings) *Client {
	return &Client{
		session: session,
		conn:    conn,
		send:    make(chan OutgoingEvent, cfg.SendBufferSize),
		member:  member,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// start launches readPump and writePump with controlled lifecycle.
func (c *Client) start(ctx context.Context, cancel context.CancelFunc) {
	c.cancel = cancel
	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Wait blocks until both pump goroutines have exited.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close signals the client to stop. Safe to call multiple times from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
		// Force both pumps to unblock (ReadMessage / WriteMessage will error).
		c.conn.Close()
	})
}

// readPump reads events from the connection and hands them to the group
// session's sequencing loop. Exits on read error.
func (c *Client) readPump(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		c.session.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout)); err != nil {
		logger.Errorf("ws set read deadline member=%s: %v", c.member.MemberID, err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read error member=%s: %v", c.member.MemberID, err)
			}
			return
		}

		var ev IncomingEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			logger.Errorf("ws unmarshal error member=%s: %v", c.member.MemberID, err)
			continue
		}

		c.session.dispatch(ctx, c, ev)
	}
}

// writePump writes queued events to the connection. On shutdown it drains
// whatever is already queued (so a final kicked/error event still reaches the
// peer) before sending the close frame.
func (c *Client) writePump(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			c.drain()
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("ws close message member=%s: %v", c.member.MemberID, err)
			}
			return
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				logger.Errorf("ws set write deadline member=%s: %v", c.member.MemberID, err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case ev := <-c.send:
			if !c.write(ev) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(ev OutgoingEvent) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		logger.Errorf("ws set write deadline member=%s: %v", c.member.MemberID, err)
		return false
	}
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	enc := json.NewEncoder(buf)
	if err := enc.Encode(ev); err != nil {
		bufPool.Put(buf)
		logger.Errorf("ws marshal error member=%s: %v", c.member.MemberID, err)
		return true
	}
	data := buf.Bytes()
	// json.Encoder appends '\n'; trim it for WebSocket text messages.
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}
	writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
	bufPool.Put(buf)
	return writeErr == nil
}
