package websocket

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier/pkg/types"
)

// FrameWriter is the write half of a WebSocket. *websocket.Conn satisfies it.
type FrameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionOptions sizes a connection's queues.
type ConnectionOptions struct {
	BufferSize   int
	InboxSize    int
	WriteTimeout time.Duration
}

// Connection is one live client session.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions;
// every outbound frame goes through writeCh and a single writer goroutine
type Connection struct {
	id           string
	ws           FrameWriter
	writeCh      chan []byte
	inbox        chan []byte
	writeTimeout time.Duration
	logger       *slog.Logger

	mu            sync.RWMutex // Protect auth fields
	userID        string
	authenticated bool

	lastActivity atomic.Int64
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps ws and starts its writer goroutine.
func NewConnection(ws FrameWriter, opts ConnectionOptions, logger *slog.Logger) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	c := &Connection{
		id:           id,
		ws:           ws,
		writeCh:      make(chan []byte, opts.BufferSize),
		inbox:        make(chan []byte, opts.InboxSize),
		writeTimeout: opts.WriteTimeout,
		logger:       logger.With("connID", id),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.Touch()

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races.
// writeCh is never closed; senders select on ctx instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", "error", err)
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the server-generated connection ID.
func (c *Connection) ID() string {
	return c.id
}

// SendRaw queues an encoded frame. A full buffer means the client is not
// reading; the connection is closed rather than stalling the emitter.
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, dropping slow consumer")
		_ = c.Close()
		return ErrSlowConsumer
	}
}

// Send encodes payload under event and queues it.
func (c *Connection) Send(event string, payload any) error {
	frame, err := types.Encode(event, payload)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.SendRaw(frame)
}

// Authenticate binds the connection to userID. Re-authenticating as the same
// user is a no-op; switching users is refused.
func (c *Connection) Authenticate(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authenticated {
		if c.userID == userID {
			return nil
		}
		return ErrAlreadyAuthenticated
	}
	c.userID = userID
	c.authenticated = true
	return nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// UserID returns the authenticated user or "".
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Logger returns the connection logger, carrying userID once authenticated.
func (c *Connection) Logger() *slog.Logger {
	if userID := c.UserID(); userID != "" {
		return c.logger.With("userID", userID)
	}
	return c.logger
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.ctx.Err() != nil
}

// Enqueue hands an inbound frame to the dispatch goroutine, blocking while
// the inbox is full. It returns false once the connection is closed.
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case c.inbox <- frame:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Inbox delivers frames in arrival order.
func (c *Connection) Inbox() <-chan []byte {
	return c.inbox
}

// ARCHITECTURAL DISCOVERY: Clean shutdown requires careful goroutine coordination
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}
