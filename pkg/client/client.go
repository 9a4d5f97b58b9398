// Package client is a Go client for the courier WebSocket protocol. It keeps
// a reconcile.Store of thread state up to date from server events and applies
// the user's own actions optimistically.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"courier/pkg/reconcile"
	"courier/pkg/types"
)

var (
	ErrClosed     = errors.New("client closed")
	ErrAuthFailed = errors.New("authentication failed")
)

// Options configures a Client.
type Options struct {
	// Token is sent as a bearer header during the handshake. Empty leaves
	// the connection unauthenticated until Authenticate is called.
	Token string
	// EventBuffer bounds undelivered events; when full the oldest event is
	// dropped.
	EventBuffer int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// OnThreadChange observes reconciled thread state changes.
	OnThreadChange func(reconcile.ThreadState)
	Logger         *slog.Logger
}

// Client is one WebSocket connection to a courier server.
type Client struct {
	ws     *websocket.Conn
	opts   Options
	logger *slog.Logger
	state  *reconcile.Store

	writeMu sync.Mutex

	mu     sync.Mutex
	userID string
	connID string
	authCh chan error

	events    chan types.Envelope
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to url (ws:// or wss://). With a token it waits for the
// handshake authentication result.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:     ws,
		opts:   opts,
		logger: logger.With("component", "courier-client"),
		state:  reconcile.New(reconcile.Options{OnChange: opts.OnThreadChange}),
		authCh: make(chan error, 1),
		events: make(chan types.Envelope, opts.EventBuffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()

	if opts.Token != "" {
		if err := c.waitAuth(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Authenticate sends an auth event and waits for the result.
func (c *Client) Authenticate(ctx context.Context, token string) error {
	if err := c.Send(types.EventAuth, types.AuthPayload{Token: token}); err != nil {
		return err
	}
	return c.waitAuth(ctx)
}

func (c *Client) waitAuth(ctx context.Context) error {
	select {
	case err := <-c.authCh:
		return err
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserID returns the authenticated user or "".
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ConnectionID returns the server-assigned connection ID after auth.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// State returns the reconciled thread state.
func (c *Client) State() *reconcile.Store {
	return c.state
}

// Events delivers every inbound event in arrival order. The channel closes
// when the connection ends.
func (c *Client) Events() <-chan types.Envelope {
	return c.events
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.err == nil {
			return ErrClosed
		}
		return c.err
	default:
		return nil
	}
}

// Send writes one event.
func (c *Client) Send(event string, payload any) error {
	frame, err := types.Encode(event, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Join subscribes this connection to room.
func (c *Client) Join(room string) error {
	return c.Send(types.EventJoin, types.RoomPayload{Room: room})
}

// Leave unsubscribes this connection from room.
func (c *Client) Leave(room string) error {
	return c.Send(types.EventLeave, types.RoomPayload{Room: room})
}

// SendMessage posts content to a conversation and returns the client message
// ID that the message:sent ack will echo.
func (c *Client) SendMessage(conversationID, content string, attachments ...types.Attachment) (string, error) {
	clientMessageID := uuid.NewString()
	err := c.Send(types.EventMessageSend, types.MessageSendPayload{
		ConversationID:  conversationID,
		Content:         content,
		Attachments:     attachments,
		ClientMessageID: clientMessageID,
	})
	return clientMessageID, err
}

func (c *Client) StartTyping(conversationID string) error {
	return c.Send(types.EventTypingStart, types.TypingPayload{ConversationID: conversationID})
}

func (c *Client) StopTyping(conversationID string) error {
	return c.Send(types.EventTypingStop, types.TypingPayload{ConversationID: conversationID})
}

// MarkThreadRead zeroes the unread counter optimistically and tells the
// server; the thread:updated reply settles the op.
func (c *Client) MarkThreadRead(conversationID string) error {
	op := c.state.Apply(reconcile.MarkRead(conversationID))
	if err := c.Send(types.EventThreadRead, types.ThreadReadPayload{ConversationID: conversationID}); err != nil {
		c.state.Reject(op.ID)
		return err
	}
	return nil
}

func (c *Client) MarkMessageRead(messageID string) error {
	return c.Send(types.EventMessageRead, types.MessageReadPayload{MessageID: messageID})
}

func (c *Client) React(messageID, emoji string) error {
	return c.Send(types.EventReactionSend, types.ReactionSendPayload{MessageID: messageID, Emoji: emoji})
}

// Heartbeat refreshes this user's presence.
func (c *Client) Heartbeat() error {
	return c.Send(types.EventPresenceUpdate, struct{}{})
}

func (c *Client) SyncPresence(userIDs ...string) error {
	return c.Send(types.EventPresenceSync, types.PresenceSyncPayload{UserIDs: userIDs})
}

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		_ = c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			c.mu.Unlock()
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.observe(env)
		c.deliver(env)
	}
}

// observe updates client state from an inbound event.
func (c *Client) observe(env types.Envelope) {
	switch env.Event {
	case types.EventAuthSuccess:
		var p types.AuthSuccessPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.mu.Lock()
			c.userID, c.connID = p.UserID, p.ConnectionID
			c.mu.Unlock()
		}
		c.signalAuth(nil)

	case types.EventAuthError:
		var p types.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		c.signalAuth(fmt.Errorf("%w: %s", ErrAuthFailed, p.Message))

	case types.EventThreadUpdated:
		var p types.ThreadUpdatedPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.state.Snapshot(reconcile.FromPayload(p))
		}

	case types.EventMessageReceived:
		var p types.MessageReceivedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Message == nil {
			return
		}
		// Our own messages from other tabs never count as unread.
		if p.Message.SenderID != c.UserID() {
			c.state.Apply(reconcile.IncrementUnread(p.Message.ThreadID, 1))
		}
	}
}

func (c *Client) signalAuth(err error) {
	select {
	case c.authCh <- err:
	default:
	}
}

// deliver never blocks the read loop: a full buffer drops its oldest event.
func (c *Client) deliver(env types.Envelope) {
	for {
		select {
		case c.events <- env:
			return
		default:
		}
		select {
		case dropped := <-c.events:
			c.logger.Warn("event buffer full, dropping oldest", "event", dropped.Event)
		default:
		}
	}
}
