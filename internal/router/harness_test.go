package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/fanout"
	"courier/internal/logging"
	"courier/internal/presence"
	"courier/internal/rooms"
	"courier/internal/websocket"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// captureWriter records every frame written to a connection.
type captureWriter struct {
	mu     sync.Mutex
	frames []types.Envelope
}

func (w *captureWriter) SetWriteDeadline(time.Time) error { return nil }
func (w *captureWriter) Close() error                     { return nil }

func (w *captureWriter) WriteMessage(_ int, data []byte) error {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, env)
	return nil
}

func (w *captureWriter) named(event string) []types.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []types.Envelope
	for _, f := range w.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type client struct {
	conn *websocket.Connection
	w    *captureWriter
}

// waitFor blocks until n frames of event arrived and returns them.
func (c *client) waitFor(t *testing.T, event string, n int) []types.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.w.named(event)) >= n }, 2*time.Second, 2*time.Millisecond,
		"waiting for %d %s", n, event)
	return c.w.named(event)
}

// exactly waits for n frames of event and checks no more follow.
func (c *client) exactly(t *testing.T, event string, n int) []types.Envelope {
	t.Helper()
	if n > 0 {
		c.waitFor(t, event, n)
	}
	time.Sleep(20 * time.Millisecond)
	got := c.w.named(event)
	require.Len(t, got, n, "frames of %s", event)
	return got
}

func (c *client) errorPayload(t *testing.T, event string) types.ErrorPayload {
	t.Helper()
	frames := c.waitFor(t, event, 1)
	var p types.ErrorPayload
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &p))
	return p
}

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (string, error) {
	if userID, ok := strings.CutPrefix(token, "valid:"); ok {
		return userID, nil
	}
	return "", errors.New("bad token")
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]types.Notification
}

func (n *fakeNotifier) Enqueue(userID string, notification types.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]types.Notification)
	}
	n.sent[userID] = append(n.sent[userID], notification)
	return nil
}

func (n *fakeNotifier) notificationsFor(userID string) []types.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[userID]
}

var _ Store = (*fakeStore)(nil)

type stateKey struct{ thread, user string }

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	threads   map[string]*types.Thread
	messages  map[string]*types.Message
	states    map[stateKey]*types.ParticipantState
	reactions map[string][]types.Reaction
	sendCalls int
	sendErr   error
	seq       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:   make(map[string]*types.Thread),
		messages:  make(map[string]*types.Message),
		states:    make(map[stateKey]*types.ParticipantState),
		reactions: make(map[string][]types.Reaction),
	}
}

func (s *fakeStore) addThread(id string, participants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[id] = &types.Thread{ID: id, ParticipantIDs: participants}
	for _, p := range participants {
		s.states[stateKey{id, p}] = &types.ParticipantState{ThreadID: id, UserID: p}
	}
}

func (s *fakeStore) CreateThread(_ context.Context, subject string, participantIDs []string) (*types.Thread, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("t%d", s.seq)
	s.mu.Unlock()
	s.addThread(id, participantIDs...)
	return &types.Thread{ID: id, Subject: subject, ParticipantIDs: participantIDs}, nil
}

func (s *fakeStore) GetThread(_ context.Context, id string) (*types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *fakeStore) SendMessage(_ context.Context, nm *types.NewMessage) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.seq++
	msg := &types.Message{
		ID:          fmt.Sprintf("m%d", s.seq),
		ThreadID:    nm.ThreadID,
		SenderID:    nm.SenderID,
		Content:     nm.Content,
		Attachments: nm.Attachments,
		CreatedAt:   time.Now(),
	}
	s.messages[msg.ID] = msg
	for _, r := range nm.RecipientIDs {
		if st, ok := s.states[stateKey{nm.ThreadID, r}]; ok {
			st.UnreadCount++
		}
	}
	return msg, nil
}

func (s *fakeStore) MarkMessageAsRead(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return interfaces.ErrNotFound
	}
	if st, ok := s.states[stateKey{m.ThreadID, userID}]; ok && st.UnreadCount > 0 && m.SenderID != userID {
		st.UnreadCount--
	}
	return nil
}

func (s *fakeStore) MarkThreadAsRead(_ context.Context, threadID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey{threadID, userID}]
	if !ok {
		return interfaces.ErrNotFound
	}
	st.UnreadCount = 0
	return nil
}

func (s *fakeStore) AddReaction(_ context.Context, messageID, userID, emoji string) ([]types.Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[messageID]; !ok {
		return nil, interfaces.ErrNotFound
	}
	r := types.Reaction{UserID: userID, Emoji: emoji, CreatedAt: time.Now()}
	if !slices.ContainsFunc(s.reactions[messageID], func(x types.Reaction) bool { return x.UserID == userID && x.Emoji == emoji }) {
		s.reactions[messageID] = append(s.reactions[messageID], r)
	}
	return slices.Clone(s.reactions[messageID]), nil
}

func (s *fakeStore) GetParticipantState(_ context.Context, threadID, userID string) (*types.ParticipantState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey{threadID, userID}]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	c := *st
	return &c, nil
}

func (s *fakeStore) UpdateParticipantState(ctx context.Context, threadID, userID string, patch types.ParticipantStatePatch) (*types.ParticipantState, error) {
	s.mu.Lock()
	st, ok := s.states[stateKey{threadID, userID}]
	if ok {
		if patch.Pinned != nil {
			st.Pinned = *patch.Pinned
		}
		if patch.Archived != nil {
			st.Archived = *patch.Archived
		}
		if patch.ResetUnread {
			st.UnreadCount = 0
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return s.GetParticipantState(ctx, threadID, userID)
}

func (s *fakeStore) sends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

type harness struct {
	router   *Router
	registry *websocket.Registry
	rooms    *rooms.Multiplexer
	presence *presence.Service
	store    *fakeStore
	notifier *fakeNotifier
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := logging.Discard()
	registry := websocket.NewRegistry()
	mux := rooms.NewMultiplexer(logger)
	adapter := fanout.NewLocalAdapter(mux)
	return newHarnessWith(t, opts, registry, mux, adapter, presence.NewMemoryStore(), "node-1")
}

func newHarnessWith(t *testing.T, opts Options, registry *websocket.Registry, mux *rooms.Multiplexer,
	adapter fanout.Adapter, store presence.Store, nodeID string) *harness {
	t.Helper()
	logger := logging.Discard()
	pres := presence.NewService(store, registry, adapter, presence.Options{
		NodeID:     nodeID,
		StaleAfter: time.Minute,
		Logger:     logger,
	})
	if opts.TypingTimeout == 0 {
		opts.TypingTimeout = time.Minute
	}
	if opts.PreviewLength == 0 {
		opts.PreviewLength = 100
	}

	h := &harness{
		registry: registry,
		rooms:    mux,
		presence: pres,
		store:    newFakeStore(),
		notifier: &fakeNotifier{},
	}
	h.router = New(Dependencies{
		Registry: registry,
		Rooms:    mux,
		Fanout:   adapter,
		Presence: pres,
		Store:    h.store,
		Auth:     fakeAuth{},
		Notifier: h.notifier,
		Logger:   logger,
	}, opts)
	t.Cleanup(h.router.Close)
	return h
}

// open creates a connection that has not authenticated.
func (h *harness) open(t *testing.T) *client {
	t.Helper()
	w := &captureWriter{}
	conn := websocket.NewConnection(w, websocket.ConnectionOptions{}, logging.Discard())
	h.registry.Add(conn)
	t.Cleanup(func() { _ = conn.Close() })
	h.router.Connect(context.Background(), conn, "")
	return &client{conn: conn, w: w}
}

// login opens a connection authenticated through the handshake path.
func (h *harness) login(t *testing.T, userID string) *client {
	t.Helper()
	c := h.open(t)
	h.router.Connect(context.Background(), c.conn, "valid:"+userID)
	c.waitFor(t, types.EventAuthSuccess, 1)
	return c
}

func (h *harness) send(c *client, event string, payload any) {
	frame, err := types.Encode(event, payload)
	if err != nil {
		panic(err)
	}
	h.router.Handle(context.Background(), c.conn, frame)
}

func (h *harness) close(c *client) {
	_ = c.conn.Close()
	h.router.Disconnect(c.conn)
}

func decodeData[T any](t *testing.T, env types.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}
