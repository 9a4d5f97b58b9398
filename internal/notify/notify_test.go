package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/logging"
	"courier/pkg/types"
)

type fakeSender struct {
	mu    sync.Mutex
	got   []Job
	block chan struct{}
	err   error
}

func (s *fakeSender) SendNotification(_ context.Context, userID string, n types.Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, Job{UserID: userID, Notification: n})
	return s.err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func testNotifyConfig(workers, queue int) *config.NotifyConfig {
	cfg := *config.DefaultConfig().Notify
	cfg.Workers = workers
	cfg.QueueSize = queue
	return &cfg
}

func TestDispatcher_Lifecycle(t *testing.T) {
	d := NewDispatcher(&fakeSender{}, testNotifyConfig(2, 10), logging.Discard())

	assert.ErrorIs(t, d.Enqueue("bob", types.Notification{}), ErrNotRunning)
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyRunning)
	require.NoError(t, d.Stop())
}

func TestDispatcher_Delivers(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(sender, testNotifyConfig(2, 10), logging.Discard())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue("bob", types.Notification{Type: TypeNewMessage}))
	}
	assert.Eventually(t, func() bool { return sender.count() == 5 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_QueueFull(t *testing.T) {
	sender := &fakeSender{block: make(chan struct{})}
	d := NewDispatcher(sender, testNotifyConfig(1, 1), logging.Discard())
	require.NoError(t, d.Start(context.Background()))

	// The worker takes the first job and blocks; the second fills the queue.
	require.NoError(t, d.Enqueue("bob", types.Notification{}))
	assert.Eventually(t, func() bool { return d.QueueLength() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, d.Enqueue("bob", types.Notification{}))
	assert.ErrorIs(t, d.Enqueue("bob", types.Notification{}), ErrQueueFull)

	close(sender.block)
	require.NoError(t, d.Stop())
	assert.Equal(t, 2, sender.count(), "Stop drains queued jobs")
}

func TestDispatcher_SenderErrorDoesNotStopWorkers(t *testing.T) {
	sender := &fakeSender{err: errors.New("push service down")}
	d := NewDispatcher(sender, testNotifyConfig(1, 10), logging.Discard())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Enqueue("bob", types.Notification{}))
	require.NoError(t, d.Enqueue("carol", types.Notification{}))
	assert.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name    string
		content string
		limit   int
		want    string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 5, "hello..."},
		{"multibyte", "héllo wörld", 7, "héllo w..."},
		{"emoji", "👋👋👋", 2, "👋👋..."},
		{"no limit", "hello", 0, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.content, tt.limit))
		})
	}
}

func TestNewMessageNotification(t *testing.T) {
	msg := &types.Message{ID: "m1", ThreadID: "t1", SenderID: "alice", Content: "see you tomorrow"}
	n := NewMessageNotification(msg, 3)

	assert.Equal(t, TypeNewMessage, n.Type)
	assert.Equal(t, "see...", n.Message)
	assert.Equal(t, "t1", n.Data["conversationId"])
	assert.Equal(t, "m1", n.Data["messageId"])
}

func TestNewMessageNotification_AttachmentOnly(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		attachments []types.Attachment
		want        string
	}{
		{"named", "", []types.Attachment{{URL: "https://x/a.pdf", Name: "a.pdf"}}, "Sent a.pdf"},
		{"unnamed", "  ", []types.Attachment{{URL: "https://x/a"}}, "Sent an attachment"},
		{"several", "", []types.Attachment{{URL: "https://x/a"}, {URL: "https://x/b"}}, "Sent 2 attachments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &types.Message{ID: "m1", ThreadID: "t1", Content: tt.content, Attachments: tt.attachments}
			n := NewMessageNotification(msg, 100)
			assert.Equal(t, tt.want, n.Message)
		})
	}
}

func TestWebhookSender(t *testing.T) {
	var got webhookBody
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s := NewWebhookSender(server.URL, time.Second)
	require.NoError(t, s.SendNotification(context.Background(), "bob", types.Notification{Type: TypeNewMessage, Title: "hi"}))
	assert.Equal(t, "bob", got.UserID)
	assert.Equal(t, "hi", got.Notification.Title)
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhookSender(server.URL, time.Second).SendNotification(context.Background(), "bob", types.Notification{})
	assert.ErrorContains(t, err, "502")
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, NewLogSender(logging.Discard()).SendNotification(context.Background(), "bob", types.Notification{}))
}
