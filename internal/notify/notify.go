// Package notify delivers out-of-band notifications to users who are not
// connected, through an external sender.
package notify

import (
	"context"
	"log/slog"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"courier/internal/config"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// Notification types
const (
	TypeNewMessage = "new_message"
)

// Job is one queued notification.
type Job struct {
	UserID       string
	Notification types.Notification
}

// Dispatcher queues notifications and sends them from a fixed worker pool
// so a slow sender never stalls event handling.
// ARCHITECTURAL DISCOVERY: Buffered queue plus non-blocking Enqueue keeps the
// router's latency independent of the notification backend
type Dispatcher struct {
	sender  interfaces.NotificationSender
	queue   chan Job
	workers int
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	sent   metric.Int64Counter
	failed metric.Int64Counter
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(sender interfaces.NotificationSender, cfg *config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("courier/notify")
	sent, _ := meter.Int64Counter("notifications_sent_total",
		metric.WithDescription("Notifications handed to the sender"))
	failed, _ := meter.Int64Counter("notifications_failed_total",
		metric.WithDescription("Notifications the sender rejected or dropped"))

	return &Dispatcher{
		sender:  sender,
		queue:   make(chan Job, max(cfg.QueueSize, 1)),
		workers: max(cfg.Workers, 1),
		timeout: cfg.Timeout,
		logger:  logger.With("component", "notify"),
		sent:    sent,
		failed:  failed,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return ErrAlreadyRunning
	}
	d.running = true
	d.stop = make(chan struct{})

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx, d.stop)
	}
	d.logger.Info("notification dispatcher started", "workers", d.workers)
	return nil
}

// Stop drains the queue and waits for the workers.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stop)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped")
	return nil
}

// Enqueue hands a notification to the workers without blocking.
func (d *Dispatcher) Enqueue(userID string, n types.Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return ErrNotRunning
	}

	select {
	case d.queue <- Job{UserID: userID, Notification: n}:
		return nil
	default:
		d.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "queue_full")))
		return ErrQueueFull
	}
}

// QueueLength returns the number of notifications waiting.
func (d *Dispatcher) QueueLength() int {
	return len(d.queue)
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.deliver(ctx, job)
		case <-stop:
			d.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain sends whatever is still queued after Stop.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case job := <-d.queue:
			d.deliver(ctx, job)
		default:
			return
		}
	}
}

// deliver sends one job. Failures are logged; nothing is retried.
func (d *Dispatcher) deliver(ctx context.Context, job Job) {
	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	attrs := metric.WithAttributes(attribute.String("type", job.Notification.Type))
	if err := d.sender.SendNotification(sendCtx, job.UserID, job.Notification); err != nil {
		d.failed.Add(ctx, 1, attrs)
		d.logger.Warn("notification delivery failed", "userID", job.UserID, "type", job.Notification.Type, "error", err)
		return
	}
	d.sent.Add(ctx, 1, attrs)
}

// Preview truncates content to at most limit runes, marking the cut with
// "...". A non-positive limit returns content unchanged.
func Preview(content string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return content
	}
	runes := []rune(content)
	return string(runes[:limit]) + "..."
}

// NewMessageNotification builds the notification for an offline recipient.
func NewMessageNotification(msg *types.Message, previewLength int) types.Notification {
	return types.Notification{
		Type:    TypeNewMessage,
		Title:   "New message",
		Message: Preview(messageSummary(msg), previewLength),
		Data: map[string]interface{}{
			"conversationId": msg.ThreadID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
		},
	}
}

// messageSummary is the text shown for msg: its content, or a description
// of its attachments when it has no text.
func messageSummary(msg *types.Message) string {
	if content := strings.TrimSpace(msg.Content); content != "" {
		return content
	}
	switch n := len(msg.Attachments); {
	case n == 0:
		return "Sent a message"
	case n == 1 && msg.Attachments[0].Name != "":
		return "Sent " + msg.Attachments[0].Name
	case n == 1:
		return "Sent an attachment"
	default:
		return fmt.Sprintf("Sent %d attachments", n)
	}
}
