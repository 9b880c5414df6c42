package agentchat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultPollInterval is the unread-count polling cadence.
const DefaultPollInterval = 10 * time.Second

// NotificationAPI is the part of the REST API the poller needs. *Client
// implements it.
type NotificationAPI interface {
	ListNotifications(ctx context.Context) ([]Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id int64) (*MarkReadResult, error)
}

var _ NotificationAPI = (*Client)(nil)

// NotificationView is a point-in-time copy of the poller's state.
type NotificationView struct {
	UnreadCount   int
	Loading       bool
	Notifications []Notification
}

// ============================================================================
// NotificationPoller
// ============================================================================

// NotificationPoller keeps the unread notification count fresh by polling and
// fetches the full list on demand.
type NotificationPoller struct {
	api      NotificationAPI
	interval time.Duration
	logger   *zap.Logger
	metrics  *Metrics

	mu     sync.Mutex
	unread int

	// countEpoch changes whenever a poll replaces unread, so a failed
	// mark-read only restores its own decrement.
	countEpoch uint64
	items      []Notification
	loading    bool
	cancel     context.CancelFunc
	done       chan struct{}

	changes listeners[NotificationView]
}

type PollerOption func(*NotificationPoller)

func WithPollerInterval(d time.Duration) PollerOption {
	return func(p *NotificationPoller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithPollerLogger(logger *zap.Logger) PollerOption {
	return func(p *NotificationPoller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithPollerMetrics(m *Metrics) PollerOption {
	return func(p *NotificationPoller) {
		if m != nil {
			p.metrics = m
		}
	}
}

func NewNotificationPoller(api NotificationAPI, opts ...PollerOption) *NotificationPoller {
	p := &NotificationPoller{
		api:      api,
		interval: DefaultPollInterval,
		logger:   zap.NewNop(),
		metrics:  NewMetrics(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("notifications")
	p.changes.logger = p.logger
	return p
}

func (p *NotificationPoller) OnChange(fn func(NotificationView)) func() {
	return p.changes.add(fn)
}

// UnreadCount returns the latest known unread count.
func (p *NotificationPoller) UnreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread
}

// Notifications returns the list fetched by the last OpenPanel.
func (p *NotificationPoller) Notifications() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.items...)
}

func (p *NotificationPoller) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

func (p *NotificationPoller) Snapshot() NotificationView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewLocked()
}

// ============================================================================
// Polling
// ============================================================================

// Start fetches the unread count now and then every interval until Stop is
// called or ctx ends. Calling Start while running does nothing.
func (p *NotificationPoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil && !isDone(p.done) {
		p.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	p.logger.Debug("poller_started", zap.Duration("interval", p.interval))
	go p.loop(pollCtx, done)
}

// Stop halts polling and waits for an in-progress tick to finish.
func (p *NotificationPoller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	p.logger.Debug("poller_stopped")
}

func (p *NotificationPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Refresh(ctx)
		}
	}
}

// Refresh fetches the unread count once and replaces the local value. A
// failure keeps the previous value.
func (p *NotificationPoller) Refresh(ctx context.Context) {
	count, err := p.api.UnreadCount(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.metrics.BackgroundFailures.WithLabelValues("unread_count").Inc()
		p.logger.Warn("unread_count_failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	p.unread = count
	p.countEpoch++
	view := p.viewLocked()
	p.mu.Unlock()

	p.metrics.UnreadNotifications.Set(float64(count))
	p.changes.emit(view)
}

// ============================================================================
// Panel
// ============================================================================

// OpenPanel fetches the full notification list. It does not affect the
// polling schedule. On failure the previous list is kept.
func (p *NotificationPoller) OpenPanel(ctx context.Context) error {
	p.mu.Lock()
	p.loading = true
	view := p.viewLocked()
	p.mu.Unlock()
	p.changes.emit(view)

	list, err := p.api.ListNotifications(ctx)

	p.mu.Lock()
	p.loading = false
	if err == nil {
		p.items = list
	}
	view = p.viewLocked()
	p.mu.Unlock()
	p.changes.emit(view)

	if err != nil {
		p.metrics.BackgroundFailures.WithLabelValues("list").Inc()
		p.logger.Warn("notifications_fetch_failed", zap.Error(err))
		return fmt.Errorf("list notifications: %w", err)
	}
	return nil
}

// MarkRead marks one notification as read. A known unread entry is flipped
// and the unread count decremented before the request is sent; if the
// request fails both are restored, except that a count refreshed by a poll
// in the meantime is left alone. Marking an entry that is already read does
// nothing. An id not in the local list is only sent to the server.
func (p *NotificationPoller) MarkRead(ctx context.Context, id int64) error {
	p.mu.Lock()
	idx := p.indexLocked(id)
	if idx >= 0 && p.items[idx].Read {
		p.mu.Unlock()
		return nil
	}
	flipped, decremented := false, false
	if idx >= 0 {
		p.items[idx].Read = true
		flipped = true
		if p.unread > 0 {
			p.unread--
			decremented = true
		}
	}
	epoch := p.countEpoch
	view := p.viewLocked()
	p.mu.Unlock()
	if flipped {
		p.changes.emit(view)
	}

	_, err := p.api.MarkNotificationRead(ctx, id)
	if err == nil {
		if decremented {
			p.metrics.UnreadNotifications.Set(float64(view.UnreadCount))
		}
		return nil
	}

	p.metrics.BackgroundFailures.WithLabelValues("mark_read").Inc()
	p.logger.Warn("mark_read_failed", zap.Int64("id", id), zap.Error(err))

	if flipped {
		p.mu.Lock()
		if i := p.indexLocked(id); i >= 0 {
			p.items[i].Read = false
		}
		if decremented && p.countEpoch == epoch {
			p.unread++
		}
		view = p.viewLocked()
		p.mu.Unlock()
		p.changes.emit(view)
	}
	return fmt.Errorf("mark notification %d read: %w", id, err)
}

// Reset clears the count and the list.
func (p *NotificationPoller) Reset() {
	p.mu.Lock()
	p.unread = 0
	p.countEpoch++
	p.items = nil
	p.loading = false
	view := p.viewLocked()
	p.mu.Unlock()
	p.metrics.UnreadNotifications.Set(0)
	p.changes.emit(view)
}

func (p *NotificationPoller) indexLocked(id int64) int {
	for i := range p.items {
		if p.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (p *NotificationPoller) viewLocked() NotificationView {
	return NotificationView{
		UnreadCount:   p.unread,
		Loading:       p.loading,
		Notifications: append([]Notification(nil), p.items...),
	}
}

// ============================================================================
// Formatting
// ============================================================================

// FormatAge renders how long ago t was, relative to now: "just now" under a
// minute, a relative phrase under a day and the date otherwise.
func FormatAge(t, now time.Time) string {
	age := now.Sub(t)
	switch {
	case age < time.Minute:
		return "just now"
	case age < 24*time.Hour:
		return humanize.RelTime(t, now, "ago", "from now")
	default:
		return t.Local().Format("Jan 2, 2006")
	}
}

// Sender returns the display name of the notification's author.
func (n Notification) Sender() string {
	if n.FromUserName != "" {
		return n.FromUserName
	}
	return fmt.Sprintf("User %d", n.FromUserID)
}
