package agentchat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotificationAPI struct {
	mu          sync.Mutex
	count       int
	countErr    error
	countCalls  int
	list        []Notification
	listErr     error
	markErr     error
	marked      []int64
	beforeReply func()
}

func (f *fakeNotificationAPI) ListNotifications(ctx context.Context) ([]Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Notification(nil), f.list...), nil
}

func (f *fakeNotificationAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCalls++
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.count, nil
}

func (f *fakeNotificationAPI) MarkNotificationRead(ctx context.Context, id int64) (*MarkReadResult, error) {
	f.mu.Lock()
	hook := f.beforeReply
	f.marked = append(f.marked, id)
	err := f.markErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return &MarkReadResult{Status: "ok", ID: id}, nil
}

func (f *fakeNotificationAPI) set(fn func(f *fakeNotificationAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeNotificationAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countCalls
}

func twoUnread() []Notification {
	return []Notification{
		{ID: 2, FromUserID: 1, FromUserName: "Mario", Message: "Restock flour"},
		{ID: 1, FromUserID: 3, Message: "Close at 10"},
	}
}

func TestPoller_RefreshReplacesCount(t *testing.T) {
	api := &fakeNotificationAPI{count: 3}
	m := NewMetrics(nil)
	p := NewNotificationPoller(api, WithPollerMetrics(m))
	ctx := context.Background()

	p.Refresh(ctx)
	assert.Equal(t, 3, p.UnreadCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.UnreadNotifications))

	api.set(func(f *fakeNotificationAPI) { f.count = 1 })
	p.Refresh(ctx)
	assert.Equal(t, 1, p.UnreadCount())

	api.set(func(f *fakeNotificationAPI) { f.countErr = errors.New("offline") })
	p.Refresh(ctx)
	assert.Equal(t, 1, p.UnreadCount(), "failure keeps the previous value")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundFailures.WithLabelValues("unread_count")))
}

func TestPoller_StartPollsUntilStop(t *testing.T) {
	api := &fakeNotificationAPI{count: 2}
	p := NewNotificationPoller(api, WithPollerInterval(10*time.Millisecond))

	updates := make(chan int, 64)
	p.OnChange(func(v NotificationView) {
		select {
		case updates <- v.UnreadCount:
		default:
		}
	})

	p.Start(context.Background())
	p.Start(context.Background())
	assert.Equal(t, 2, <-updates, "first poll is immediate")

	require.Eventually(t, func() bool { return api.calls() >= 3 }, 2*time.Second, 5*time.Millisecond)

	p.Stop()
	stopped := api.calls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, api.calls(), "no polls after Stop")

	p.Stop()
}

func TestPoller_StopsWithContext(t *testing.T) {
	api := &fakeNotificationAPI{}
	p := NewNotificationPoller(api, WithPollerInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	p.Start(ctx)
	require.Eventually(t, func() bool { return api.calls() >= 1 }, time.Second, 5*time.Millisecond)
	cancel()
	p.Stop()

	// A cancelled loop can be started again.
	p.Start(context.Background())
	before := api.calls()
	require.Eventually(t, func() bool { return api.calls() > before }, time.Second, 5*time.Millisecond)
	p.Stop()
}

func TestPoller_OpenPanel(t *testing.T) {
	api := &fakeNotificationAPI{list: twoUnread()}
	m := NewMetrics(nil)
	p := NewNotificationPoller(api, WithPollerMetrics(m))
	ctx := context.Background()

	var loadingSeen bool
	p.OnChange(func(v NotificationView) {
		if v.Loading {
			loadingSeen = true
		}
	})

	require.NoError(t, p.OpenPanel(ctx))
	assert.True(t, loadingSeen)
	assert.False(t, p.Loading())
	assert.Len(t, p.Notifications(), 2)

	api.set(func(f *fakeNotificationAPI) { f.listErr = &APIError{Status: 500} })
	err := p.OpenPanel(ctx)
	require.ErrorIs(t, err, ErrNetwork)
	assert.Len(t, p.Notifications(), 2, "previous list is kept")
	assert.False(t, p.Loading())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundFailures.WithLabelValues("list")))
}

func TestPoller_MarkRead(t *testing.T) {
	api := &fakeNotificationAPI{count: 2, list: twoUnread()}
	p := NewNotificationPoller(api)
	ctx := context.Background()
	p.Refresh(ctx)
	require.NoError(t, p.OpenPanel(ctx))

	require.NoError(t, p.MarkRead(ctx, 2))
	assert.Equal(t, 1, p.UnreadCount())
	assert.True(t, p.Notifications()[0].Read)

	// Already read: nothing is sent and nothing changes.
	require.NoError(t, p.MarkRead(ctx, 2))
	assert.Equal(t, 1, p.UnreadCount())
	assert.Equal(t, []int64{2}, api.marked)
}

func TestPoller_MarkReadRollsBackOnFailure(t *testing.T) {
	api := &fakeNotificationAPI{count: 2, list: twoUnread()}
	m := NewMetrics(nil)
	p := NewNotificationPoller(api, WithPollerMetrics(m))
	ctx := context.Background()
	p.Refresh(ctx)
	require.NoError(t, p.OpenPanel(ctx))

	var during NotificationView
	api.set(func(f *fakeNotificationAPI) {
		f.markErr = &APIError{Status: 404, Detail: "Notification not found"}
		f.beforeReply = func() { during = p.Snapshot() }
	})

	err := p.MarkRead(ctx, 1)
	require.ErrorIs(t, err, ErrNetwork)

	assert.Equal(t, 1, during.UnreadCount, "optimistic decrement")
	assert.True(t, during.Notifications[1].Read)

	assert.Equal(t, 2, p.UnreadCount())
	assert.False(t, p.Notifications()[1].Read)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackgroundFailures.WithLabelValues("mark_read")))
}

func TestPoller_MarkReadRollbackKeepsNewerPoll(t *testing.T) {
	api := &fakeNotificationAPI{count: 2, list: twoUnread()}
	p := NewNotificationPoller(api)
	ctx := context.Background()
	p.Refresh(ctx)
	require.NoError(t, p.OpenPanel(ctx))

	api.set(func(f *fakeNotificationAPI) {
		f.markErr = errors.New("timeout")
		f.beforeReply = func() {
			api.set(func(f *fakeNotificationAPI) { f.count = 5 })
			p.Refresh(ctx)
		}
	})

	require.Error(t, p.MarkRead(ctx, 2))
	assert.Equal(t, 5, p.UnreadCount())
	assert.False(t, p.Notifications()[0].Read)
}

func TestPoller_MarkReadUnknownID(t *testing.T) {
	api := &fakeNotificationAPI{count: 1}
	p := NewNotificationPoller(api)
	ctx := context.Background()
	p.Refresh(ctx)

	require.NoError(t, p.MarkRead(ctx, 42))
	assert.Equal(t, []int64{42}, api.marked)
	assert.Equal(t, 1, p.UnreadCount(), "count waits for the next poll")
}

func TestPoller_Reset(t *testing.T) {
	api := &fakeNotificationAPI{count: 2, list: twoUnread()}
	p := NewNotificationPoller(api)
	ctx := context.Background()
	p.Refresh(ctx)
	require.NoError(t, p.OpenPanel(ctx))

	p.Reset()
	assert.Equal(t, NotificationView{}, p.Snapshot())
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "just now"},
		{59 * time.Second, "just now"},
		{5 * time.Minute, "5 minutes ago"},
		{3 * time.Hour, "3 hours ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatAge(now.Add(-tt.ago), now), tt.ago.String())
	}

	old := now.Add(-72 * time.Hour)
	assert.Equal(t, old.Local().Format("Jan 2, 2006"), FormatAge(old, now))
}

func TestNotification_Sender(t *testing.T) {
	assert.Equal(t, "Mario", Notification{FromUserID: 1, FromUserName: "Mario"}.Sender())
	assert.Equal(t, "User 3", Notification{FromUserID: 3}.Sender())
}
