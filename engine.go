package agentchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Replies synthesized locally when the backend cannot be reached or reports
// an error without content.
const (
	SendFailureReply  = "Sorry, failed to send message. Please try again."
	AgentFailureReply = "Sorry, I encountered an error processing your message."
)

// Local entry ids carry a prefix so they never collide with stored ids.
const (
	localIDPrefix = "local-"
	pushIDPrefix  = "push-"
)

// MessageAPI is the part of the REST API the engine needs. *Client
// implements it.
type MessageAPI interface {
	SendMessage(ctx context.Context, content, sessionID string) (*SendReceipt, error)
	GetMessages(ctx context.Context, sessionID string) ([]HistoryMessage, error)
}

var _ MessageAPI = (*Client)(nil)

// View is a point-in-time copy of the engine's state.
type View struct {
	Scope    string
	Loading  bool
	Sending  int
	Messages []Message
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps the message list of the active conversation scope. It merges
// fetched history, optimistic local sends and pushed replies into a single
// list ordered by local insertion sequence. Entries are keyed by ID, so a
// send confirmation mutates its optimistic entry in place and a pushed reply
// only ever appends; the two commute.
type Engine struct {
	api     MessageAPI
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.Mutex
	scope     string
	loadGen   uint64
	loading   bool
	sendEpoch uint64
	sending   int
	seq       uint64
	byID      map[string]*Message
	order     []string

	inflight sync.WaitGroup
	changes  listeners[View]
}

type EngineOption func(*Engine)

func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithEngineMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithEngineClock overrides the clock used to timestamp local entries.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(api MessageAPI, opts ...EngineOption) *Engine {
	e := &Engine{
		api:     api,
		logger:  zap.NewNop(),
		metrics: NewMetrics(nil),
		now:     time.Now,
		byID:    make(map[string]*Message),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("engine")
	e.changes.logger = e.logger
	return e
}

// OnChange registers fn to receive a View after every mutation and returns a
// function that unregisters it.
func (e *Engine) OnChange(fn func(View)) func() {
	return e.changes.add(fn)
}

// Scope returns the active conversation scope, or "" before the first load.
func (e *Engine) Scope() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scope
}

// Messages returns the conversation in display order.
func (e *Engine) Messages() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messagesLocked()
}

func (e *Engine) Snapshot() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// ============================================================================
// History
// ============================================================================

// LoadHistory makes scope active, clears the list and replaces it with the
// stored history. Entries sent or pushed while the request is in flight are
// kept after the history. A response that arrives after another load or a
// reset is dropped. On failure only those in-flight entries remain.
func (e *Engine) LoadHistory(ctx context.Context, scope string) error {
	e.mu.Lock()
	e.scope = scope
	e.clearLocked()
	e.loadGen++
	gen := e.loadGen
	e.loading = true
	view := e.viewLocked()
	e.mu.Unlock()
	e.changes.emit(view)

	history, err := e.api.GetMessages(ctx, scope)

	e.mu.Lock()
	if e.scope != scope || e.loadGen != gen {
		e.mu.Unlock()
		e.logger.Debug("history_stale", zap.String("session_id", scope))
		return nil
	}
	e.loading = false
	if err != nil {
		view = e.viewLocked()
		e.mu.Unlock()
		e.changes.emit(view)
		e.metrics.BackgroundFailures.WithLabelValues("history").Inc()
		e.logger.Warn("history_load_failed", zap.String("session_id", scope), zap.Error(err))
		return fmt.Errorf("load history for %s: %w", scope, err)
	}
	e.mergeHistoryLocked(history)
	view = e.viewLocked()
	e.mu.Unlock()

	e.logger.Debug("history_loaded", zap.String("session_id", scope), zap.Int("count", len(view.Messages)))
	e.changes.emit(view)
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// SendUserMessage appends text as an optimistic user entry of the active
// scope and returns it; the request is issued in the background. Blank text
// is rejected with ok == false and nothing happens.
//
// When the request succeeds the entry becomes confirmed. When it fails the
// entry becomes failed and a synthesized assistant reply is appended. A result
// that arrives after the scope changed is dropped.
func (e *Engine) SendUserMessage(ctx context.Context, text string) (msg Message, ok bool) {
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}

	e.mu.Lock()
	scope := e.scope
	if scope == "" {
		e.mu.Unlock()
		e.logger.Warn("send_without_scope")
		return Message{}, false
	}
	msg = e.appendLocked(Message{
		ID:        localIDPrefix + uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: e.now(),
		Status:    StatusOptimistic,
	})
	e.sending++
	epoch := e.sendEpoch
	view := e.viewLocked()
	e.mu.Unlock()
	e.changes.emit(view)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		receipt, err := e.api.SendMessage(ctx, text, scope)
		e.settle(scope, epoch, msg.ID, receipt, err)
	}()
	return msg, true
}

// Wait blocks until all background sends have settled.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) settle(scope string, epoch uint64, id string, receipt *SendReceipt, err error) {
	e.mu.Lock()
	if epoch != e.sendEpoch {
		e.mu.Unlock()
		e.metrics.Sends.WithLabelValues("stale").Inc()
		return
	}
	e.sending--
	m, known := e.byID[id]
	if e.scope != scope || !known {
		view := e.viewLocked()
		e.mu.Unlock()
		e.metrics.Sends.WithLabelValues("stale").Inc()
		e.logger.Debug("send_result_stale", zap.String("session_id", scope), zap.String("id", id))
		e.changes.emit(view)
		return
	}

	if err != nil {
		m.Status = StatusFailed
		e.appendLocked(Message{
			ID:        localIDPrefix + uuid.NewString(),
			Role:      RoleAssistant,
			Content:   SendFailureReply,
			CreatedAt: e.now(),
			Status:    StatusConfirmed,
		})
		e.metrics.Sends.WithLabelValues("failed").Inc()
		e.logger.Warn("send_failed", zap.String("session_id", scope), zap.String("id", id), zap.Error(err))
	} else {
		m.Status = StatusConfirmed
		if receipt != nil {
			m.ServerID = receipt.MessageID
		}
		e.metrics.Sends.WithLabelValues("confirmed").Inc()
	}
	view := e.viewLocked()
	e.mu.Unlock()
	e.changes.emit(view)
}

// ============================================================================
// Push
// ============================================================================

// HandlePush merges one realtime event. Replies and error notices addressed
// to the active scope are appended as assistant entries; an event without a
// session id belongs to the active scope. Events for other scopes are dropped.
func (e *Engine) HandlePush(ev PushEvent) {
	if ev.Type != PushTypeMessage && ev.Type != PushTypeError {
		e.metrics.PushEvents.WithLabelValues(ev.Type, "ignored").Inc()
		return
	}

	e.mu.Lock()
	target := ev.SessionID
	if target == "" {
		target = e.scope
	}
	if e.scope == "" || target != e.scope {
		active := e.scope
		e.mu.Unlock()
		e.metrics.PushEvents.WithLabelValues(ev.Type, "discarded").Inc()
		e.logger.Debug("push_discarded",
			zap.String("type", ev.Type),
			zap.String("session_id", ev.SessionID),
			zap.String("active", active),
		)
		return
	}
	content := ev.Content
	if content == "" && ev.Type == PushTypeError {
		content = AgentFailureReply
	}
	e.appendLocked(Message{
		ID:        pushIDPrefix + uuid.NewString(),
		Role:      RoleAssistant,
		Content:   content,
		CreatedAt: e.now(),
		Status:    StatusConfirmed,
	})
	view := e.viewLocked()
	e.mu.Unlock()

	e.metrics.PushEvents.WithLabelValues(ev.Type, "applied").Inc()
	e.changes.emit(view)
}

// Reset forgets the scope and every entry. Sends still in flight are
// dropped when they settle.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.scope = ""
	e.clearLocked()
	e.loadGen++
	e.loading = false
	e.sendEpoch++
	e.sending = 0
	view := e.viewLocked()
	e.mu.Unlock()
	e.changes.emit(view)
}

// ============================================================================
// Collection
// ============================================================================

func (e *Engine) appendLocked(m Message) Message {
	e.seq++
	m.Seq = e.seq
	e.byID[m.ID] = &m
	e.order = append(e.order, m.ID)
	return m
}

// mergeHistoryLocked rebuilds the list as history followed by the entries
// added during the load, then renumbers it. A reply pushed during the load
// that the history already holds is dropped.
func (e *Engine) mergeHistoryLocked(history []HistoryMessage) {
	pending := e.order
	byID := make(map[string]*Message, len(history)+len(pending))
	order := make([]string, 0, len(history)+len(pending))
	stored := make(map[string]int)

	for _, h := range history {
		m := h.toMessage()
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = &m
		order = append(order, m.ID)
		if m.Role == RoleAssistant {
			stored[m.Content]++
		}
	}
	for _, id := range pending {
		m := e.byID[id]
		if _, dup := byID[id]; dup {
			continue
		}
		if strings.HasPrefix(id, pushIDPrefix) && stored[m.Content] > 0 {
			stored[m.Content]--
			e.logger.Debug("push_already_stored", zap.String("id", id))
			continue
		}
		byID[id] = m
		order = append(order, id)
	}

	e.byID, e.order = byID, order
	for _, id := range order {
		e.seq++
		byID[id].Seq = e.seq
	}
}

func (e *Engine) clearLocked() {
	e.byID = make(map[string]*Message)
	e.order = nil
}

func (e *Engine) messagesLocked() []Message {
	out := make([]Message, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.byID[id])
	}
	return out
}

func (e *Engine) viewLocked() View {
	return View{
		Scope:    e.scope,
		Loading:  e.loading,
		Sending:  e.sending,
		Messages: e.messagesLocked(),
	}
}
