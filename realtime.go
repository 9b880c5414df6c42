package agentchat

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// closeInvalidToken is the close code the backend uses when it rejects the
// token of a realtime connection.
const closeInvalidToken websocket.StatusCode = 4001

// maxFrameSize bounds a single inbound push frame.
const maxFrameSize = 1 << 20

// RealtimeConfig configures the realtime transport. Zero values take the
// defaults.
type RealtimeConfig struct {
	// MaxReconnectAttempts bounds consecutive reconnects; 0 means unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// StableAfter is how long a connection must stay up before the backoff
	// starts over.
	StableAfter       time.Duration
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	HTTPClient        *http.Client
	Logger            *zap.Logger
	Metrics           *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = 60 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// ConnectionState represents the realtime connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	stableAfter time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		stableAfter: config.StableAfter,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay returns the wait before the next attempt. A connection that was up
// for at least stableAfter restarts the sequence from the base delay.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) >= r.stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Transport
// ============================================================================

// Transport keeps one WebSocket connection to the push channel for one token
// and reconnects with exponential backoff when it drops. Inbound events are
// handed, in arrival order, to a single handler.
type Transport struct {
	wsURL   func(token string) string
	config  RealtimeConfig
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   ConnectionState
	token   string
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	handler func(PushEvent)

	stateListeners listeners[ConnectionState]
}

// NewTransport creates a transport that dials the client's realtime endpoint.
func NewTransport(client *Client, config RealtimeConfig) *Transport {
	config.defaults()
	t := &Transport{
		wsURL:   client.WSURL,
		config:  config,
		logger:  config.Logger.Named("realtime"),
		metrics: config.Metrics,
		state:   StateDisconnected,
	}
	t.stateListeners.logger = t.logger
	return t
}

// OnMessage sets the handler that receives every push event. It replaces any
// previous handler. The handler runs on the connection's read goroutine, so
// it must not block for long.
func (t *Transport) OnMessage(handler func(PushEvent)) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}

// OnStateChange registers fn to be called on every state transition and
// returns a function that unregisters it.
func (t *Transport) OnStateChange(fn func(ConnectionState)) func() {
	return t.stateListeners.add(fn)
}

// State returns the current connection state.
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts maintaining a connection for token and returns immediately.
// Calling it again with the same token is a no-op; a different token replaces
// the existing connection. The connection lives until Disconnect is called or
// ctx is cancelled.
func (t *Transport) Connect(ctx context.Context, token string) error {
	if token == "" {
		return ErrNotAuthenticated
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport is closed", ErrTransport)
	}
	if t.cancel != nil && t.token == token && !isDone(t.done) {
		t.mu.Unlock()
		return nil
	}
	prevCancel, prevDone := t.cancel, t.done
	t.gen++
	gen := t.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.token = token
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	if prevCancel != nil {
		t.logger.Info("realtime_token_replaced")
		prevCancel()
	}
	go t.run(runCtx, gen, token, prevDone, done)
	return nil
}

// Disconnect closes the connection and stops reconnecting. The transport
// cannot be reused afterwards. It is safe to call more than once, but not
// from inside the OnMessage handler.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.gen++
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.token = ""
	t.handler = nil
	changed := t.transitionLocked(StateDisconnected)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if changed {
		t.publishState(StateDisconnected)
	}
	t.stateListeners.removeAll()
	t.logger.Info("realtime_disconnected")
}

// ============================================================================
// Run loop
// ============================================================================

func (t *Transport) run(ctx context.Context, gen uint64, token string, prev <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer t.setState(gen, StateDisconnected)

	if prev != nil {
		<-prev
	}

	recon := newReconnector(&t.config)
	for {
		t.setState(gen, StateConnecting)
		err := t.session(ctx, gen, token, recon)
		if ctx.Err() != nil {
			return
		}

		if websocket.CloseStatus(err) == closeInvalidToken {
			t.logger.Warn("realtime_token_rejected", zap.Error(err))
			return
		}
		if !recon.shouldReconnect() {
			t.logger.Error("realtime_reconnect_exhausted",
				zap.Int("attempts", recon.attempt),
				zap.Error(err),
			)
			return
		}

		delay := recon.nextDelay()
		t.metrics.Reconnects.Inc()
		t.logger.Info("realtime_reconnect_scheduled",
			zap.Int("attempt", recon.attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails or ctx ends.
func (t *Transport) session(ctx context.Context, gen uint64, token string, recon *reconnector) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, t.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, t.wsURL(token), &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	cancelDial()
	if err != nil {
		if ctx.Err() == nil {
			t.metrics.TransportErrors.WithLabelValues("dial").Inc()
			t.logger.Warn("realtime_dial_failed", zap.Error(err))
		}
		return fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	t.setState(gen, StateConnected)
	recon.markConnected()
	t.logger.Info("realtime_connected")

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	go t.heartbeat(connCtx, conn, stop)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "client disconnect")
				return ctx.Err()
			}
			if websocket.CloseStatus(err) != closeInvalidToken {
				t.metrics.TransportErrors.WithLabelValues("read").Inc()
			}
			t.logger.Warn("realtime_read_failed", zap.Error(err))
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}

		ev, err := decodePushEvent(data)
		if err != nil {
			t.metrics.TransportErrors.WithLabelValues("frame").Inc()
			t.logger.Warn("realtime_malformed_frame", zap.Int("bytes", len(data)), zap.Error(err))
			conn.Close(websocket.StatusUnsupportedData, "malformed frame")
			return err
		}
		t.dispatch(gen, ev)
	}
}

func (t *Transport) heartbeat(ctx context.Context, conn *websocket.Conn, fail context.CancelFunc) {
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.config.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.metrics.TransportErrors.WithLabelValues("heartbeat").Inc()
				t.logger.Warn("realtime_heartbeat_failed", zap.Error(err))
				fail()
				return
			}
		}
	}
}

func decodePushEvent(data []byte) (PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return PushEvent{}, fmt.Errorf("%w: decode frame: %v", ErrTransport, err)
	}
	if ev.Type == "" {
		return PushEvent{}, fmt.Errorf("%w: frame has no type", ErrTransport)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

func (t *Transport) dispatch(gen uint64, ev PushEvent) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	h := t.handler
	t.mu.Unlock()

	t.logger.Debug("realtime_event",
		zap.String("type", ev.Type),
		zap.String("session_id", ev.SessionID),
	)
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("realtime_handler_panic", zap.Any("panic", r), zap.String("type", ev.Type))
		}
	}()
	h(ev)
}

// ============================================================================
// State
// ============================================================================

func (t *Transport) transitionLocked(s ConnectionState) bool {
	if t.state == s {
		return false
	}
	t.state = s
	return true
}

// setState applies s only while gen is the live run loop.
func (t *Transport) setState(gen uint64, s ConnectionState) {
	t.mu.Lock()
	if gen != t.gen || !t.transitionLocked(s) {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.publishState(s)
}

func (t *Transport) publishState(s ConnectionState) {
	t.metrics.setConnectionState(s)
	t.logger.Debug("realtime_state", zap.String("state", string(s)))
	t.stateListeners.emit(s)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
