package agentchat

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionContext ties together everything that lives for one authenticated
// session: identity, conversation scope, realtime transport, message engine
// and notification poller. It is created once per process; Login or Resume
// start a session and Logout tears it down.
type SessionContext struct {
	client       *Client
	store        Store
	logger       *zap.Logger
	metrics      *Metrics
	pollInterval time.Duration
	realtime     RealtimeConfig

	identity *Identity
	scopes   *ScopeManager

	mu           sync.Mutex
	stopLife     context.CancelFunc
	unwatchScope func()
	transport    *Transport
	engine       *Engine
	poller       *NotificationPoller
}

type SessionOption func(*SessionContext)

func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *SessionContext) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *SessionContext) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithPollInterval(d time.Duration) SessionOption {
	return func(s *SessionContext) { s.pollInterval = d }
}

// WithRealtimeConfig sets the transport configuration. Its Logger and Metrics
// are filled from the session when unset.
func WithRealtimeConfig(cfg RealtimeConfig) SessionOption {
	return func(s *SessionContext) { s.realtime = cfg }
}

func NewSessionContext(client *Client, store Store, opts ...SessionOption) *SessionContext {
	s := &SessionContext{
		client:       client,
		store:        store,
		logger:       zap.NewNop(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	if s.realtime.Logger == nil {
		s.realtime.Logger = s.logger
	}
	if s.realtime.Metrics == nil {
		s.realtime.Metrics = s.metrics
	}
	s.identity = NewIdentity(client, store, s.logger)
	s.scopes = NewScopeManager(store, s.logger)
	return s
}

// ============================================================================
// Lifecycle
// ============================================================================

// Resume restores a stored token and starts a session with it. Without a
// stored token it returns ErrNotAuthenticated.
func (s *SessionContext) Resume(ctx context.Context) (*Profile, error) {
	profile, err := s.identity.Restore(ctx)
	return s.begin(ctx, profile, err)
}

// Login authenticates with email and password and starts a session. A
// rejected login leaves a running session alone.
func (s *SessionContext) Login(ctx context.Context, email, password string) (*Profile, error) {
	profile, err := s.identity.Login(ctx, email, password)
	return s.begin(ctx, profile, err)
}

// Authenticate starts a session with an existing token.
func (s *SessionContext) Authenticate(ctx context.Context, token string) (*Profile, error) {
	profile, err := s.identity.Authenticate(ctx, token)
	return s.begin(ctx, profile, err)
}

// begin starts a session for a successful identity change. An undecodable
// credential has already logged the identity out, so whatever session was
// running stops with it.
func (s *SessionContext) begin(ctx context.Context, profile *Profile, err error) (*Profile, error) {
	if err != nil {
		if errors.Is(err, ErrMalformedCredential) {
			s.teardown()
			s.client.SetToken("")
		}
		return nil, err
	}
	s.start(ctx)
	return profile, nil
}

// start wires the per-session components for the identity's token. The
// transport and poller outlive ctx; they run until Logout.
func (s *SessionContext) start(ctx context.Context) {
	s.teardown()

	token := s.identity.Token()
	s.client.SetToken(token)

	life, stop := context.WithCancel(context.WithoutCancel(ctx))
	engine := NewEngine(s.client, WithEngineLogger(s.logger), WithEngineMetrics(s.metrics))
	transport := NewTransport(s.client, s.realtime)
	transport.OnMessage(engine.HandlePush)
	poller := NewNotificationPoller(s.client,
		WithPollerInterval(s.pollInterval),
		WithPollerLogger(s.logger),
		WithPollerMetrics(s.metrics),
	)

	unwatch := s.scopes.OnChange(func(scope string) {
		// A failed load leaves an empty conversation and is logged by the engine.
		_ = engine.LoadHistory(life, scope)
	})

	s.mu.Lock()
	s.stopLife = stop
	s.unwatchScope = unwatch
	s.engine = engine
	s.transport = transport
	s.poller = poller
	s.mu.Unlock()

	if err := transport.Connect(life, token); err != nil {
		s.logger.Warn("realtime_connect_failed", zap.Error(err))
	}
	poller.Start(life)
	// A failed load leaves an empty conversation and is logged by the engine.
	_ = engine.LoadHistory(ctx, s.scopes.Current(ctx))
	s.logger.Info("session_started")
}

// NewConversation switches to a fresh scope. The engine follows the scope
// change and loads its (empty) history; the realtime connection is kept.
func (s *SessionContext) NewConversation(ctx context.Context) (string, error) {
	if s.Engine() == nil {
		return "", ErrNotAuthenticated
	}
	return s.scopes.New(ctx), nil
}

// Logout stops the poller, closes the realtime connection, clears the
// conversation and forgets the token. It is safe to call at any time.
func (s *SessionContext) Logout(ctx context.Context) {
	s.teardown()
	s.identity.Logout(ctx)
	s.client.SetToken("")
}

// Close stops the running session like Logout but keeps the stored token, so
// a later Resume picks it up again.
func (s *SessionContext) Close() {
	s.teardown()
}

func (s *SessionContext) teardown() {
	s.mu.Lock()
	stop, unwatch := s.stopLife, s.unwatchScope
	transport, engine, poller := s.transport, s.engine, s.poller
	s.stopLife, s.unwatchScope = nil, nil
	s.transport, s.engine, s.poller = nil, nil, nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}

	if poller != nil {
		poller.Stop()
		poller.Reset()
	}
	if transport != nil {
		transport.Disconnect()
	}
	if engine != nil {
		engine.Reset()
	}
	if stop != nil {
		stop()
		s.logger.Info("session_stopped")
	}
}

// ============================================================================
// Accessors
// ============================================================================

func (s *SessionContext) Identity() *Identity { return s.identity }

func (s *SessionContext) Scopes() *ScopeManager { return s.scopes }

// Profile returns the authenticated profile, or nil.
func (s *SessionContext) Profile() *Profile { return s.identity.Profile() }

// Scope returns the active conversation scope.
func (s *SessionContext) Scope(ctx context.Context) string { return s.scopes.Current(ctx) }

// Engine returns the message engine of the running session, or nil.
func (s *SessionContext) Engine() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// Transport returns the realtime transport of the running session, or nil.
func (s *SessionContext) Transport() *Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Notifications returns the notification poller of the running session, or
// nil.
func (s *SessionContext) Notifications() *NotificationPoller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller
}
