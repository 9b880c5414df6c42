// Package mockbackend is an in-process stand-in for the agent chat backend.
// It serves the REST API and the realtime push channel with seeded tenants
// and users, stores conversations in memory and answers every user message
// asynchronously over the push channel.
package mockbackend

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Route names accepted by SetFault and Requests.
const (
	RouteLogin         = "login"
	RouteSendMessage   = "send_message"
	RouteHistory       = "history"
	RouteNotifications = "notifications"
	RouteUnreadCount   = "unread_count"
	RouteMarkRead      = "mark_read"
	RouteWebSocket     = "ws"
)

// AgentErrorReply is the content of the error frame sent when the agent
// fails to answer.
const AgentErrorReply = "Sorry, I encountered an error processing your message."

// Config configures a Server. Zero values take the defaults.
type Config struct {
	// Secret signs and verifies HS256 tokens.
	Secret     []byte
	TokenTTL   time.Duration
	ReplyDelay time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

func (c *Config) defaults() {
	if len(c.Secret) == 0 {
		c.Secret = []byte("mock-backend-secret")
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.ReplyDelay == 0 {
		c.ReplyDelay = 50 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Server is the mock backend. Create it with New and mount Handler on an
// HTTP server, or call Start.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu                 sync.Mutex
	tenants            []Tenant
	users              []User
	messages           []message
	nextMessageID      int64
	notifications      []notification
	nextNotificationID int64
	faults             map[string]int
	requests           map[string]int
	conns              map[int64]map[*pushConn]struct{}

	replies sync.WaitGroup
}

func New(cfg Config) *Server {
	cfg.defaults()
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.Named("mockbackend"),
		tenants:  seedTenants(),
		users:    seedUsers(),
		faults:   make(map[string]int),
		requests: make(map[string]int),
		conns:    make(map[int64]map[*pushConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.echo = s.routes()
	return s
}

func (s *Server) now() time.Time { return s.cfg.Now() }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))

	api := e.Group("/api")
	api.POST("/auth/login", s.route(RouteLogin, s.login))
	api.POST("/messages", s.route(RouteSendMessage, s.sendMessage), s.requireAuth)
	api.GET("/messages", s.route(RouteHistory, s.getMessages), s.requireAuth)
	api.GET("/notifications", s.route(RouteNotifications, s.listNotifications), s.requireAuth)
	api.GET("/notifications/unread/count", s.route(RouteUnreadCount, s.unreadCount), s.requireAuth)
	api.PATCH("/notifications/:id/read", s.route(RouteMarkRead, s.markRead), s.requireAuth)

	e.GET("/ws/", s.route(RouteWebSocket, s.handleWebSocket))
	return e
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("mock_backend_listening", zap.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes every push connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.CloseConnections(websocket.CloseGoingAway, "server shutdown")
	return s.echo.Shutdown(ctx)
}

// Wait blocks until every pending agent reply has been delivered.
func (s *Server) Wait() { s.replies.Wait() }

// ============================================================================
// Fault injection
// ============================================================================

// SetFault makes route answer with status until ClearFault. A status of 0
// clears the fault.
func (s *Server) SetFault(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.faults, route)
		return
	}
	s.faults[route] = status
}

func (s *Server) ClearFault(route string) { s.SetFault(route, 0) }

// Requests returns how many requests route has received.
func (s *Server) Requests(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[route]
}

func (s *Server) route(name string, h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.requests[name]++
		status := s.faults[name]
		s.mu.Unlock()
		if status != 0 {
			return echo.NewHTTPError(status, "injected failure")
		}
		return h(c)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	detail := any("Internal Server Error")
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		detail = he.Message
	}
	if err := c.JSON(status, map[string]any{"detail": detail}); err != nil {
		s.logger.Warn("write_error_response_failed", zap.Error(err))
	}
}

// ============================================================================
// Tokens
// ============================================================================

type tokenClaims struct {
	UserID     int64  `json:"user_id"`
	TenantID   int64  `json:"tenant_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	TenantName string `json:"tenant_name"`
	TenantType string `json:"tenant_type"`
	jwt.RegisteredClaims
}

// TokenFor issues a token for the seeded user with email.
func (s *Server) TokenFor(email string) (string, error) {
	s.mu.Lock()
	u, ok := s.userByEmail(email)
	t, _ := s.tenantByID(u.TenantID)
	s.mu.Unlock()
	if !ok {
		return "", errors.New("unknown user " + email)
	}
	return s.issueToken(u, t)
}

func (s *Server) issueToken(u User, t Tenant) (string, error) {
	claims := tokenClaims{
		UserID:     u.ID,
		TenantID:   u.TenantID,
		Email:      u.Email,
		Name:       u.Name,
		Role:       u.Role,
		TenantName: t.Name,
		TenantType: t.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(s.cfg.TokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
}

func (s *Server) parseToken(raw string) (User, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return s.cfg.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.userByID(claims.UserID)
	if !ok || u.TenantID != claims.TenantID {
		return User{}, errors.New("unknown user")
	}
	return u, nil
}

const userKey = "user"

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Not authenticated")
		}
		u, err := s.parseToken(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Could not validate credentials")
		}
		c.Set(userKey, u)
		return next(c)
	}
}

func currentUser(c echo.Context) User {
	u, _ := c.Get(userKey).(User)
	return u
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) login(c echo.Context) error {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid request body")
	}

	s.mu.Lock()
	u, ok := s.userByEmail(req.Email)
	t, _ := s.tenantByID(u.TenantID)
	s.mu.Unlock()
	if !ok || u.Password != req.Password {
		return echo.NewHTTPError(http.StatusUnauthorized, "Invalid email or password")
	}

	token, err := s.issueToken(u, t)
	if err != nil {
		s.logger.Error("token_sign_failed", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) sendMessage(c echo.Context) error {
	var req struct {
		Content   string `json:"content"`
		SessionID string `json:"session_id"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid request body")
	}
	if req.Content == "" || req.SessionID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "content and session_id are required")
	}

	u := currentUser(c)
	id := uuid.NewString()
	s.replies.Add(1)
	go s.process(u, req.SessionID, req.Content)

	return c.JSON(http.StatusAccepted, map[string]string{
		"status":     "queued",
		"message_id": id,
		"session_id": req.SessionID,
	})
}

func (s *Server) getMessages(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "session_id is required")
	}
	u := currentUser(c)
	s.mu.Lock()
	history := s.historyLocked(u, sessionID)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, history)
}

func (s *Server) listNotifications(c echo.Context) error {
	u := currentUser(c)
	s.mu.Lock()
	list := s.notificationsLocked(u)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, list)
}

func (s *Server) unreadCount(c echo.Context) error {
	u := currentUser(c)
	s.mu.Lock()
	count := 0
	for _, n := range s.notificationsLocked(u) {
		if !n.Read {
			count++
		}
	}
	s.mu.Unlock()
	return c.JSON(http.StatusOK, map[string]int{"unread_count": count})
}

func (s *Server) markRead(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid notification id")
	}
	u := currentUser(c)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		n := &s.notifications[i]
		if n.ID != id {
			continue
		}
		if n.ToUserID != u.ID || n.TenantID != u.TenantID {
			return echo.NewHTTPError(http.StatusForbidden, "Not authorized to modify this notification")
		}
		n.Read = true
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "id": id})
	}
	return echo.NewHTTPError(http.StatusNotFound, "Notification not found")
}

// Notify creates a notification from one seeded user to another, as the
// agent does when it acts on a user's request.
func (s *Server) Notify(fromEmail, toEmail, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok := s.userByEmail(fromEmail)
	if !ok {
		return errors.New("unknown user " + fromEmail)
	}
	to, ok := s.userByEmail(toEmail)
	if !ok || to.TenantID != from.TenantID {
		return errors.New("unknown user " + toEmail)
	}
	s.addNotificationLocked(from, to, text)
	return nil
}
