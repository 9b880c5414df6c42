// Package agentchat is a client SDK for a tenant-scoped conversational agent
// backend.
//
// It covers the REST API (login, messages, notifications), the realtime push
// channel, and the client-side synchronization engine that merges optimistic
// sends, fetched history and pushed replies into one ordered conversation.
//
// Example:
//
//	client := agentchat.NewClient("", agentchat.WithBaseURL("http://localhost:8000"))
//	store, _ := agentchat.OpenPebbleStore("/home/me/.agentchat/data", logger)
//	defer store.Close()
//
//	sc := agentchat.NewSessionContext(client, store, agentchat.WithLogger(logger))
//	if _, err := sc.Login(ctx, "mario@pizza.com", "password123"); err != nil {
//		return err
//	}
//	defer sc.Logout(ctx)
//
//	sc.Engine().SendUserMessage(ctx, "Hello")
package agentchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ============================================================================
// Defaults
// ============================================================================

const (
	DefaultBaseURL = "http://localhost:8000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a new client. token may be "" before login.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken sets or clears the bearer credential used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer credential.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// BaseURL returns the API base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// WSURL returns the realtime endpoint for token.
func (c *Client) WSURL(token string) string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws/?token=" + url.QueryEscape(token)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, auth bool) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", ErrNetwork, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token := c.Token()
		if token == "" {
			return nil, ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	c.logger.Debug("api_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

// newAPIError extracts the backend's "detail" field. Validation errors carry
// a structured detail, which is kept as raw JSON text.
func newAPIError(status int, data []byte) *APIError {
	apiErr := &APIError{Status: status}
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if json.Unmarshal(data, &envelope) != nil || len(envelope.Detail) == 0 {
		apiErr.Detail = strings.TrimSpace(string(data))
		return apiErr
	}
	var text string
	if json.Unmarshal(envelope.Detail, &text) == nil {
		apiErr.Detail = text
	} else {
		apiErr.Detail = string(envelope.Detail)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrNetwork, err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// Login exchanges email and password for a bearer credential. It does not
// store the credential; see Identity.Login.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}
	data, err := c.doRequest(ctx, "POST", "/api/auth/login", &LoginRequest{Email: email, Password: password}, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage enqueues content for the agent. The reply arrives later on the
// realtime channel.
func (c *Client) SendMessage(ctx context.Context, content, sessionID string) (*SendReceipt, error) {
	if strings.TrimSpace(content) == "" || sessionID == "" {
		return nil, fmt.Errorf("%w: content and session id are required", ErrValidation)
	}
	data, err := c.doRequest(ctx, "POST", "/api/messages", &SendMessageRequest{Content: content, SessionID: sessionID}, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendReceipt](data)
}

// GetMessages returns the stored history of a conversation, oldest first.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]HistoryMessage, error) {
	data, err := c.doRequest(ctx, "GET", "/api/messages", nil, map[string]string{"session_id": sessionID}, true)
	if err != nil {
		return nil, err
	}
	msgs, err := decodeJSON[[]HistoryMessage](data)
	if err != nil {
		return nil, err
	}
	return *msgs, nil
}

// ============================================================================
// Notifications
// ============================================================================

func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	data, err := c.doRequest(ctx, "GET", "/api/notifications", nil, nil, true)
	if err != nil {
		return nil, err
	}
	list, err := decodeJSON[[]Notification](data)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	data, err := c.doRequest(ctx, "GET", "/api/notifications/unread/count", nil, nil, true)
	if err != nil {
		return 0, err
	}
	res, err := decodeJSON[UnreadCount](data)
	if err != nil {
		return 0, err
	}
	return res.UnreadCount, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) (*MarkReadResult, error) {
	data, err := c.doRequest(ctx, "PATCH", "/api/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil, true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[MarkReadResult](data)
}
