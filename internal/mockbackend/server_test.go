package mockbackend

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := New(Config{ReplyDelay: time.Millisecond, Now: func() time.Time { return now }})
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Wait()
		hs.Close()
	})
	return s, hs
}

func do(t *testing.T, hs *httptest.Server, method, path, token string, body any) (int, map[string]any, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, hs.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw bytes.Buffer
	_, err = raw.ReadFrom(resp.Body)
	require.NoError(t, err)
	var obj map[string]any
	_ = json.Unmarshal(raw.Bytes(), &obj)
	return resp.StatusCode, obj, raw.Bytes()
}

func TestLogin(t *testing.T) {
	_, hs := newTestServer(t)

	status, body, _ := do(t, hs, "POST", "/api/auth/login", "", map[string]string{
		"email": "mario@pizza.com", "password": DefaultPassword,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bearer", body["token_type"])
	assert.Len(t, strings.Split(body["access_token"].(string), "."), 3)

	status, body, _ = do(t, hs, "POST", "/api/auth/login", "", map[string]string{
		"email": "mario@pizza.com", "password": "nope",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Invalid email or password", body["detail"])
}

func TestRequireAuth(t *testing.T) {
	s, hs := newTestServer(t)

	status, body, _ := do(t, hs, "GET", "/api/notifications", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Not authenticated", body["detail"])

	status, _, _ = do(t, hs, "GET", "/api/notifications", "forged.token.value", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	expired := New(Config{Secret: s.cfg.Secret, TokenTTL: time.Second, Now: func() time.Time {
		return time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	}})
	token, err := expired.TokenFor("mario@pizza.com")
	require.NoError(t, err)
	status, _, _ = do(t, hs, "GET", "/api/notifications", token, nil)
	assert.Equal(t, http.StatusUnauthorized, status, "expired token")
}

func TestMessages(t *testing.T) {
	s, hs := newTestServer(t)
	token, err := s.TokenFor("mario@pizza.com")
	require.NoError(t, err)

	status, body, _ := do(t, hs, "POST", "/api/messages", token, map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	status, body, _ = do(t, hs, "POST", "/api/messages", token, map[string]string{"content": "hi", "session_id": "s1"})
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "s1", body["session_id"])
	assert.NotEmpty(t, body["message_id"])
	s.Wait()

	status, _, raw := do(t, hs, "GET", "/api/messages?session_id=s1", token, nil)
	require.Equal(t, http.StatusOK, status)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(raw, &history))
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0]["role"])
	assert.Equal(t, "assistant", history[1]["role"])
	assert.Equal(t, "You said: hi", history[1]["content"])
	assert.Equal(t, "2024-05-01T12:00:00", history[0]["created_at"])

	status, _, raw = do(t, hs, "GET", "/api/messages?session_id=other", token, nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(raw))

	status, _, _ = do(t, hs, "GET", "/api/messages", token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestNotifications(t *testing.T) {
	s, hs := newTestServer(t)
	require.NoError(t, s.Notify("mario@pizza.com", "luigi@pizza.com", "first"))
	require.NoError(t, s.Notify("peach@pizza.com", "luigi@pizza.com", "second"))
	require.NoError(t, s.Notify("luigi@pizza.com", "mario@pizza.com", "for mario"))
	assert.Error(t, s.Notify("mario@pizza.com", "bowser@castle.com", "x"))

	luigi, err := s.TokenFor("luigi@pizza.com")
	require.NoError(t, err)

	_, _, raw := do(t, hs, "GET", "/api/notifications", luigi, nil)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0]["message"], "newest first")
	assert.Equal(t, "Peach", list[0]["from_user_name"])

	_, body, _ := do(t, hs, "GET", "/api/notifications/unread/count", luigi, nil)
	assert.Equal(t, 2.0, body["unread_count"])

	status, body, _ := do(t, hs, "PATCH", "/api/notifications/1/read", luigi, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 1.0, body["id"])

	_, body, _ = do(t, hs, "GET", "/api/notifications/unread/count", luigi, nil)
	assert.Equal(t, 1.0, body["unread_count"])

	status, body, _ = do(t, hs, "PATCH", "/api/notifications/3/read", luigi, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "Not authorized to modify this notification", body["detail"])

	status, body, _ = do(t, hs, "PATCH", "/api/notifications/42/read", luigi, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "Notification not found", body["detail"])
}

func TestFaultInjection(t *testing.T) {
	s, hs := newTestServer(t)
	token, err := s.TokenFor("mario@pizza.com")
	require.NoError(t, err)

	s.SetFault(RouteUnreadCount, http.StatusServiceUnavailable)
	status, body, _ := do(t, hs, "GET", "/api/notifications/unread/count", token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "injected failure", body["detail"])

	s.ClearFault(RouteUnreadCount)
	status, _, _ = do(t, hs, "GET", "/api/notifications/unread/count", token, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, s.Requests(RouteUnreadCount))
}

func wsURL(hs *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/?token=" + token
}

func TestWebSocket(t *testing.T) {
	s, hs := newTestServer(t)
	token, err := s.TokenFor("mario@pizza.com")
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs, token), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, 1.0, frame["user_id"])
	assert.Equal(t, 1, s.Connections(1))

	status, _, _ := do(t, hs, "POST", "/api/messages", token, map[string]string{"content": CommandFail, "session_id": "s1"})
	require.Equal(t, http.StatusAccepted, status)
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, AgentErrorReply, frame["content"])

	status, _, _ = do(t, hs, "POST", "/api/messages", token, map[string]string{
		"content": "/notify luigi@pizza.com hello", "session_id": "s1",
	})
	require.Equal(t, http.StatusAccepted, status)
	frame = nil
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "I've notified luigi@pizza.com.", frame["content"])
	assert.Equal(t, "s1", frame["session_id"])
	assert.Equal(t, 1.0, frame["actions_taken"])
}

func TestWebSocket_InvalidToken(t *testing.T) {
	_, hs := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(hs, "bad"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseInvalidToken), "got %v", err)
}
