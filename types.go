package agentchat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Timestamps
// ============================================================================

// naiveLayout matches the zone-less ISO timestamps the backend emits for
// naive datetimes.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Timestamp decodes both RFC 3339 and zone-less ISO 8601 timestamps. Zone-less
// values are taken as UTC.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.ParseInLocation(naiveLayout, raw, time.UTC)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", raw, err)
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// ============================================================================
// Auth Types
// ============================================================================

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the response of a successful login.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

// ============================================================================
// Message Types
// ============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus is the delivery status of a message in the local view.
type MessageStatus string

const (
	StatusOptimistic MessageStatus = "optimistic"
	StatusConfirmed  MessageStatus = "confirmed"
	StatusFailed     MessageStatus = "failed"
)

// Message is one entry of the conversation view.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"created_at"`
	Status    MessageStatus `json:"status"`
	// ServerID is the backend's queue id for a confirmed local send.
	ServerID string `json:"server_id,omitempty"`
	// Seq is the local insertion sequence. Display order is Seq ascending.
	Seq uint64 `json:"seq"`
}

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	Content   string `json:"content"`
	SessionID string `json:"session_id"`
}

// SendReceipt is the 202 response of POST /api/messages.
type SendReceipt struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
}

// HistoryMessage is one stored message as returned by GET /api/messages.
type HistoryMessage struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt Timestamp `json:"created_at"`
}

// toMessage converts a stored message into a confirmed view entry.
func (h HistoryMessage) toMessage() Message {
	return Message{
		ID:        strconv.FormatInt(h.ID, 10),
		Role:      h.Role,
		Content:   h.Content,
		CreatedAt: h.CreatedAt.Time,
		Status:    StatusConfirmed,
	}
}

// ============================================================================
// Push Types
// ============================================================================

// Push event types observed on the realtime channel.
const (
	PushTypeMessage   = "message"
	PushTypeError     = "error"
	PushTypeConnected = "connected"
)

// PushEvent is one frame received on the realtime channel. Raw keeps the
// complete frame for consumers that need fields beyond the common ones.
type PushEvent struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// ============================================================================
// Notification Types
// ============================================================================

// Notification is a message sent to the current user by another actor in
// the same tenant.
type Notification struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	FromUserID   int64     `json:"from_user_id"`
	FromUserName string    `json:"from_user_name,omitempty"`
	ToUserID     int64     `json:"to_user_id"`
	Message      string    `json:"message"`
	Read         bool      `json:"read"`
	CreatedAt    Timestamp `json:"created_at"`
}

// UnreadCount is the response of GET /api/notifications/unread/count.
type UnreadCount struct {
	UnreadCount int `json:"unread_count"`
}

// MarkReadResult is the response of PATCH /api/notifications/{id}/read.
type MarkReadResult struct {
	Status string `json:"status"`
	ID     int64  `json:"id"`
}
