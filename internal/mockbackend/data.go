package mockbackend

import (
	"sort"
	"time"
)

// Tenant is a seeded organisation.
type Tenant struct {
	ID   int64
	Name string
	Type string
}

// User is a seeded account. Passwords are kept in clear; this is a fixture.
type User struct {
	ID       int64
	TenantID int64
	Email    string
	Name     string
	Role     string
	Password string
}

// naiveTime marshals without a zone, the way the production backend emits
// its naive UTC datetimes.
type naiveTime time.Time

func (t naiveTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Time(t).UTC().Format("2006-01-02T15:04:05.999999") + `"`), nil
}

type message struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	UserID    int64     `json:"user_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt naiveTime `json:"created_at"`
}

type notification struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenant_id"`
	FromUserID   int64     `json:"from_user_id"`
	FromUserName *string   `json:"from_user_name"`
	ToUserID     int64     `json:"to_user_id"`
	Message      string    `json:"message"`
	Read         bool      `json:"read"`
	CreatedAt    naiveTime `json:"created_at"`
}

// DefaultPassword is the password of every seeded user.
const DefaultPassword = "password123"

func seedTenants() []Tenant {
	return []Tenant{
		{ID: 1, Name: "Mario's Pizza", Type: "restaurant"},
	}
}

func seedUsers() []User {
	return []User{
		{ID: 1, TenantID: 1, Email: "mario@pizza.com", Name: "Mario", Role: "manager", Password: DefaultPassword},
		{ID: 2, TenantID: 1, Email: "luigi@pizza.com", Name: "Luigi", Role: "employee", Password: DefaultPassword},
		{ID: 3, TenantID: 1, Email: "peach@pizza.com", Name: "Peach", Role: "employee", Password: DefaultPassword},
	}
}

func (s *Server) userByEmail(email string) (User, bool) {
	for _, u := range s.users {
		if u.Email == email {
			return u, true
		}
	}
	return User{}, false
}

func (s *Server) userByID(id int64) (User, bool) {
	for _, u := range s.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

func (s *Server) tenantByID(id int64) (Tenant, bool) {
	for _, t := range s.tenants {
		if t.ID == id {
			return t, true
		}
	}
	return Tenant{}, false
}

// appendMessageLocked stores one message of a conversation.
func (s *Server) appendMessageLocked(u User, sessionID, role, content string) message {
	s.nextMessageID++
	m := message{
		ID:        s.nextMessageID,
		TenantID:  u.TenantID,
		UserID:    u.ID,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: naiveTime(s.now()),
	}
	s.messages = append(s.messages, m)
	return m
}

func (s *Server) historyLocked(u User, sessionID string) []message {
	out := []message{}
	for _, m := range s.messages {
		if m.TenantID == u.TenantID && m.UserID == u.ID && m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Server) addNotificationLocked(from, to User, text string) notification {
	s.nextNotificationID++
	name := from.Name
	n := notification{
		ID:           s.nextNotificationID,
		TenantID:     to.TenantID,
		FromUserID:   from.ID,
		FromUserName: &name,
		ToUserID:     to.ID,
		Message:      text,
		CreatedAt:    naiveTime(s.now()),
	}
	s.notifications = append(s.notifications, n)
	return n
}

// notificationsLocked returns u's notifications, newest first.
func (s *Server) notificationsLocked(u User) []notification {
	out := []notification{}
	for _, n := range s.notifications {
		if n.TenantID == u.TenantID && n.ToUserID == u.ID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time(out[i].CreatedAt), time.Time(out[j].CreatedAt)
		if ti.Equal(tj) {
			return out[i].ID > out[j].ID
		}
		return ti.After(tj)
	})
	return out
}

// Users returns the seeded accounts.
func (s *Server) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]User(nil), s.users...)
}
