package mockbackend

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	writeWait = 5 * time.Second
	// CloseInvalidToken is sent when the token of a push connection is
	// rejected.
	CloseInvalidToken = 4001
)

type pushConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *pushConn) writeJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

func (p *pushConn) writeRaw(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *pushConn) close(code int, reason string) {
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	p.conn.Close()
}

// handleWebSocket accepts a push connection. The token travels in the query
// string; a bad token is answered with close code 4001.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return nil
	}
	pc := &pushConn{conn: conn}

	u, err := s.parseToken(c.QueryParam("token"))
	if err != nil {
		s.logger.Info("ws_token_rejected", zap.Error(err))
		pc.close(CloseInvalidToken, "Invalid token")
		return nil
	}

	s.register(u.ID, pc)
	defer s.unregister(u.ID, pc)

	if err := pc.writeJSON(map[string]any{
		"type":      "connected",
		"user_id":   u.ID,
		"tenant_id": u.TenantID,
	}); err != nil {
		conn.Close()
		return nil
	}
	s.logger.Debug("ws_connected", zap.Int64("user_id", u.ID))

	// Reading keeps ping and close handling alive; clients send nothing else.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws_read_failed", zap.Error(err))
			}
			conn.Close()
			return nil
		}
	}
}

func (s *Server) register(userID int64, pc *pushConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.conns[userID]
	if !ok {
		set = make(map[*pushConn]struct{})
		s.conns[userID] = set
	}
	set[pc] = struct{}{}
}

func (s *Server) unregister(userID int64, pc *pushConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns[userID], pc)
	if len(s.conns[userID]) == 0 {
		delete(s.conns, userID)
	}
}

func (s *Server) connsOf(userID int64) []*pushConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*pushConn, 0, len(s.conns[userID]))
	for pc := range s.conns[userID] {
		out = append(out, pc)
	}
	return out
}

func (s *Server) publish(userID int64, frame any) {
	for _, pc := range s.connsOf(userID) {
		if err := pc.writeJSON(frame); err != nil {
			s.logger.Debug("ws_write_failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// Connections returns how many push connections the user has open.
func (s *Server) Connections(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Push sends an arbitrary frame to every push connection of the user.
func (s *Server) Push(userID int64, frame any) {
	s.publish(userID, frame)
}

// PushRaw sends data unmodified, for exercising malformed frames.
func (s *Server) PushRaw(userID int64, data []byte) {
	for _, pc := range s.connsOf(userID) {
		if err := pc.writeRaw(data); err != nil {
			s.logger.Debug("ws_write_failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
}

// CloseConnections closes every push connection with code.
func (s *Server) CloseConnections(code int, reason string) {
	s.mu.Lock()
	var all []*pushConn
	for _, set := range s.conns {
		for pc := range set {
			all = append(all, pc)
		}
	}
	s.mu.Unlock()
	for _, pc := range all {
		pc.close(code, reason)
	}
}
