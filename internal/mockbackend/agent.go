package mockbackend

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Commands understood by the mock agent. Anything else is echoed back.
const (
	// CommandNotify sends "/notify <email> <text>" as a notification.
	CommandNotify = "/notify"
	// CommandFail makes the agent answer with an error frame.
	CommandFail = "/fail"
)

type pushFrame struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	SessionID    string `json:"session_id"`
	ActionsTaken *int   `json:"actions_taken,omitempty"`
}

// process stores the user's message, produces the agent's answer after the
// reply delay and pushes it to every connection of the user.
func (s *Server) process(u User, sessionID, content string) {
	defer s.replies.Done()

	s.mu.Lock()
	s.appendMessageLocked(u, sessionID, "user", content)
	s.mu.Unlock()

	time.Sleep(s.cfg.ReplyDelay)

	reply, actions, err := s.answer(u, content)
	if err != nil {
		s.logger.Info("agent_failed", zap.Int64("user_id", u.ID), zap.Error(err))
		s.publish(u.ID, pushFrame{Type: "error", Content: AgentErrorReply, SessionID: sessionID})
		return
	}

	s.mu.Lock()
	s.appendMessageLocked(u, sessionID, "assistant", reply)
	s.mu.Unlock()

	s.publish(u.ID, pushFrame{
		Type:         "message",
		Content:      reply,
		SessionID:    sessionID,
		ActionsTaken: &actions,
	})
}

func (s *Server) answer(u User, content string) (string, int, error) {
	text := strings.TrimSpace(content)
	switch {
	case text == CommandFail:
		return "", 0, fmt.Errorf("requested failure")
	case strings.HasPrefix(text, CommandNotify+" "):
		target, body, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(text, CommandNotify)), " ")
		if !ok || strings.TrimSpace(body) == "" {
			return "Usage: /notify <email> <message>", 0, nil
		}
		if err := s.Notify(u.Email, target, strings.TrimSpace(body)); err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("I've notified %s.", target), 1, nil
	default:
		return "You said: " + text, 0, nil
	}
}
