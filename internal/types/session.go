package types

import (
	"time"

	"github.com/google/uuid"
)

// Session is one persisted conversation.
type Session struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Messages        []Message        `json:"messages"`
	ActiveContext   ActiveContext    `json:"active_context"`
	ToolCallHistory []ToolCallRecord `json:"tool_call_history"`
	LastUpdated     time.Time        `json:"last_updated"`
}

// NewSession returns an empty session with a fresh ID.
func NewSession(name string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Name:        name,
		LastUpdated: time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	out.ActiveContext = s.ActiveContext.Clone()
	if s.ToolCallHistory != nil {
		out.ToolCallHistory = make([]ToolCallRecord, len(s.ToolCallHistory))
		for i, r := range s.ToolCallHistory {
			r.Call = r.Call.Clone()
			out.ToolCallHistory[i] = r
		}
	}
	return &out
}

// FindMessage returns the index of the message with id, or -1.
func (s *Session) FindMessage(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// FirstUserText returns the first user message if it is text.
func (s *Session) FirstUserText() (Message, bool) {
	for _, m := range s.Messages {
		if m.Author == AuthorUser {
			return m, m.Content.IsText()
		}
	}
	return Message{}, false
}

// Touch stamps LastUpdated.
func (s *Session) Touch(now time.Time) {
	s.LastUpdated = now.UTC()
}
