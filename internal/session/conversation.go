// Package session owns the live transcript of one conversation.
//
// A Conversation is an actor: one goroutine applies every mutation in the
// order it was submitted, so callers never hold a lock across a model
// stream or a tool call.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

// ErrActorClosed is returned by every operation after Close.
var ErrActorClosed = errors.New("conversation closed")

// ErrMessageNotFound is returned when a message id is not in the transcript.
var ErrMessageNotFound = errors.New("message not found")

const snapshotKeyPrefix = "tool_snapshot_"

// maxNameRunes bounds names derived from the first user message.
const maxNameRunes = 40

type command struct {
	apply func(*types.Session) error
	reply chan error
}

// Conversation serializes access to a session.
type Conversation struct {
	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
	sess      *types.Session
}

// NewConversation takes ownership of sess and starts the actor goroutine.
// sess must not be used by the caller afterwards.
func NewConversation(sess *types.Session) *Conversation {
	if sess == nil {
		sess = types.NewSession("")
	}
	c := &Conversation{
		cmds: make(chan command),
		done: make(chan struct{}),
		sess: sess,
	}
	go c.run()
	return c
}

func (c *Conversation) run() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd.reply <- cmd.apply(c.sess)
		case <-c.done:
			return
		}
	}
}

// Close stops the actor. It is safe to call more than once.
func (c *Conversation) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conversation) do(ctx context.Context, fn func(*types.Session) error) error {
	cmd := command{apply: fn, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once accepted the command always completes, so wait without ctx.
	return <-cmd.reply
}

// ID returns the session id. It never changes.
func (c *Conversation) ID() string { return c.sess.ID }

// Snapshot returns a deep copy of the session.
func (c *Conversation) Snapshot(ctx context.Context) (*types.Session, error) {
	var out *types.Session
	err := c.do(ctx, func(s *types.Session) error {
		out = s.Clone()
		return nil
	})
	return out, err
}

// AppendMessage adds msg to the end of the transcript.
func (c *Conversation) AppendMessage(ctx context.Context, msg types.Message) error {
	msg = msg.Clone()
	return c.do(ctx, func(s *types.Session) error {
		s.Messages = append(s.Messages, msg)
		return nil
	})
}

func withMessage(s *types.Session, id string, fn func(*types.Message) error) error {
	i := s.FindMessage(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return fn(&s.Messages[i])
}

// AppendText appends delta to a text message.
func (c *Conversation) AppendText(ctx context.Context, id, delta string) error {
	return c.do(ctx, func(s *types.Session) error {
		return withMessage(s, id, func(m *types.Message) error {
			if !m.Content.IsText() {
				return fmt.Errorf("message %s is %s, not text", id, m.Content.Kind)
			}
			m.Content.Text += delta
			return nil
		})
	})
}

// SetContent replaces a message's content.
func (c *Conversation) SetContent(ctx context.Context, id string, content types.MessageContent) error {
	content = content.Clone()
	return c.do(ctx, func(s *types.Session) error {
		return withMessage(s, id, func(m *types.Message) error {
			m.Content = content
			return nil
		})
	})
}

// UpdateToolCall resolves the tool call held by message id. A pending
// permission request is turned back into a tool call.
func (c *Conversation) UpdateToolCall(ctx context.Context, id string, status types.ToolCallStatus, response string) error {
	return c.do(ctx, func(s *types.Session) error {
		return withMessage(s, id, func(m *types.Message) error {
			if m.Content.ToolCall == nil {
				return fmt.Errorf("message %s holds no tool call", id)
			}
			call := m.Content.ToolCall.Clone()
			if err := call.Resolve(status, response); err != nil {
				return err
			}
			m.Content = types.ToolCallContent(call)
			return nil
		})
	})
}

// AppendToolHistory records resolved calls for the next follow-up prompt.
func (c *Conversation) AppendToolHistory(ctx context.Context, records ...types.ToolCallRecord) error {
	copied := make([]types.ToolCallRecord, len(records))
	for i, r := range records {
		r.Call = r.Call.Clone()
		copied[i] = r
	}
	return c.do(ctx, func(s *types.Session) error {
		s.ToolCallHistory = append(s.ToolCallHistory, copied...)
		return nil
	})
}

// Touch stamps the session's last update time.
func (c *Conversation) Touch(ctx context.Context, now time.Time) error {
	return c.do(ctx, func(s *types.Session) error {
		s.Touch(now)
		return nil
	})
}

// SetSummary replaces the rolling conversation summary.
func (c *Conversation) SetSummary(ctx context.Context, summary types.ConversationSummary) error {
	return c.do(ctx, func(s *types.Session) error {
		s.ActiveContext.ConversationSummary = summary
		return nil
	})
}

// SetCatalog replaces the tool catalog in the active context.
func (c *Conversation) SetCatalog(ctx context.Context, catalog *types.ToolCatalog) error {
	return c.do(ctx, func(s *types.Session) error {
		s.ActiveContext.ToolCatalog = catalog
		return nil
	})
}

// SetName renames the session.
func (c *Conversation) SetName(ctx context.Context, name string) error {
	return c.do(ctx, func(s *types.Session) error {
		s.Name = name
		return nil
	})
}

// NameFromFirstMessage names an unnamed session after its first user
// message and reports the name in effect.
func (c *Conversation) NameFromFirstMessage(ctx context.Context) (string, error) {
	var name string
	err := c.do(ctx, func(s *types.Session) error {
		if s.Name == "" {
			if m, ok := s.FirstUserText(); ok {
				s.Name = truncateName(m.Content.Text)
			}
		}
		name = s.Name
		return nil
	})
	return name, err
}

func truncateName(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxNameRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxNameRunes]) + "..."
}

// toolSnapshot is the compact form a tool call takes once its turn is over.
type toolSnapshot struct {
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments"`
	ResultSummary string          `json:"result_summary"`
	FullResultRef string          `json:"full_result_ref"`
}

// FoldToolHistory replaces every tool call record with a snapshot entry in
// the active context and clears the history. It returns how many were folded.
func (c *Conversation) FoldToolHistory(ctx context.Context) (int, error) {
	var n int
	err := c.do(ctx, func(s *types.Session) error {
		history := s.ToolCallHistory
		s.ToolCallHistory = nil
		for _, rec := range history {
			args := rec.Call.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			snap := toolSnapshot{
				ToolName:  rec.Call.ToolName,
				Arguments: args,
				ResultSummary: fmt.Sprintf("Tool call '%s' on server '%s' finished with status '%s'.",
					rec.Call.ToolName, rec.Call.ServerName, rec.Result.Status),
				FullResultRef: "tool_archive:" + rec.Call.ExecutionID,
			}
			if err := s.ActiveContext.SetExtra(snapshotKeyPrefix+rec.Call.ExecutionID, snap); err != nil {
				logging.SessionWarn("failed to fold tool call %s: %v", rec.Call.ExecutionID, err)
				continue
			}
			n++
		}
		return nil
	})
	if n > 0 {
		logging.SessionDebug("folded %d tool calls into active context", n)
	}
	return n, err
}
