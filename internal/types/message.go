// Package types holds the conversation data model shared by every hobbes component.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Author identifies who produced a message.
type Author string

const (
	AuthorUser  Author = "User"
	AuthorAgent Author = "Agent"
)

// ContentKind tags the MessageContent variant.
type ContentKind string

const (
	KindText              ContentKind = "text"
	KindToolCall          ContentKind = "tool_call"
	KindPermissionRequest ContentKind = "permission_request"
)

// MessageContent is a tagged union: Text for KindText, ToolCall for the two tool kinds.
type MessageContent struct {
	Kind     ContentKind
	Text     string
	ToolCall *ToolCallState
}

func TextContent(text string) MessageContent {
	return MessageContent{Kind: KindText, Text: text}
}

func ToolCallContent(call ToolCallState) MessageContent {
	return MessageContent{Kind: KindToolCall, ToolCall: &call}
}

func PermissionRequestContent(call ToolCallState) MessageContent {
	return MessageContent{Kind: KindPermissionRequest, ToolCall: &call}
}

// IsText reports whether the content is the text variant.
func (c MessageContent) IsText() bool { return c.Kind == KindText }

// RenderText returns the text of a text variant. Tool variants render empty
// so they never enter prompt history as plain text.
func (c MessageContent) RenderText() string {
	if c.Kind == KindText {
		return c.Text
	}
	return ""
}

// Clone returns a copy that shares no mutable state.
func (c MessageContent) Clone() MessageContent {
	out := c
	if c.ToolCall != nil {
		call := c.ToolCall.Clone()
		out.ToolCall = &call
	}
	return out
}

type contentJSON struct {
	Kind     ContentKind    `json:"kind"`
	Text     *string        `json:"text,omitempty"`
	ToolCall *ToolCallState `json:"tool_call,omitempty"`
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindText:
		text := c.Text
		return json.Marshal(contentJSON{Kind: c.Kind, Text: &text})
	case KindToolCall, KindPermissionRequest:
		if c.ToolCall == nil {
			return nil, fmt.Errorf("%s content without tool call", c.Kind)
		}
		return json.Marshal(contentJSON{Kind: c.Kind, ToolCall: c.ToolCall})
	default:
		return nil, fmt.Errorf("unknown content kind %q", c.Kind)
	}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var raw contentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case KindText:
		*c = MessageContent{Kind: KindText}
		if raw.Text != nil {
			c.Text = *raw.Text
		}
	case KindToolCall, KindPermissionRequest:
		if raw.ToolCall == nil {
			return fmt.Errorf("%s content missing tool_call", raw.Kind)
		}
		*c = MessageContent{Kind: raw.Kind, ToolCall: raw.ToolCall}
	default:
		return fmt.Errorf("unknown content kind %q", raw.Kind)
	}
	return nil
}

// Message is one entry of a session transcript.
type Message struct {
	ID      string         `json:"id"`
	Author  Author         `json:"author"`
	Content MessageContent `json:"content"`
	// Visible is false for synthetic messages that are sent to the model but not shown.
	Visible   bool      `json:"is_visible"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage returns a visible message with a fresh ID.
func NewMessage(author Author, content MessageContent) Message {
	return Message{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		Visible:   true,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	m.Content = m.Content.Clone()
	return m
}
