package turn

import "hobbes/internal/types"

// UpdateKind tags an Update.
type UpdateKind int

const (
	// UpdateMessageAppended carries a new transcript message.
	UpdateMessageAppended UpdateKind = iota
	// UpdateTextDelta carries text appended to MessageID.
	UpdateTextDelta
	// UpdateToolCall carries a tool call message that started or changed shape.
	UpdateToolCall
	// UpdateToolResult carries the resolved record of MessageID.
	UpdateToolResult
	// UpdateState carries a state change.
	UpdateState
)

// Update is progress published while a turn runs.
type Update struct {
	Kind      UpdateKind
	SessionID string
	MessageID string
	Message   *types.Message
	Text      string
	Record    *types.ToolCallRecord
	State     State
}
