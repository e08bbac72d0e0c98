package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ToolCallStatus is the lifecycle state of one tool invocation.
type ToolCallStatus string

const (
	StatusRunning   ToolCallStatus = "Running"
	StatusCompleted ToolCallStatus = "Completed"
	StatusError     ToolCallStatus = "Error"
)

// IsTerminal reports whether the status is Completed or Error.
func (s ToolCallStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrAlreadyResolved is returned when a terminal tool call is resolved again.
var ErrAlreadyResolved = errors.New("tool call already resolved")

// ToolCallState is a tool invocation as shown in the transcript.
// Response stays empty while Running.
type ToolCallState struct {
	ExecutionID string          `json:"execution_id"`
	ServerName  string          `json:"server_name"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments"`
	Status      ToolCallStatus  `json:"status"`
	Response    string          `json:"response"`
}

// NewToolCall returns a Running call. Nil arguments become {}.
func NewToolCall(executionID, server, tool string, args json.RawMessage) ToolCallState {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return ToolCallState{
		ExecutionID: executionID,
		ServerName:  server,
		ToolName:    tool,
		Arguments:   args,
		Status:      StatusRunning,
	}
}

// Resolve moves a Running call to a terminal status. Status never moves backwards.
func (c *ToolCallState) Resolve(status ToolCallStatus, response string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot resolve tool call %s to %q", c.ExecutionID, status)
	}
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, c.ExecutionID, c.Status)
	}
	c.Status = status
	c.Response = response
	return nil
}

// Clone returns a copy with its own argument buffer.
func (c ToolCallState) Clone() ToolCallState {
	if c.Arguments != nil {
		c.Arguments = append(json.RawMessage(nil), c.Arguments...)
	}
	return c
}

// ToolResult is the outcome half of a ToolCallRecord.
type ToolResult struct {
	Status   ToolCallStatus `json:"status"`
	Response string         `json:"response"`
}

// ToolCallRecord pairs a resolved call with its result for the follow-up prompt.
type ToolCallRecord struct {
	Call   ToolCallState `json:"call"`
	Result ToolResult    `json:"result"`
}

// RecordOf builds a record from a resolved call.
func RecordOf(call ToolCallState) ToolCallRecord {
	return ToolCallRecord{
		Call:   call.Clone(),
		Result: ToolResult{Status: call.Status, Response: call.Response},
	}
}

// Failed reports whether the record's result is an error.
func (r ToolCallRecord) Failed() bool { return r.Result.Status == StatusError }
