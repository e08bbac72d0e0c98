// Package mcp talks to Model Context Protocol tool servers over JSON-RPC.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Protocol names an MCP transport.
const (
	ProtocolHTTP  = "http"
	ProtocolStdio = "stdio"
)

// ServerStatus is the connection state of one server.
type ServerStatus string

const (
	ServerStatusConnecting   ServerStatus = "connecting"
	ServerStatusConnected    ServerStatus = "connected"
	ServerStatusDisconnected ServerStatus = "disconnected"
	ServerStatusError        ServerStatus = "error"
)

// ServerConfig describes how to reach one tool server.
type ServerConfig struct {
	Name        string
	Description string
	Protocol    string
	// Command is run through "sh -c" for the stdio protocol.
	Command  string
	Env      map[string]string
	BaseURL  string
	Endpoint string
	Timeout  time.Duration
}

// ToolSchema is a tool as listed by tools/list.
type ToolSchema struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
}

// CallResult is the tools/call result body.
type CallResult struct {
	Content []json.RawMessage `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// Transport is one JSON-RPC connection to a server.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ListTools(ctx context.Context) ([]ToolSchema, error)
	CallTool(ctx context.Context, name string, args json.RawMessage, preApproved bool) (*CallResult, error)
	IsConnected() bool
}

// CodeApprovalRequired is the JSON-RPC error code a server uses to refuse a
// call until the user has approved it.
const CodeApprovalRequired = -32001

// ApprovalRequiredError reports that the server wants user approval before
// running the tool. Re-invoke with preApproved after the user agrees.
type ApprovalRequiredError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("tool %s on server %s requires approval: %s", e.Tool, e.Server, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

const protocolVersion = "2024-11-05"

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "hobbes",
			"version": "1.0.0",
		},
	}
}

func callParams(name string, args json.RawMessage, preApproved bool) map[string]any {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	if preApproved {
		params["_meta"] = map[string]any{"preApproved": true}
	}
	return params
}

func decodeTools(raw json.RawMessage) ([]ToolSchema, error) {
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	return result.Tools, nil
}

func decodeCallResult(raw json.RawMessage) (*CallResult, error) {
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse call result: %w", err)
	}
	return &result, nil
}
