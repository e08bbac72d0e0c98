package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hobbes/internal/logging"
)

// HTTPTransport speaks JSON-RPC with one POST per request.
type HTTPTransport struct {
	mu        sync.RWMutex
	url       string
	client    *http.Client
	connected bool
	nextID    atomic.Int64
}

// NewHTTPTransport posts to baseURL joined with endpoint.
func NewHTTPTransport(baseURL, endpoint string, timeout time.Duration) *HTTPTransport {
	url := strings.TrimRight(baseURL, "/")
	if endpoint != "" {
		url += "/" + strings.TrimLeft(endpoint, "/")
	}
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Connect runs the initialize handshake.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		t.setConnected(false)
		return fmt.Errorf("failed to connect to MCP server at %s: %w", t.url, err)
	}
	t.setConnected(true)
	_ = t.notify(ctx, "notifications/initialized")
	logging.Tools("MCP HTTP transport connected to %s", t.url)
	return nil
}

func (t *HTTPTransport) Disconnect() error {
	t.setConnected(false)
	logging.ToolsDebug("MCP HTTP transport disconnected from %s", t.url)
	return nil
}

func (t *HTTPTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *HTTPTransport) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()
}

func (t *HTTPTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to MCP server")
	}
	raw, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return decodeTools(raw)
}

func (t *HTTPTransport) CallTool(ctx context.Context, name string, args json.RawMessage, preApproved bool) (*CallResult, error) {
	if !t.IsConnected() {
		return nil, fmt.Errorf("not connected to MCP server")
	}
	raw, err := t.call(ctx, "tools/call", callParams(name, args, preApproved))
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw)
}

func (t *HTTPTransport) notify(ctx context.Context, method string) error {
	_, err := t.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	return err
}

func (t *HTTPTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := t.nextID.Add(1)
	body, err := t.post(ctx, rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *HTTPTransport) post(ctx context.Context, req rpcRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

var _ Transport = (*HTTPTransport)(nil)
