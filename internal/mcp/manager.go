package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

// Manager owns the connections to every configured tool server.
type Manager struct {
	configs      []ServerConfig
	newTransport func(ServerConfig) (Transport, error)

	mu      sync.RWMutex
	servers map[string]*serverConn
}

type serverConn struct {
	cfg       ServerConfig
	transport Transport
	tools     []ToolSchema
	status    ServerStatus
	lastErr   error
}

// NewManager returns a Manager for configs. Nothing connects until ConnectAll.
func NewManager(configs []ServerConfig) *Manager {
	return &Manager{
		configs:      configs,
		newTransport: NewTransport,
		servers:      make(map[string]*serverConn),
	}
}

// NewTransport builds the transport named by cfg.Protocol.
func NewTransport(cfg ServerConfig) (Transport, error) {
	switch cfg.Protocol {
	case ProtocolStdio, "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: stdio requires a command", cfg.Name)
		}
		return NewStdioTransport(cfg.Command, cfg.Env), nil
	case ProtocolHTTP:
		return NewHTTPTransport(cfg.BaseURL, cfg.Endpoint, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("server %s: unsupported protocol %q", cfg.Name, cfg.Protocol)
	}
}

// ConnectAll launches every server concurrently and lists its tools.
// A server that fails is logged and left out of the catalog; the joined
// failures are returned but the others stay usable.
func (m *Manager) ConnectAll(ctx context.Context) error {
	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for _, cfg := range m.configs {
		g.Go(func() error {
			if err := m.connect(ctx, cfg); err != nil {
				logging.ToolsError("failed to launch MCP server %s: %v", cfg.Name, err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", cfg.Name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	logging.Tools("MCP servers connected: %d of %d", len(m.ConnectedServers()), len(m.configs))
	return errors.Join(errs...)
}

func (m *Manager) connect(ctx context.Context, cfg ServerConfig) error {
	conn := &serverConn{cfg: cfg, status: ServerStatusConnecting}
	m.mu.Lock()
	m.servers[cfg.Name] = conn
	m.mu.Unlock()

	fail := func(err error) error {
		m.mu.Lock()
		conn.status, conn.lastErr = ServerStatusError, err
		m.mu.Unlock()
		return err
	}

	transport, err := m.newTransport(cfg)
	if err != nil {
		return fail(err)
	}
	cctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	if err := transport.Connect(cctx); err != nil {
		return fail(err)
	}
	tools, err := transport.ListTools(cctx)
	if err != nil {
		_ = transport.Disconnect()
		return fail(err)
	}

	m.mu.Lock()
	conn.transport, conn.tools, conn.status = transport, tools, ServerStatusConnected
	m.mu.Unlock()
	logging.Tools("connected to MCP server %s with %d tools", cfg.Name, len(tools))
	return nil
}

// ConnectedServers returns the names of connected servers in config order.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for _, cfg := range m.configs {
		if c, ok := m.servers[cfg.Name]; ok && c.status == ServerStatusConnected {
			names = append(names, cfg.Name)
		}
	}
	return names
}

// Status reports a server's connection state and last error.
func (m *Manager) Status(server string) (ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.servers[server]
	if !ok {
		return ServerStatusDisconnected, nil
	}
	return c.status, c.lastErr
}

// Catalog snapshots the tools of every connected server.
func (m *Manager) Catalog() *types.ToolCatalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	catalog := &types.ToolCatalog{}
	for _, cfg := range m.configs {
		c, ok := m.servers[cfg.Name]
		if !ok || c.status != ServerStatusConnected {
			continue
		}
		st := types.ServerTools{Name: cfg.Name, Description: cfg.Description}
		for _, t := range c.tools {
			schema := types.NewToolSchema(t.Name, t.Description, t.InputSchema)
			schema.OutputSchema = t.OutputSchema
			if len(t.Annotations) > 0 {
				schema.Extra = map[string]json.RawMessage{"annotations": t.Annotations}
			}
			st.Tools = append(st.Tools, schema)
		}
		catalog.Servers = append(catalog.Servers, st)
	}
	return catalog
}

// ListTools returns the tools discovered on server.
func (m *Manager) ListTools(server string) ([]ToolSchema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.servers[server]
	if !ok || c.status != ServerStatusConnected {
		return nil, fmt.Errorf("Server not found: %s", server)
	}
	return append([]ToolSchema(nil), c.tools...), nil
}

// Invoke calls tool on server. args must be a JSON object. The result is the
// tool's content array. A server asking for approval yields *ApprovalRequiredError.
func (m *Manager) Invoke(ctx context.Context, server, tool string, args json.RawMessage, preApproved bool) (json.RawMessage, error) {
	m.mu.RLock()
	c, ok := m.servers[server]
	var transport Transport
	var known bool
	var cfg ServerConfig
	if ok && c.status == ServerStatusConnected {
		transport, cfg = c.transport, c.cfg
		for _, t := range c.tools {
			if t.Name == tool {
				known = true
				break
			}
		}
	}
	m.mu.RUnlock()

	if transport == nil {
		return nil, fmt.Errorf("Server not found: %s", server)
	}
	if !known {
		return nil, fmt.Errorf("Tool not found: %s", tool)
	}
	if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 && trimmed[0] != '{' {
		return nil, fmt.Errorf("Tool arguments must be a JSON object")
	}

	cctx, cancel := withTimeout(ctx, cfg)
	defer cancel()
	logging.ToolsDebug("invoking %s/%s preApproved=%t", server, tool, preApproved)
	result, err := transport.CallTool(cctx, tool, args, preApproved)
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeApprovalRequired {
			return nil, &ApprovalRequiredError{Server: server, Tool: tool, Message: rpcErr.Message}
		}
		return nil, fmt.Errorf("Failed to use tool: %w", err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s reported an error: %s", tool, contentText(result.Content))
	}
	content := result.Content
	if content == nil {
		content = []json.RawMessage{}
	}
	return json.Marshal(content)
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := make([]*serverConn, 0, len(m.servers))
	for _, c := range m.servers {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if c.transport == nil {
			continue
		}
		if err := c.transport.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.cfg.Name, err))
		}
		m.mu.Lock()
		c.status = ServerStatusDisconnected
		m.mu.Unlock()
	}
	return errors.Join(errs...)
}

func withTimeout(ctx context.Context, cfg ServerConfig) (context.Context, context.CancelFunc) {
	if cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.Timeout)
}

// contentText joins the text items of an MCP content array.
func contentText(content []json.RawMessage) string {
	var parts []string
	for _, item := range content {
		var c struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(item, &c) == nil && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	if len(parts) == 0 {
		return "no details"
	}
	return strings.Join(parts, "\n")
}
