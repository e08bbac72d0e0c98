package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"hobbes/internal/logging"
)

var errTransportClosed = errors.New("connection closed")

// StdioTransport runs the server as a child process and exchanges
// newline-delimited JSON-RPC messages over its stdin and stdout.
type StdioTransport struct {
	command string
	env     map[string]string

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	connected bool
	nextID    int64
	pending   map[int64]chan rpcResponse

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewStdioTransport prepares a transport for command, run via "sh -c".
func NewStdioTransport(command string, env map[string]string) *StdioTransport {
	return &StdioTransport{
		command: command,
		env:     env,
		pending: make(map[int64]chan rpcResponse),
	}
}

// Connect starts the process and runs the initialize handshake.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.command == "" {
		return fmt.Errorf("empty command for stdio transport")
	}

	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	cmd := exec.Command("sh", "-c", t.command)
	cmd.Env = append(os.Environ(), envList(t.env)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to start command %q: %w", t.command, err)
	}
	t.cmd, t.stdin, t.connected = cmd, stdin, true
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readStderr(stderr)
	go t.readStdout(stdout)

	// The reader goroutine must be running before the handshake waits on it.
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		_ = t.Disconnect()
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := t.write(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"}); err != nil {
		_ = t.Disconnect()
		return err
	}
	logging.Tools("MCP stdio transport started: %s", t.command)
	return nil
}

// Disconnect kills the process and fails every pending call.
func (t *StdioTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	cmd := t.cmd
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.ToolsWarn("timeout waiting for stdio server to exit: %s", t.command)
	}
	logging.ToolsDebug("MCP stdio transport stopped: %s", t.command)
	return nil
}

func (t *StdioTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *StdioTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	raw, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return decodeTools(raw)
}

func (t *StdioTransport) CallTool(ctx context.Context, name string, args json.RawMessage, preApproved bool) (*CallResult, error) {
	raw, err := t.call(ctx, "tools/call", callParams(name, args, preApproved))
	if err != nil {
		return nil, err
	}
	return decodeCallResult(raw)
}

func (t *StdioTransport) readStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logging.ToolsDebug("[%s stderr] %s", t.command, scanner.Text())
	}
}

func (t *StdioTransport) readStdout(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.ToolsWarn("failed to parse JSON from server stdout: %v", err)
			continue
		}
		if resp.ID == nil {
			logging.ToolsDebug("server notification: %s", line)
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[*resp.ID]
		delete(t.pending, *resp.ID)
		t.mu.Unlock()
		if !ok {
			logging.ToolsWarn("response for unknown request id %d", *resp.ID)
			continue
		}
		ch <- resp
	}
	if err := scanner.Err(); err != nil && t.IsConnected() {
		logging.ToolsError("error reading server stdout: %v", err)
	}
}

func (t *StdioTransport) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected to MCP server")
	}
	t.nextID++
	id := t.nextID
	ch := make(chan rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.write(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		t.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errTransportClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.forget(id)
		return nil, ctx.Err()
	}
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *StdioTransport) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

var _ Transport = (*StdioTransport)(nil)
