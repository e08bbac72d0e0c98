package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer answers the JSON-RPC methods the client uses.
func fakeServer(req rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake","version":"0"}}`)
	case "tools/list":
		resp.Result = json.RawMessage(`{"tools":[
			{"name":"get_weather","description":"Weather by city","inputSchema":{"type":"object","properties":{"city":{"type":"string"}}},"outputSchema":{"type":"object"},"annotations":{"readOnlyHint":true}},
			{"name":"delete_file","description":"Needs approval","inputSchema":{"type":"object"}},
			{"name":"broken","inputSchema":{"type":"object"}}
		]}`)
	case "tools/call":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
			Meta      struct {
				PreApproved bool `json:"preApproved"`
			} `json:"_meta"`
		}
		raw, _ := json.Marshal(req.Params)
		_ = json.Unmarshal(raw, &p)
		switch p.Name {
		case "get_weather":
			var args struct {
				City string `json:"city"`
			}
			_ = json.Unmarshal(p.Arguments, &args)
			resp.Result = json.RawMessage(fmt.Sprintf(`{"content":[{"type":"text","text":"Sunny in %s"}]}`, args.City))
		case "delete_file":
			if !p.Meta.PreApproved {
				resp.Error = &rpcError{Code: CodeApprovalRequired, Message: "user approval required"}
				return resp
			}
			resp.Result = json.RawMessage(`{"content":[{"type":"text","text":"deleted"}]}`)
		default:
			resp.Result = json.RawMessage(`{"content":[{"type":"text","text":"disk full"}],"isError":true}`)
		}
	default:
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	}
	return resp
}

func newHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fakeServer(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func connectedManager(t *testing.T) *Manager {
	t.Helper()
	srv := newHTTPServer(t)
	m := NewManager([]ServerConfig{{
		Name:        "weather",
		Description: "Weather service",
		Protocol:    ProtocolHTTP,
		BaseURL:     srv.URL,
		Endpoint:    "/mcp",
		Timeout:     5 * time.Second,
	}})
	require.NoError(t, m.ConnectAll(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_CatalogFromHTTPServer(t *testing.T) {
	m := connectedManager(t)

	catalog := m.Catalog()
	require.Len(t, catalog.Servers, 1)
	assert.Equal(t, "weather", catalog.Servers[0].Name)
	assert.Equal(t, "Weather service", catalog.Servers[0].Description)
	assert.Equal(t, 3, catalog.ToolCount())

	server, ok := catalog.FindServer("get_weather")
	assert.True(t, ok)
	assert.Equal(t, "weather", server)

	weather := catalog.Servers[0].Tools[0]
	assert.Equal(t, "get_weather", weather.Name)
	assert.JSONEq(t, `{"type":"object"}`, string(weather.OutputSchema))
	assert.JSONEq(t, `{"readOnlyHint":true}`, string(weather.Extra["annotations"]))

	tools, err := m.ListTools("weather")
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestManager_Invoke(t *testing.T) {
	m := connectedManager(t)
	ctx := context.Background()

	out, err := m.Invoke(ctx, "weather", "get_weather", json.RawMessage(`{"city":"Paris"}`), false)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"text","text":"Sunny in Paris"}]`, string(out))

	_, err = m.Invoke(ctx, "weather", "broken", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = m.Invoke(ctx, "nowhere", "get_weather", nil, false)
	assert.EqualError(t, err, "Server not found: nowhere")

	_, err = m.Invoke(ctx, "weather", "launch", nil, false)
	assert.EqualError(t, err, "Tool not found: launch")

	_, err = m.Invoke(ctx, "weather", "get_weather", json.RawMessage(`[1]`), false)
	assert.EqualError(t, err, "Tool arguments must be a JSON object")
}

func TestManager_ApprovalRequired(t *testing.T) {
	m := connectedManager(t)

	_, err := m.Invoke(context.Background(), "weather", "delete_file", nil, false)
	var approval *ApprovalRequiredError
	require.True(t, errors.As(err, &approval))
	assert.Equal(t, "delete_file", approval.Tool)
	assert.Equal(t, "user approval required", approval.Message)

	out, err := m.Invoke(context.Background(), "weather", "delete_file", nil, true)
	require.NoError(t, err)
	assert.Contains(t, string(out), "deleted")
}

func TestManager_FailedServerLeftOut(t *testing.T) {
	srv := newHTTPServer(t)
	m := NewManager([]ServerConfig{
		{Name: "good", Protocol: ProtocolHTTP, BaseURL: srv.URL, Timeout: time.Second},
		{Name: "bad", Protocol: "carrier-pigeon"},
	})
	err := m.ConnectAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	defer m.Close()

	assert.Equal(t, []string{"good"}, m.ConnectedServers())
	status, lastErr := m.Status("bad")
	assert.Equal(t, ServerStatusError, status)
	assert.Error(t, lastErr)
	assert.Len(t, m.Catalog().Servers, 1)
}

// TestHelperMCPServer is not a real test. It runs as the stdio server child
// process when HOBBES_HELPER_MCP is set.
func TestHelperMCPServer(t *testing.T) {
	if os.Getenv("HOBBES_HELPER_MCP") != "1" {
		t.Skip("helper process")
	}
	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
			continue
		}
		_ = enc.Encode(fakeServer(req))
	}
	os.Exit(0)
}

func TestManager_StdioServer(t *testing.T) {
	m := NewManager([]ServerConfig{{
		Name:     "local",
		Protocol: ProtocolStdio,
		Command:  fmt.Sprintf("%q -test.run=TestHelperMCPServer", os.Args[0]),
		Env:      map[string]string{"HOBBES_HELPER_MCP": "1"},
		Timeout:  10 * time.Second,
	}})
	require.NoError(t, m.ConnectAll(context.Background()))
	defer m.Close()

	out, err := m.Invoke(context.Background(), "local", "get_weather", json.RawMessage(`{"city":"Oslo"}`), false)
	require.NoError(t, err)
	assert.Contains(t, string(out), "Sunny in Oslo")
}

func TestNewTransport(t *testing.T) {
	_, err := NewTransport(ServerConfig{Name: "x", Protocol: ProtocolStdio})
	assert.Error(t, err)

	tr, err := NewTransport(ServerConfig{Name: "x", Protocol: ProtocolHTTP, BaseURL: "http://h/", Endpoint: "/rpc"})
	require.NoError(t, err)
	assert.Equal(t, "http://h/rpc", tr.(*HTTPTransport).url)
}
