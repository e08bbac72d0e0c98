package perception

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"hobbes/internal/prompt"
	"hobbes/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultGeminiConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1beta"
	cfg.Model = "gemini-test"
	cfg.RequestsPerSec = 0
	c, err := NewGeminiClient(context.Background(), cfg)
	require.NoError(t, err)
	return c
}

func TestOpenStream_PostsPackage(t *testing.T) {
	var gotPath, gotKey, gotQuery string
	var gotBody []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("x-goog-api-key")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"candidates\":[]}\n\n")
	})

	pkg := &prompt.Package{
		SystemInstruction: &prompt.Content{Parts: []prompt.Part{{Text: "{}"}}},
		Contents:          []prompt.Content{{Role: "user", Parts: []prompt.Part{{Text: "Hello"}}}},
		Tools:             []prompt.Tool{{FunctionDeclarations: []json.RawMessage{json.RawMessage(`{"name":"t"}`)}}},
	}
	body, err := c.OpenStream(context.Background(), pkg)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "candidates")

	assert.Equal(t, "/v1beta/models/gemini-test:streamGenerateContent", gotPath)
	assert.Equal(t, "alt=sse", gotQuery)
	assert.Equal(t, "test-key", gotKey)

	req := gjson.ParseBytes(gotBody)
	assert.Equal(t, "Hello", req.Get("contents.0.parts.0.text").String())
	assert.Equal(t, "t", req.Get("tools.0.functionDeclarations.0.name").String())
	assert.True(t, req.Get("systemInstruction").Exists())
}

func TestOpenStream_Non200(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid JSON payload","status":"INVALID_ARGUMENT"}}`)
	})

	_, err := c.OpenStream(context.Background(), &prompt.Package{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "Invalid JSON payload")
}

func TestOpenStream_CancelledContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.OpenStream(ctx, &prompt.Package{})
	assert.Error(t, err)
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiConfig{})
	assert.Error(t, err)
}

func TestParseSummary(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		summary   string
		userName  string
		sentiment string
	}{
		{
			name:      "plain json",
			in:        `{"summary":"Asked about weather","entities":{"user_name":"Ada","city":"Paris"},"sentiment":"curious"}`,
			summary:   "Asked about weather",
			userName:  "Ada",
			sentiment: "curious",
		},
		{
			name:    "fenced json",
			in:      "```json\n{\"summary\":\"s\",\"entities\":{}}\n```",
			summary: "s",
		},
		{
			name:    "not json",
			in:      "The user said hi.",
			summary: "The user said hi.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSummary(tt.in)
			assert.Equal(t, tt.summary, got.Summary)
			assert.Equal(t, tt.userName, got.Entities.UserName)
			assert.Equal(t, tt.sentiment, got.Sentiment)
		})
	}
}

func TestSummaryPrompt(t *testing.T) {
	prev := types.ConversationSummary{Summary: "earlier"}
	msgs := []types.Message{
		types.NewMessage(types.AuthorUser, types.TextContent("I'm Ada")),
		types.NewMessage(types.AuthorAgent, types.ToolCallContent(types.NewToolCall("e", "s", "get_weather", nil))),
		types.NewMessage(types.AuthorAgent, types.TextContent("")),
	}
	p := SummaryPrompt(prev, msgs)
	assert.Contains(t, p, `"summary":"earlier"`)
	assert.Contains(t, p, "User: I'm Ada")
	assert.Contains(t, p, "Agent: [tool get_weather]")
}
