package prompt

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"hobbes/internal/types"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newBuilder() *Builder {
	return NewBuilder(WithClock(func() time.Time { return fixedNow }))
}

func textMsg(author types.Author, text string) types.Message {
	return types.NewMessage(author, types.TextContent(text))
}

func userText(text string) Content {
	return Content{Role: "user", Parts: []Part{{Text: text}}}
}

func modelText(text string) Content {
	return Content{Role: "model", Parts: []Part{{Text: text}}}
}

func weatherCatalog() *types.ToolCatalog {
	var tool types.ToolSchema
	_ = json.Unmarshal([]byte(`{
		"name":"get_weather",
		"description":"Current weather",
		"inputSchema":{"type":"object","$schema":"http://json-schema.org/draft-07/schema#","properties":{"city":{"type":"string"}},"additionalProperties":false},
		"outputSchema":{"type":"object"},
		"annotations":{"readOnlyHint":true}
	}`), &tool)
	return &types.ToolCatalog{Servers: []types.ServerTools{{Name: "weather", Tools: []types.ToolSchema{tool}}}}
}

func TestBuild_FirstTurn(t *testing.T) {
	s := types.NewSession("Chat")
	pkg, err := newBuilder().Build(Input{
		Session:  s,
		Settings: Settings{Persona: "P", HistoryWindow: 4},
		UserText: "Hello",
	})
	require.NoError(t, err)

	if diff := cmp.Diff([]Content{userText("Hello")}, pkg.Contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, pkg.Tools)

	require.NotNil(t, pkg.SystemInstruction)
	sys := gjson.Parse(pkg.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "P", sys.Get("system_persona").String())
	assert.Equal(t, UserNameInstruction, sys.Get("user_instruction").String())
	assert.Equal(t, "2025-06-01T12:00:00Z", sys.Get("current_time.iso_8601").String())
	assert.Equal(t, "UTC", sys.Get("current_time.timezone").String())
	assert.False(t, sys.Get("mcp_tools").Exists())
}

func TestBuild_BlankUserNameAsksForName(t *testing.T) {
	for _, name := range []string{"", "   ", "\t\n"} {
		s := types.NewSession("Chat")
		s.ActiveContext.ConversationSummary.Entities.UserName = name

		pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{Persona: "P"}, UserText: "hi"})
		require.NoError(t, err)
		sys := gjson.Parse(pkg.SystemInstruction.Parts[0].Text)
		assert.Equal(t, UserNameInstruction, sys.Get("user_instruction").String(), "name %q", name)
	}
}

func TestBuild_PersonaDirectives(t *testing.T) {
	s := types.NewSession("Chat")
	s.ActiveContext.ConversationSummary.Entities.UserName = "Ada"
	failed := types.NewToolCall("e1", "weather", "get_weather", nil)
	require.NoError(t, failed.Resolve(types.StatusError, "city required"))
	s.ToolCallHistory = []types.ToolCallRecord{types.RecordOf(failed)}

	pkg, err := newBuilder().Build(Input{
		Session:  s,
		Settings: Settings{Persona: "P", ForceToolUseInstruction: "Use tools."},
	})
	require.NoError(t, err)

	sys := gjson.Parse(pkg.SystemInstruction.Parts[0].Text)
	persona := sys.Get("system_persona").String()
	assert.True(t, strings.HasPrefix(persona, "P\n\nCRITICAL INSTRUCTION: Use tools."))
	assert.Contains(t, persona, "CRITICAL RECOVERY INSTRUCTION")
	assert.False(t, sys.Get("user_instruction").Exists(), "name known")
	assert.Equal(t, "Ada", sys.Get("conversation_summary.entities.user_name").String())
}

func TestBuild_FirstUserMessageAlwaysIncluded(t *testing.T) {
	s := types.NewSession("Chat")
	s.Messages = []types.Message{
		textMsg(types.AuthorUser, "m0"),
		textMsg(types.AuthorAgent, "m1"),
		textMsg(types.AuthorUser, "m2"),
		textMsg(types.AuthorAgent, "m3"),
		textMsg(types.AuthorUser, "m4"),
		textMsg(types.AuthorAgent, "m5"),
	}

	pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{HistoryWindow: 2}, UserText: "next"})
	require.NoError(t, err)

	want := []Content{userText("m0"), userText("m4"), modelText("m5"), userText("next")}
	if diff := cmp.Diff(want, pkg.Contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_FirstMessageNotDuplicatedInWindow(t *testing.T) {
	s := types.NewSession("Chat")
	s.Messages = []types.Message{textMsg(types.AuthorUser, "m0"), textMsg(types.AuthorAgent, "m1")}

	pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{HistoryWindow: 4}})
	require.NoError(t, err)
	if diff := cmp.Diff([]Content{userText("m0"), modelText("m1")}, pkg.Contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_SkipsToolAndEmptyMessages(t *testing.T) {
	s := types.NewSession("Chat")
	placeholder := textMsg(types.AuthorAgent, "")
	s.Messages = []types.Message{
		textMsg(types.AuthorUser, "What's the weather in Paris?"),
		types.NewMessage(types.AuthorAgent, types.ToolCallContent(types.NewToolCall("e1", "weather", "get_weather", nil))),
		types.NewMessage(types.AuthorAgent, types.PermissionRequestContent(types.NewToolCall("e2", "weather", "get_weather", nil))),
		placeholder,
	}

	pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{HistoryWindow: 4}})
	require.NoError(t, err)
	if diff := cmp.Diff([]Content{userText("What's the weather in Paris?")}, pkg.Contents); diff != "" {
		t.Errorf("contents mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ToolHistoryPairs(t *testing.T) {
	s := types.NewSession("Chat")
	s.Messages = []types.Message{textMsg(types.AuthorUser, "What's the weather in Paris?")}

	ok := types.NewToolCall("e1", "weather", "get_weather", json.RawMessage(`{"city":"Paris"}`))
	require.NoError(t, ok.Resolve(types.StatusCompleted, "{\n  \"temp\": 21\n}"))
	bad := types.NewToolCall("e2", "weather", "get_forecast", json.RawMessage(`{}`))
	require.NoError(t, bad.Resolve(types.StatusError, "Denied by user."))
	s.ToolCallHistory = []types.ToolCallRecord{types.RecordOf(ok), types.RecordOf(bad)}

	pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{HistoryWindow: 4}})
	require.NoError(t, err)
	require.Len(t, pkg.Contents, 5)

	call := pkg.Contents[1]
	assert.Equal(t, "model", call.Role)
	require.NotNil(t, call.Parts[0].FunctionCall)
	assert.Equal(t, "get_weather", call.Parts[0].FunctionCall.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(call.Parts[0].FunctionCall.Args))

	resp := pkg.Contents[2]
	assert.Equal(t, "user", resp.Role)
	assert.JSONEq(t, `{"result":{"temp":21}}`, string(resp.Parts[0].FunctionResponse.Response))

	assert.JSONEq(t, `{"result":"Denied by user."}`, string(pkg.Contents[4].Parts[0].FunctionResponse.Response))
}

func TestBuild_ToolDeclarationsSanitized(t *testing.T) {
	s := types.NewSession("Chat")
	s.ActiveContext.ToolCatalog = weatherCatalog()

	pkg, err := newBuilder().Build(Input{Session: s, Settings: Settings{}, UserText: "hi"})
	require.NoError(t, err)
	require.Len(t, pkg.Tools, 1)
	require.Len(t, pkg.Tools[0].FunctionDeclarations, 1)

	decl := string(pkg.Tools[0].FunctionDeclarations[0])
	assert.JSONEq(t, `{
		"name":"get_weather",
		"description":"Current weather",
		"parameters":{"type":"object","properties":{"city":{"type":"string"}}}
	}`, decl)

	sys := pkg.SystemInstruction.Parts[0].Text
	assert.NotContains(t, sys, "get_weather", "catalog excluded from instruction")
}

func TestBuild_DoesNotMutateInput(t *testing.T) {
	s := types.NewSession("Chat")
	s.ActiveContext.SystemPersona = "stored"
	s.Messages = []types.Message{textMsg(types.AuthorUser, "hi")}
	before := s.Clone()

	_, err := newBuilder().Build(Input{Session: s, Settings: Settings{Persona: "P", HistoryWindow: 4}, UserText: "x"})
	require.NoError(t, err)
	assert.Equal(t, before, s)
}

func TestBuild_Deterministic(t *testing.T) {
	s := types.NewSession("Chat")
	s.ActiveContext.ToolCatalog = weatherCatalog()
	require.NoError(t, s.ActiveContext.SetExtra("tool_snapshot_a", map[string]int{"n": 1}))
	in := Input{Session: s, Settings: Settings{Persona: "P", HistoryWindow: 4}, UserText: "x"}

	a, err := newBuilder().Build(in)
	require.NoError(t, err)
	b, err := newBuilder().Build(in)
	require.NoError(t, err)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.Equal(t, string(ja), string(jb))
}

func TestBuild_NilSession(t *testing.T) {
	_, err := newBuilder().Build(Input{})
	assert.Error(t, err)
}
