// Package prompt assembles the request package sent to the model endpoint.
// Building is pure: no I/O, inputs are never mutated, and the clock is injectable.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

const (
	// UserNameInstruction is sent while the summary has no user name.
	UserNameInstruction = "Your user's name is not in the current SYSTEM_CONTEXT. Please ask them what they would like to be called."

	forceToolUsePrefix  = "\n\nCRITICAL INSTRUCTION: "
	recoveryInstruction = "\n\nCRITICAL RECOVERY INSTRUCTION: A previous tool call failed. Analyze the error message in the `<tool_response>` and attempt a different tool call to accomplish the user's goal. Do not repeat the failed tool call."
)

// Settings are the user preferences that shape a prompt.
type Settings struct {
	Persona                 string
	ForceToolUseInstruction string
	// HistoryWindow is how many trailing transcript messages are considered.
	HistoryWindow int
}

// Input is the snapshot a prompt is built from.
type Input struct {
	Session  *types.Session
	Settings Settings
	// Tools overrides the session's catalog when set.
	Tools *types.ToolCatalog
	// UserText is the pending message; empty for follow-up requests.
	UserText string
}

// Builder builds prompt packages.
type Builder struct {
	now func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock fixes the time reported in current_time.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder returns a Builder using the wall clock unless overridden.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build assembles system instruction, contents and tool declarations.
func (b *Builder) Build(in Input) (*Package, error) {
	if in.Session == nil {
		return nil, fmt.Errorf("prompt: nil session")
	}
	catalog := in.Tools
	if catalog == nil {
		catalog = in.Session.ActiveContext.ToolCatalog
	}

	tools, err := declarations(catalog)
	if err != nil {
		return nil, err
	}
	system, err := b.systemInstruction(in)
	if err != nil {
		return nil, err
	}
	contents := buildContents(in)

	pkg := &Package{SystemInstruction: system, Contents: contents, Tools: tools}
	logging.PromptDebug("built prompt: %d contents, %d declarations, %d history records",
		len(contents), pkg.DeclarationCount(), len(in.Session.ToolCallHistory))
	return pkg, nil
}

func declarations(catalog *types.ToolCatalog) ([]Tool, error) {
	if catalog.ToolCount() == 0 {
		return nil, nil
	}
	decls := make([]json.RawMessage, 0, catalog.ToolCount())
	for _, server := range catalog.Servers {
		for _, tool := range server.Tools {
			// Function declarations carry only name, description and parameters.
			raw, err := json.Marshal(types.ToolSchema{Name: tool.Name, Description: tool.Description, InputSchema: tool.InputSchema})
			if err != nil {
				return nil, fmt.Errorf("encode tool %s/%s: %w", server.Name, tool.Name, err)
			}
			decl, err := SanitizeTool(raw)
			if err != nil {
				return nil, fmt.Errorf("sanitize tool %s/%s: %w", server.Name, tool.Name, err)
			}
			decls = append(decls, decl)
		}
	}
	return []Tool{{FunctionDeclarations: decls}}, nil
}

func (b *Builder) systemInstruction(in Input) (*Content, error) {
	ctx := in.Session.ActiveContext.Clone()

	persona := in.Settings.Persona
	if in.Settings.ForceToolUseInstruction != "" {
		persona += forceToolUsePrefix + in.Settings.ForceToolUseInstruction
	}
	for _, rec := range in.Session.ToolCallHistory {
		if rec.Failed() {
			persona += recoveryInstruction
			break
		}
	}
	ctx.SystemPersona = persona

	if strings.TrimSpace(ctx.ConversationSummary.Entities.UserName) == "" {
		ctx.UserInstruction = UserNameInstruction
	} else {
		ctx.UserInstruction = ""
	}

	fields, err := ctx.Fields(false)
	if err != nil {
		return nil, fmt.Errorf("encode active context: %w", err)
	}
	now, _ := json.Marshal(map[string]string{
		"iso_8601": b.now().UTC().Format(time.RFC3339Nano),
		"timezone": "UTC",
	})
	fields["current_time"] = now

	text, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode system instruction: %w", err)
	}
	if len(text) == 0 || string(text) == "{}" {
		return nil, nil
	}
	return &Content{Parts: []Part{{Text: string(text)}}}, nil
}

func role(a types.Author) string {
	if a == types.AuthorUser {
		return "user"
	}
	return "model"
}

func buildContents(in Input) []Content {
	var contents []Content
	msgs := in.Session.Messages

	// The first user message anchors the conversation's intent.
	firstID := ""
	if first, ok := in.Session.FirstUserText(); ok {
		firstID = first.ID
		if text := first.Content.RenderText(); text != "" {
			contents = append(contents, Content{Role: "user", Parts: []Part{{Text: text}}})
		}
	}

	start := len(msgs) - in.Settings.HistoryWindow
	if start < 0 {
		start = 0
	}
	for _, m := range msgs[start:] {
		if m.ID == firstID {
			continue
		}
		text := m.Content.RenderText()
		if text == "" {
			continue
		}
		contents = append(contents, Content{Role: role(m.Author), Parts: []Part{{Text: text}}})
	}

	for _, rec := range in.Session.ToolCallHistory {
		args := rec.Call.Arguments
		if !gjson.ValidBytes(args) || !gjson.ParseBytes(args).IsObject() {
			args = json.RawMessage(`{}`)
		}
		contents = append(contents,
			Content{Role: "model", Parts: []Part{{FunctionCall: &FunctionCall{Name: rec.Call.ToolName, Args: args}}}},
			Content{Role: "user", Parts: []Part{{FunctionResponse: &FunctionResponse{Name: rec.Call.ToolName, Response: wrapResult(rec.Result.Response)}}}},
		)
	}

	if in.UserText != "" {
		contents = append(contents, Content{Role: "user", Parts: []Part{{Text: in.UserText}}})
	}
	return contents
}

// wrapResult embeds a tool response as {"result": ...}: JSON stays structured,
// anything else becomes a string.
func wrapResult(response string) json.RawMessage {
	var result json.RawMessage
	if response != "" && gjson.Valid(response) {
		result = json.RawMessage(response)
	} else {
		result, _ = json.Marshal(response)
	}
	out, _ := json.Marshal(map[string]json.RawMessage{"result": result})
	return out
}
