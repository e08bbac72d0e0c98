package main

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/pretty"

	"hobbes/internal/dispatch"
	"hobbes/internal/turn"
	"hobbes/internal/types"
)

const maxShownResponse = 400

// renderer prints turn updates as plain terminal text.
type renderer struct {
	w io.Writer
	// midLine is set while agent text is being streamed without a trailing newline.
	midLine bool
}

func (r *renderer) render(u turn.Update) {
	switch u.Kind {
	case turn.UpdateMessageAppended:
		if u.Message == nil || u.Message.Author != types.AuthorAgent {
			return
		}
		if u.Message.Content.ToolCall != nil {
			r.line(formatToolCall(*u.Message.Content.ToolCall))
			return
		}
		r.text(u.Message.Content.Text)
	case turn.UpdateTextDelta:
		r.text(u.Text)
	case turn.UpdateToolCall:
		if u.Message != nil && u.Message.Content.ToolCall != nil {
			r.line(formatToolCall(*u.Message.Content.ToolCall))
		}
	case turn.UpdateToolResult:
		if u.Record != nil {
			r.line(formatToolResult(*u.Record))
		}
	case turn.UpdateState:
		if u.State == turn.StateDone {
			r.endLine()
		}
	}
}

func (r *renderer) text(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.w, s)
	r.midLine = !strings.HasSuffix(s, "\n")
}

func (r *renderer) line(s string) {
	r.endLine()
	fmt.Fprintln(r.w, s)
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
}

func formatToolCall(call types.ToolCallState) string {
	return fmt.Sprintf("[tool %s/%s %s]", call.ServerName, call.ToolName, compactJSON(call.Arguments))
}

func formatToolResult(rec types.ToolCallRecord) string {
	return fmt.Sprintf("[tool %s %s] %s", rec.Call.ToolName, rec.Result.Status, truncate(rec.Result.Response, maxShownResponse))
}

func formatApproval(p dispatch.PendingApproval) string {
	return fmt.Sprintf("Allow %s/%s %s (category %s)? [y/N] ",
		p.Call.ServerName, p.Call.ToolName, compactJSON(p.Call.Arguments), p.Category)
}

func compactJSON(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(pretty.Ugly(raw))
}

// truncate shortens s to n runes, marking the cut.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// isYes accepts y and yes in any case.
func isYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}
