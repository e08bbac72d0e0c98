package perception

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"hobbes/internal/logging"
	"hobbes/internal/types"
	"hobbes/internal/usage"
)

const summaryPromptTemplate = `
You are an AI assistant that refines a conversation summary.
You will be given a previous summary (which may be empty) and the most recent messages in a conversation.
Your primary task is to integrate the new information from the recent messages into the previous summary, updating and extending it.
Preserve existing information while incorporating new facts, entities, or user preferences.

A crucial part of your task is to analyze the **sentiment and mood** of the user in the "Recent Messages".

Format your response as a single, clean JSON object with three keys: "summary", "entities", and "sentiment".
- "summary": A concise, updated summary of the entire conversation so far.
- "entities": An object containing all key-value pairs of extracted information. If the user mentions their name, be sure to extract it and include it as {"user_name": "..."} in this object.
- "sentiment": A brief string describing the user's current sentiment or mood (e.g., "curious and collaborative", "frustrated but focused", "pleased with the progress", "neutral"). This should reflect the feeling of the recent messages.

Previous Summary:
---
%s
---

Recent Messages:
---
%s
`

// Summarize folds recent messages into the previous summary with the summary model.
func (c *GeminiClient) Summarize(ctx context.Context, previous types.ConversationSummary, recent []types.Message) (types.ConversationSummary, error) {
	full := SummaryPrompt(previous, recent)
	if err := c.limiter.Wait(ctx); err != nil {
		return previous, fmt.Errorf("rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	logging.APIDebug("[Gemini] summarizing %d messages with %s", len(recent), c.summaryModel)
	resp, err := c.sdk.Models.GenerateContent(ctx, c.summaryModel,
		[]*genai.Content{genai.NewContentFromText(full, genai.RoleUser)},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return previous, fmt.Errorf("summary request failed: %w", err)
	}
	if md := resp.UsageMetadata; md != nil {
		usage.TrackFromContext(ctx, c.summaryModel, int(md.PromptTokenCount), int(md.CandidatesTokenCount), usage.OperationSummary)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return previous, fmt.Errorf("summary model returned no text")
	}
	return ParseSummary(text), nil
}

// SummaryPrompt renders the summarizer prompt. Previous is encoded as JSON;
// messages render as "Author: text", tool messages as their tool name.
func SummaryPrompt(previous types.ConversationSummary, recent []types.Message) string {
	prev := ""
	if previous.Summary != "" || previous.Entities.UserName != "" || len(previous.Entities.Other) > 0 {
		if raw, err := json.Marshal(previous); err == nil {
			prev = string(raw)
		}
	}
	lines := make([]string, 0, len(recent))
	for _, m := range recent {
		text := m.Content.RenderText()
		if text == "" && m.Content.ToolCall != nil {
			text = fmt.Sprintf("[tool %s]", m.Content.ToolCall.ToolName)
		}
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Author, text))
	}
	return fmt.Sprintf(summaryPromptTemplate, prev, strings.Join(lines, "\n"))
}

// ParseSummary decodes the model's reply. It tries the whole text, then the
// span from the first '{' to the last '}', then falls back to the raw text as summary.
func ParseSummary(text string) types.ConversationSummary {
	var out types.ConversationSummary
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			logging.APIDebug("[Gemini] summary parsed from embedded JSON block")
			return out
		}
	}
	logging.Get(logging.CategoryAPI).Warn("summary reply is not JSON, using raw text")
	return types.ConversationSummary{Summary: text}
}
