package session

import (
	"context"
	"fmt"

	"hobbes/internal/logging"
	"hobbes/internal/types"
)

// SummaryModel folds recent messages into a conversation summary.
type SummaryModel interface {
	Summarize(ctx context.Context, previous types.ConversationSummary, recent []types.Message) (types.ConversationSummary, error)
}

// DefaultSummaryWindow is how many trailing messages feed each summary.
const DefaultSummaryWindow = 5

// Summarizer keeps the active context's summary current between turns.
type Summarizer struct {
	model  SummaryModel
	window int
}

// NewSummarizer returns a Summarizer reading the last window messages.
func NewSummarizer(model SummaryModel, window int) *Summarizer {
	if window <= 0 {
		window = DefaultSummaryWindow
	}
	return &Summarizer{model: model, window: window}
}

// Refresh summarizes the conversation and stores the result. On failure the
// existing summary is left untouched.
func (s *Summarizer) Refresh(ctx context.Context, conv *Conversation) error {
	timer := logging.StartTimer(logging.CategorySession, "summarize")
	defer timer.Stop()

	snap, err := conv.Snapshot(ctx)
	if err != nil {
		return err
	}
	recent := visibleText(snap.Messages)
	if len(recent) > s.window {
		recent = recent[len(recent)-s.window:]
	}
	if len(recent) == 0 {
		return nil
	}

	summary, err := s.model.Summarize(ctx, snap.ActiveContext.ConversationSummary, recent)
	if err != nil {
		logging.SessionWarn("conversation summary failed: %v", err)
		return fmt.Errorf("summarize session %s: %w", snap.ID, err)
	}
	if err := conv.SetSummary(ctx, summary); err != nil {
		return err
	}
	logging.SessionDebug("summary updated for session %s (user_name=%q)", snap.ID, summary.Entities.UserName)
	return nil
}

// visibleText keeps messages with non-empty text.
func visibleText(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content.RenderText() != "" {
			out = append(out, m)
		}
	}
	return out
}
