package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hobbes/internal/types"
)

type stubModel struct {
	gotPrevious types.ConversationSummary
	gotRecent   []types.Message
	reply       types.ConversationSummary
	err         error
}

func (m *stubModel) Summarize(_ context.Context, previous types.ConversationSummary, recent []types.Message) (types.ConversationSummary, error) {
	m.gotPrevious, m.gotRecent = previous, recent
	return m.reply, m.err
}

func seed(t *testing.T, c *Conversation, texts ...string) {
	t.Helper()
	for i, text := range texts {
		author := types.AuthorUser
		if i%2 == 1 {
			author = types.AuthorAgent
		}
		require.NoError(t, c.AppendMessage(context.Background(), types.NewMessage(author, types.TextContent(text))))
	}
}

func TestSummarizer_UsesTrailingWindow(t *testing.T) {
	ctx := context.Background()
	c := newConv(t)
	seed(t, c, "1", "2", "3", "4", "5", "6", "7")
	require.NoError(t, c.SetSummary(ctx, types.ConversationSummary{Summary: "before"}))

	model := &stubModel{reply: types.ConversationSummary{
		Summary:  "after",
		Entities: types.Entities{UserName: "Ada"},
	}}
	require.NoError(t, NewSummarizer(model, 5).Refresh(ctx, c))

	assert.Equal(t, "before", model.gotPrevious.Summary)
	require.Len(t, model.gotRecent, 5)
	assert.Equal(t, "3", model.gotRecent[0].Content.Text)

	snap, _ := c.Snapshot(ctx)
	assert.Equal(t, "after", snap.ActiveContext.ConversationSummary.Summary)
	assert.Equal(t, "Ada", snap.ActiveContext.ConversationSummary.Entities.UserName)
}

func TestSummarizer_FailureKeepsSummary(t *testing.T) {
	ctx := context.Background()
	c := newConv(t)
	seed(t, c, "hello")
	require.NoError(t, c.SetSummary(ctx, types.ConversationSummary{Summary: "keep"}))

	err := NewSummarizer(&stubModel{err: errors.New("boom")}, 0).Refresh(ctx, c)
	require.Error(t, err)

	snap, _ := c.Snapshot(ctx)
	assert.Equal(t, "keep", snap.ActiveContext.ConversationSummary.Summary)
}

func TestSummarizer_EmptyConversationSkipsModel(t *testing.T) {
	model := &stubModel{}
	require.NoError(t, NewSummarizer(model, 5).Refresh(context.Background(), newConv(t)))
	assert.Nil(t, model.gotRecent)
}
