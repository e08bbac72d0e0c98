package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hobbes/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverModernc, MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesDirectoryAndDetectsDistance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hobbes.db")
	db, err := Open("", path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, DriverModernc, db.Driver())
	assert.Equal(t, "vector_distance_cos", db.distanceFunc)
	assert.FileExists(t, path)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("postgres", MemoryPath)
	assert.Error(t, err)
}

func TestSessionStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(openTestDB(t))

	sess := types.NewSession("weather chat")
	sess.Messages = append(sess.Messages,
		types.NewMessage(types.AuthorUser, types.TextContent("Weather in Paris?")),
		types.NewMessage(types.AuthorAgent, types.ToolCallContent(types.NewToolCall("e1", "weather", "get_weather", []byte(`{"city":"Paris"}`)))),
	)
	require.NoError(t, s.Save(ctx, sess))

	got, err := s.Load(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.Name, got.Name)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "get_weather", got.Messages[1].Content.ToolCall.ToolName)

	sess.Name = "renamed"
	require.NoError(t, s.Save(ctx, sess))
	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].Name)
	assert.Equal(t, 2, list[0].MessageCount)
}

func TestSessionStore_LatestAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(openTestDB(t))

	_, err := s.Latest(ctx)
	assert.True(t, errors.Is(err, ErrNotFound))

	older := types.NewSession("older")
	older.Touch(time.Now().Add(-time.Hour))
	newer := types.NewSession("newer")
	newer.Touch(time.Now())
	require.NoError(t, s.Save(ctx, newer))
	require.NoError(t, s.Save(ctx, older))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"newer", "older"}, []string{list[0].Name, list[1].Name})

	require.NoError(t, s.Delete(ctx, newer.ID))
	_, err = s.Load(ctx, newer.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, newer.ID), ErrNotFound))
}

type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	for key, v := range f.vectors {
		if strings.Contains(text, key) {
			return v, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func record(id, tool, response string, status types.ToolCallStatus) types.ToolCallRecord {
	call := types.NewToolCall(id, "srv", tool, []byte(`{"q":"x"}`))
	_ = call.Resolve(status, response)
	return types.RecordOf(call)
}

func TestToolArchive_TextSearch(t *testing.T) {
	ctx := context.Background()
	a := NewToolArchive(openTestDB(t), nil)

	require.NoError(t, a.Archive(ctx, "s1", record("e1", "get_weather", "Sunny in Paris", types.StatusCompleted)))
	require.NoError(t, a.Archive(ctx, "s1", record("e2", "read_file", "100%_done", types.StatusError)))

	hits, err := a.Search(ctx, "Paris", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e1", hits[0].Record.Call.ExecutionID)
	assert.Equal(t, types.StatusCompleted, hits[0].Record.Result.Status)
	assert.Equal(t, "s1", hits[0].SessionID)

	hits, err = a.Search(ctx, "%_", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1, "LIKE wildcards are escaped")
	assert.Equal(t, "e2", hits[0].Record.Call.ExecutionID)
}

func TestToolArchive_VectorSearch(t *testing.T) {
	ctx := context.Background()
	emb := fakeEmbedder{vectors: map[string][]float32{
		"weather": {1, 0, 0},
		"file":    {0, 1, 0},
	}}
	a := NewToolArchive(openTestDB(t), emb)

	require.NoError(t, a.Archive(ctx, "s1", record("e1", "get_weather", "Sunny", types.StatusCompleted)))
	require.NoError(t, a.Archive(ctx, "s1", record("e2", "read_file", "contents", types.StatusCompleted)))

	hits, err := a.Search(ctx, "weather tomorrow", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e1", hits[0].Record.Call.ExecutionID)
	assert.InDelta(t, 0, hits[0].Distance, 1e-6)
}

func TestToolArchive_InProcessRanking(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	db.distanceFunc = ""
	emb := fakeEmbedder{vectors: map[string][]float32{
		"weather": {1, 0, 0},
		"file":    {0, 1, 0},
	}}
	a := NewToolArchive(db, emb)
	require.NoError(t, a.Archive(ctx, "s1", record("e1", "get_weather", "Sunny", types.StatusCompleted)))
	require.NoError(t, a.Archive(ctx, "s1", record("e2", "read_file", "contents", types.StatusCompleted)))

	hits, err := a.Search(ctx, "file listing", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "e2", hits[0].Record.Call.ExecutionID)
	assert.Less(t, hits[0].Distance, hits[1].Distance)
}

func TestToolArchive_EmbedFailureStillArchives(t *testing.T) {
	ctx := context.Background()
	a := NewToolArchive(openTestDB(t), fakeEmbedder{err: errors.New("quota")})
	require.NoError(t, a.Archive(ctx, "s1", record("e1", "get_weather", "Sunny", types.StatusCompleted)))

	hits, err := a.Search(ctx, "Sunny", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// queryEmbedder points every query at "file" regardless of its text.
type queryEmbedder struct {
	fakeEmbedder
	queries int
}

func (q *queryEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	q.queries++
	return []float32{0, 1, 0}, nil
}

func TestToolArchive_SearchPrefersQueryEmbedding(t *testing.T) {
	ctx := context.Background()
	emb := &queryEmbedder{fakeEmbedder: fakeEmbedder{vectors: map[string][]float32{
		"weather": {1, 0, 0},
		"file":    {0, 1, 0},
	}}}
	a := NewToolArchive(openTestDB(t), emb)
	require.NoError(t, a.Archive(ctx, "s1", record("e1", "get_weather", "Sunny", types.StatusCompleted)))
	require.NoError(t, a.Archive(ctx, "s1", record("e2", "read_file", "contents", types.StatusCompleted)))

	hits, err := a.Search(ctx, "weather", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "e2", hits[0].Record.Call.ExecutionID)
	assert.Equal(t, 1, emb.queries)
}

func TestCosineDistance(t *testing.T) {
	d, err := cosineDistance([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0, d, 1e-9)

	d, err = cosineDistance([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1, d, 1e-9)

	_, err = cosineDistance([]float32{1}, []float32{1, 2})
	assert.Error(t, err)

	v, err := decodeVector(encodeVector([]float32{0.5, -2}))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -2}, v)
}
