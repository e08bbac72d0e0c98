package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hobbes/internal/prompt"
	"hobbes/internal/types"
	"hobbes/internal/usage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedOpener returns one scripted body (or error) per attempt.
type scriptedOpener struct {
	mu      sync.Mutex
	bodies  []string
	errs    []error
	opened  int
	readers []io.ReadCloser
}

func (o *scriptedOpener) OpenStream(ctx context.Context, _ *prompt.Package) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.opened
	o.opened++
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	if i < len(o.readers) && o.readers[i] != nil {
		return o.readers[i], nil
	}
	return io.NopCloser(strings.NewReader(o.bodies[i])), nil
}

func (o *scriptedOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

func sse(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "data: %s\n\n", c)
	}
	return b.String()
}

func textChunk(text string) string {
	raw, _ := json.Marshal(text)
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"text":%s}]}}]}`, raw)
}

func finishChunk(reason string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"parts":[]},"finishReason":%q}]}`, reason)
}

func callChunk(name, args string) string {
	return fmt.Sprintf(`{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":%q,"args":%s}}]}}]}`, name, args)
}

func catalog() *types.ToolCatalog {
	return &types.ToolCatalog{Servers: []types.ServerTools{
		{Name: "weather", Tools: []types.ToolSchema{types.NewToolSchema("get_weather", "", nil)}},
	}}
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var evs []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("decoder did not finish")
		}
	}
}

func fastConfig() Config {
	return Config{MaxAttempts: 2, RetryDelay: time.Millisecond}
}

func TestDecode_TextDeltasThenDone(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(textChunk("Hello"), textChunk(" world"), finishChunk("STOP"))}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	require.Len(t, evs, 3)
	assert.Equal(t, Event{Kind: EventTextDelta, Text: "Hello"}, evs[0])
	assert.Equal(t, Event{Kind: EventTextDelta, Text: " world"}, evs[1])
	assert.Equal(t, EventDone, evs[2].Kind)
}

func TestDecode_ToolCallMatchedAgainstCatalog(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(
		callChunk("get_weather", `{"city":"Paris"}`),
		callChunk("launch_rockets", `{}`),
		finishChunk("STOP"),
	)}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, catalog()))

	require.Len(t, evs, 2, "unknown tool dropped")
	assert.Equal(t, EventToolCall, evs[0].Kind)
	assert.Equal(t, "weather", evs[0].Call.Server)
	assert.Equal(t, "get_weather", evs[0].Call.Tool)
	assert.JSONEq(t, `{"city":"Paris"}`, string(evs[0].Call.Args))
	assert.Equal(t, EventDone, evs[1].Kind)
}

func TestDecode_OnlyUnknownToolGetsFallback(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(callChunk("launch_rockets", `{}`), finishChunk("STOP"))}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, catalog()))

	require.Len(t, evs, 2)
	assert.Equal(t, "[Hobbes did not provide a response. Finish Reason: STOP]", evs[0].Text)
	assert.Equal(t, EventDone, evs[1].Kind)
}

func TestDecode_SafetyFallback(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(finishChunk("SAFETY"))}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	require.Len(t, evs, 2)
	assert.Equal(t, Event{Kind: EventTextDelta, Text: SafetyText}, evs[0])
	assert.Equal(t, EventDone, evs[1].Kind)
}

func TestDecode_EmptyStreamFallback(t *testing.T) {
	op := &scriptedOpener{bodies: []string{""}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	require.Len(t, evs, 2)
	assert.Equal(t, InternalErrorText, evs[0].Text)
}

func TestDecode_MalformedRetriesThenSucceeds(t *testing.T) {
	op := &scriptedOpener{bodies: []string{
		sse(finishChunk("MALFORMED_FUNCTION_CALL")),
		sse(textChunk("ok")),
	}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	assert.Equal(t, 2, op.count())
	require.Len(t, evs, 2)
	assert.Equal(t, "ok", evs[0].Text)
	assert.Equal(t, EventDone, evs[1].Kind)
}

func TestDecode_MalformedExhausted(t *testing.T) {
	op := &scriptedOpener{bodies: []string{
		sse(finishChunk("MALFORMED_FUNCTION_CALL")),
		sse(finishChunk("MALFORMED_FUNCTION_CALL")),
	}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	assert.Equal(t, 2, op.count())
	require.Len(t, evs, 2)
	assert.Equal(t, Event{Kind: EventTextDelta, Text: MalformedExhaustedText}, evs[0])
	assert.Equal(t, EventDone, evs[1].Kind)
}

func TestDecode_MalformedDetectedInUnparseableChunk(t *testing.T) {
	op := &scriptedOpener{bodies: []string{
		sse(`{"candidates":[{"finishReason":"MALFORMED_FUNCTION_CALL"`),
		sse(textChunk("recovered")),
	}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))
	require.Len(t, evs, 2)
	assert.Equal(t, "recovered", evs[0].Text)
}

func TestDecode_ProtocolErrorIsFatal(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(textChunk("partial"), `{not json`, textChunk("never"))}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	assert.Equal(t, 1, op.count(), "not retried")
	require.Len(t, evs, 3)
	assert.Equal(t, "partial", evs[0].Text)
	assert.Equal(t, StreamErrorText, evs[1].Text)
	assert.Equal(t, EventFailed, evs[2].Kind)
	assert.Error(t, evs[2].Err)
}

func TestDecode_TransportError(t *testing.T) {
	op := &scriptedOpener{errs: []error{errors.New("connection refused")}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))

	require.Len(t, evs, 2)
	assert.Equal(t, EventTextDelta, evs[0].Kind)
	assert.Contains(t, evs[0].Text, "connection refused")
	assert.Equal(t, EventFailed, evs[1].Kind)
}

func TestDecode_APIErrorChunk(t *testing.T) {
	op := &scriptedOpener{bodies: []string{sse(`{"error":{"code":503,"message":"overloaded"}}`)}}
	evs := collect(t, NewDecoder(op, fastConfig()).Decode(context.Background(), &prompt.Package{}, nil))
	require.Len(t, evs, 2)
	assert.Contains(t, evs[0].Text, "overloaded")
	assert.Equal(t, EventFailed, evs[1].Kind)
}

func TestDecode_CancelClosesBody(t *testing.T) {
	pr, pw := io.Pipe()
	op := &scriptedOpener{readers: []io.ReadCloser{pr}}
	ctx, cancel := context.WithCancel(context.Background())

	ch := NewDecoder(op, fastConfig()).Decode(ctx, &prompt.Package{}, nil)
	go func() {
		_, _ = io.WriteString(pw, sse(textChunk("first")))
	}()

	ev := <-ch
	assert.Equal(t, "first", ev.Text)
	cancel()

	evs := collect(t, ch)
	assert.Empty(t, evs, "no terminal event after cancellation")
	_ = pw.Close()
}

func TestDecode_TracksUsageFromLastChunk(t *testing.T) {
	tracker, err := usage.NewTracker(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracker.Close() })

	op := &scriptedOpener{bodies: []string{sse(
		`{"candidates":[{"content":{"parts":[{"text":"Hi"}]}}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":1},"modelVersion":"gemini-2.5-pro"}`,
		`{"candidates":[{"content":{"parts":[]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":4},"modelVersion":"gemini-2.5-pro"}`,
	)}}
	ctx := usage.WithSession(usage.NewContext(context.Background(), tracker), "s1")
	collect(t, NewDecoder(op, fastConfig()).Decode(ctx, &prompt.Package{}, nil))

	stats := tracker.Stats()
	assert.Equal(t, usage.TokenCounts{Requests: 1, Input: 12, Output: 4, Total: 16}, stats.ByModel["gemini-2.5-pro"])
	assert.Equal(t, int64(16), stats.BySession["s1"].Total)
}

func TestFallbackText(t *testing.T) {
	assert.Equal(t, InternalErrorText, FallbackText(""))
	assert.Equal(t, SafetyText, FallbackText("SAFETY"))
	assert.Equal(t, "[Hobbes did not provide a response. Finish Reason: MAX_TOKENS]", FallbackText("MAX_TOKENS"))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "ToolCallRequested", EventToolCall.String())
	assert.Equal(t, "EventKind(9)", EventKind(9).String())
}
