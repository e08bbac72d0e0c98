// Package stream decodes the model endpoint's streaming response into turn events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/genai"

	"hobbes/internal/logging"
	"hobbes/internal/metrics"
	"hobbes/internal/prompt"
	"hobbes/internal/types"
	"hobbes/internal/usage"
)

// User-visible texts for streams that produced nothing usable.
const (
	MalformedExhaustedText = "[Hobbes failed to process a tool call after multiple retries.]"
	SafetyText             = "[Hobbes did not provide a response due to the safety filter.]"
	InternalErrorText      = "[Hobbes did not provide a response due to an internal error.]"
	StreamErrorText        = "[Hobbes encountered a stream error. Please check the logs for details.]"
	finishReasonTextFormat = "[Hobbes did not provide a response. Finish Reason: %s]"
	transportTextFormat    = "[Hobbes could not reach the model: %v]"
)

// Opener starts one streaming request. Non-success responses are errors.
type Opener interface {
	OpenStream(ctx context.Context, pkg *prompt.Package) (io.ReadCloser, error)
}

// EventKind tags an Event.
type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCall
	EventDone
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "TextDelta"
	case EventToolCall:
		return "ToolCallRequested"
	case EventDone:
		return "Done"
	case EventFailed:
		return "Failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// ToolCallRequest is a catalog-matched tool invocation from the model.
type ToolCallRequest struct {
	Server string
	Tool   string
	Args   json.RawMessage
}

// Event is one decoded stream event. The channel always ends with Done or
// Failed unless the context is cancelled first.
type Event struct {
	Kind EventKind
	Text string
	Call ToolCallRequest
	Err  error
}

// Config bounds malformed-call retries.
type Config struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultConfig matches the desktop client: two attempts, one second apart.
func DefaultConfig() Config {
	return Config{MaxAttempts: 2, RetryDelay: time.Second}
}

// Decoder turns streaming responses into Events.
type Decoder struct {
	opener Opener
	cfg    Config
}

// NewDecoder returns a Decoder over opener.
func NewDecoder(opener Opener, cfg Config) *Decoder {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Decoder{opener: opener, cfg: cfg}
}

// geminiChunk is one SSE payload of streamGenerateContent.
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeMalformed
	outcomeProtocol
	outcomeTransport
	outcomeCancelled
)

type attemptResult struct {
	outcome      outcome
	emitted      int
	finishReason string
	err          error

	// Usage counters are cumulative per response; the last chunk wins.
	model        string
	inputTokens  int
	outputTokens int
}

// Decode starts decoding in a goroutine. The returned channel is closed when
// decoding ends. Cancelling ctx stops decoding and closes the response body.
func (d *Decoder) Decode(ctx context.Context, pkg *prompt.Package, catalog *types.ToolCatalog) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		d.run(ctx, pkg, catalog, out)
	}()
	return out
}

func (d *Decoder) run(ctx context.Context, pkg *prompt.Package, catalog *types.ToolCatalog, out chan<- Event) {
	for attempt := 1; ; attempt++ {
		kind := "first"
		if attempt > 1 {
			kind = "retry"
		}
		metrics.StreamAttempts.WithLabelValues(kind).Inc()

		res := d.attempt(ctx, pkg, catalog, out)
		usage.TrackFromContext(ctx, res.model, res.inputTokens, res.outputTokens, usage.OperationChat)
		switch res.outcome {
		case outcomeCancelled:
			metrics.StreamOutcomes.WithLabelValues("cancelled").Inc()
			logging.StreamDebug("stream cancelled on attempt %d", attempt)
			return

		case outcomeMalformed:
			if attempt < d.cfg.MaxAttempts {
				logging.StreamWarn("malformed function call on attempt %d, retrying", attempt)
				if !sleep(ctx, d.cfg.RetryDelay) {
					metrics.StreamOutcomes.WithLabelValues("cancelled").Inc()
					return
				}
				continue
			}
			logging.StreamError("malformed function call persisted after %d attempts", attempt)
			metrics.StreamOutcomes.WithLabelValues("malformed_exhausted").Inc()
			if send(ctx, out, Event{Kind: EventTextDelta, Text: MalformedExhaustedText}) {
				send(ctx, out, Event{Kind: EventDone})
			}
			return

		case outcomeProtocol:
			metrics.StreamOutcomes.WithLabelValues("protocol_error").Inc()
			if send(ctx, out, Event{Kind: EventTextDelta, Text: StreamErrorText}) {
				send(ctx, out, Event{Kind: EventFailed, Err: res.err})
			}
			return

		case outcomeTransport:
			metrics.StreamOutcomes.WithLabelValues("transport_error").Inc()
			if send(ctx, out, Event{Kind: EventTextDelta, Text: fmt.Sprintf(transportTextFormat, res.err)}) {
				send(ctx, out, Event{Kind: EventFailed, Err: res.err})
			}
			return

		default:
			if res.emitted == 0 {
				metrics.StreamOutcomes.WithLabelValues("fallback").Inc()
				if !send(ctx, out, Event{Kind: EventTextDelta, Text: FallbackText(res.finishReason)}) {
					return
				}
			} else {
				metrics.StreamOutcomes.WithLabelValues("ok").Inc()
			}
			send(ctx, out, Event{Kind: EventDone})
			return
		}
	}
}

// FallbackText is the message shown when a stream produced no content.
func FallbackText(finishReason string) string {
	switch finishReason {
	case "":
		return InternalErrorText
	case string(genai.FinishReasonSafety):
		return SafetyText
	default:
		return fmt.Sprintf(finishReasonTextFormat, finishReason)
	}
}

func (d *Decoder) attempt(ctx context.Context, pkg *prompt.Package, catalog *types.ToolCatalog, out chan<- Event) attemptResult {
	body, err := d.opener.OpenStream(ctx, pkg)
	if err != nil {
		if ctx.Err() != nil {
			return attemptResult{outcome: outcomeCancelled}
		}
		logging.StreamError("failed to open stream: %v", err)
		return attemptResult{outcome: outcomeTransport, err: err}
	}
	defer body.Close()
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	res := attemptResult{}
	frames := newFrameReader(body)
	for {
		payload, err := frames.Next()
		if errors.Is(err, io.EOF) {
			return res
		}
		if err != nil {
			if ctx.Err() != nil {
				return attemptResult{outcome: outcomeCancelled}
			}
			logging.StreamError("stream read error: %v", err)
			res.outcome, res.err = outcomeTransport, err
			return res
		}
		payload = bytes.TrimSpace(payload)
		if len(payload) == 0 || string(payload) == "[DONE]" {
			continue
		}

		var chunk geminiChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			logging.StreamError("failed to parse JSON chunk: %v. Chunk: %q", err, payload)
			if bytes.Contains(payload, []byte(genai.FinishReasonMalformedFunctionCall)) {
				res.outcome = outcomeMalformed
				return res
			}
			res.outcome, res.err = outcomeProtocol, fmt.Errorf("unparseable stream chunk: %w", err)
			return res
		}
		if chunk.UsageMetadata != nil {
			res.inputTokens = chunk.UsageMetadata.PromptTokenCount
			res.outputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if chunk.ModelVersion != "" {
			res.model = chunk.ModelVersion
		}
		if chunk.Error != nil {
			res.outcome = outcomeTransport
			res.err = fmt.Errorf("API error %d: %s", chunk.Error.Code, chunk.Error.Message)
			return res
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			res.finishReason = cand.FinishReason
			if cand.FinishReason == string(genai.FinishReasonMalformedFunctionCall) {
				res.outcome = outcomeMalformed
				return res
			}
			if cand.FinishReason != string(genai.FinishReasonStop) {
				logging.StreamWarn("stream finished with reason: %s", cand.FinishReason)
			}
		}

		for _, part := range cand.Content.Parts {
			var ev Event
			switch {
			case part.FunctionCall != nil:
				server, ok := catalog.FindServer(part.FunctionCall.Name)
				if !ok {
					logging.StreamError("model requested tool %q which is not in the catalog", part.FunctionCall.Name)
					continue
				}
				args := part.FunctionCall.Args
				if len(args) == 0 || string(args) == "null" {
					args = json.RawMessage(`{}`)
				}
				ev = Event{Kind: EventToolCall, Call: ToolCallRequest{Server: server, Tool: part.FunctionCall.Name, Args: args}}
			case part.Text != "":
				ev = Event{Kind: EventTextDelta, Text: part.Text}
			default:
				continue
			}
			if !send(ctx, out, ev) {
				return attemptResult{outcome: outcomeCancelled}
			}
			res.emitted++
		}
	}
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
