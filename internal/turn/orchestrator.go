// Package turn drives one conversational turn: prompt, stream, tool calls,
// follow-ups, persistence.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hobbes/internal/dispatch"
	"hobbes/internal/logging"
	"hobbes/internal/metrics"
	"hobbes/internal/prompt"
	"hobbes/internal/session"
	"hobbes/internal/stream"
	"hobbes/internal/types"
	"hobbes/internal/usage"
)

// DepthLimitTextFormat is appended when follow-ups run out.
const DepthLimitTextFormat = "[Hobbes stopped after %d rounds of tool calls without a final answer.]"

// User-visible texts for turns that end without a model answer.
const (
	CancelledText          = "[Hobbes stopped: the request was cancelled.]"
	prepareErrorTextFormat = "[Hobbes could not prepare the request: %v]"
)

// DefaultMaxFollowupDepth bounds follow-up requests per turn.
const DefaultMaxFollowupDepth = 4

// ErrTurnInProgress is returned by BeginTurn while another turn runs.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeFailed     Outcome = "failed"
	OutcomeDepthLimit Outcome = "depth_limit"
	OutcomeCancelled  Outcome = "cancelled"
)

// Result summarizes a finished turn.
type Result struct {
	SessionID string
	Outcome   Outcome
	// Requests is how many model requests were made.
	Requests int
	// Records are every tool call resolved during the turn, in dispatch order.
	Records []types.ToolCallRecord
	// Err is the stream failure for OutcomeFailed.
	Err error
}

// Streamer decodes a model response. *stream.Decoder implements it.
type Streamer interface {
	Decode(ctx context.Context, pkg *prompt.Package, catalog *types.ToolCatalog) <-chan stream.Event
}

// Dispatcher runs one tool call. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) types.ToolCallRecord
}

// ConversationStore persists sessions.
type ConversationStore interface {
	Save(ctx context.Context, sess *types.Session) error
}

// CatalogSource provides the current tool catalog.
type CatalogSource interface {
	Catalog() *types.ToolCatalog
}

// Summarizer refreshes the conversation summary between turns.
type Summarizer interface {
	Refresh(ctx context.Context, conv *session.Conversation) error
}

// Deps are the collaborators of an Orchestrator. Store, Catalog and
// Summarizer are optional.
type Deps struct {
	Conversation *session.Conversation
	Builder      *prompt.Builder
	Streamer     Streamer
	Dispatcher   Dispatcher
	Store        ConversationStore
	Catalog      CatalogSource
	Summarizer   Summarizer
}

// Config tunes an Orchestrator.
type Config struct {
	// Settings is read at the start of every request so reloaded preferences apply.
	Settings         func() prompt.Settings
	MaxFollowupDepth int
	SummaryTimeout   time.Duration
	// Updates receives progress. Sends give up when the turn's context ends.
	Updates chan<- Update
}

// Orchestrator runs turns against one conversation, one at a time.
type Orchestrator struct {
	deps Deps
	cfg  Config
	busy atomic.Bool
	now  func() time.Time
}

// New returns an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Builder == nil {
		deps.Builder = prompt.NewBuilder()
	}
	if cfg.Settings == nil {
		cfg.Settings = func() prompt.Settings { return prompt.Settings{HistoryWindow: 4} }
	}
	if cfg.MaxFollowupDepth <= 0 {
		cfg.MaxFollowupDepth = DefaultMaxFollowupDepth
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 30 * time.Second
	}
	return &Orchestrator{deps: deps, cfg: cfg, now: time.Now}
}

// BeginTurn starts a turn in the background. onComplete, if set, is called
// exactly once after the session has been saved.
func (o *Orchestrator) BeginTurn(ctx context.Context, userText string, onComplete func(Result)) error {
	if !o.busy.CompareAndSwap(false, true) {
		return ErrTurnInProgress
	}
	go func() {
		res := o.run(ctx, userText)
		o.busy.Store(false)
		if onComplete != nil {
			onComplete(res)
		}
	}()
	return nil
}

// RunTurn runs a turn and waits for it.
func (o *Orchestrator) RunTurn(ctx context.Context, userText string) (Result, error) {
	done := make(chan Result, 1)
	if err := o.BeginTurn(ctx, userText, func(r Result) { done <- r }); err != nil {
		return Result{}, err
	}
	return <-done, nil
}

// turnRun is the state of one running turn.
type turnRun struct {
	o         *Orchestrator
	ctx       context.Context
	sessionID string
	machine   *Machine
	result    Result

	// placeholder is the empty agent message awaiting the next request's output.
	placeholder string
}

func (o *Orchestrator) run(ctx context.Context, userText string) Result {
	start := o.now()
	conv := o.deps.Conversation
	ctx = usage.WithSession(ctx, conv.ID())
	t := &turnRun{
		o:         o,
		ctx:       ctx,
		sessionID: conv.ID(),
		machine:   NewMachine(),
		result:    Result{SessionID: conv.ID(), Outcome: OutcomeDone},
	}
	logging.Turn("turn started in session %s", t.sessionID)

	// Persistence and bookkeeping outlive a cancelled consumer.
	detached := context.WithoutCancel(ctx)

	if o.deps.Catalog != nil {
		if err := conv.SetCatalog(detached, o.deps.Catalog.Catalog()); err != nil {
			logging.TurnError("failed to refresh tool catalog: %v", err)
		}
	}

	for round := 0; ; round++ {
		text := ""
		if round == 0 {
			text = userText
		}
		records, ok := t.request(text, round == 0)
		if !ok || len(records) == 0 {
			t.transition(StateDone)
			break
		}
		if round >= o.cfg.MaxFollowupDepth {
			t.result.Outcome = OutcomeDepthLimit
			t.appendAgentText(fmt.Sprintf(DepthLimitTextFormat, round+1))
			logging.TurnWarn("turn stopped at follow-up depth %d", round)
			t.transition(StateDone)
			break
		}
		t.transition(StateBuildingFollowup)
		t.openPlaceholder()
		t.transition(StateAwaitingModel)
	}

	o.finish(detached, t)
	metrics.TurnTotal.WithLabelValues(string(t.result.Outcome)).Inc()
	metrics.TurnDuration.Observe(o.now().Sub(start).Seconds())
	logging.Turn("turn finished in session %s: %s after %d requests, %d tool calls",
		t.sessionID, t.result.Outcome, t.result.Requests, len(t.result.Records))
	return t.result
}

// finish folds tool history, refreshes the summary and saves the session.
func (o *Orchestrator) finish(ctx context.Context, t *turnRun) {
	conv := o.deps.Conversation
	if _, err := conv.FoldToolHistory(ctx); err != nil {
		logging.TurnError("failed to fold tool history: %v", err)
	}
	if o.deps.Summarizer != nil && t.result.Outcome != OutcomeCancelled {
		sctx, cancel := context.WithTimeout(ctx, o.cfg.SummaryTimeout)
		if err := o.deps.Summarizer.Refresh(sctx, conv); err != nil {
			logging.TurnWarn("summary not updated: %v", err)
		}
		cancel()
	}
	if _, err := conv.NameFromFirstMessage(ctx); err != nil {
		logging.TurnError("failed to name session: %v", err)
	}
	if err := conv.Touch(ctx, o.now()); err != nil {
		logging.TurnError("failed to touch session: %v", err)
	}
	o.save(ctx, "turn complete")
}

// save persists the conversation. Failures are logged only.
func (o *Orchestrator) save(ctx context.Context, checkpoint string) {
	if o.deps.Store == nil {
		return
	}
	snap, err := o.deps.Conversation.Snapshot(ctx)
	if err != nil {
		logging.TurnError("failed to snapshot session for save (%s): %v", checkpoint, err)
		return
	}
	if err := o.deps.Store.Save(ctx, snap); err != nil {
		logging.TurnError("failed to save session %s (%s): %v", snap.ID, checkpoint, err)
		return
	}
	logging.TurnDebug("saved session %s: %s", snap.ID, checkpoint)
}

type dispatched struct {
	index     int
	messageID string
	record    types.ToolCallRecord
}

// request sends one model request and runs the tool calls it asks for. It
// returns the resolved records and whether a follow-up may be sent.
func (t *turnRun) request(userText string, first bool) ([]types.ToolCallRecord, bool) {
	o := t.o
	conv := o.deps.Conversation
	detached := context.WithoutCancel(t.ctx)

	snap, err := conv.Snapshot(detached)
	if err != nil {
		return t.abort(userText, first, fmt.Errorf("conversation unavailable: %w", err))
	}
	pkg, err := o.deps.Builder.Build(prompt.Input{
		Session:  snap,
		Settings: o.cfg.Settings(),
		UserText: userText,
	})
	if err != nil {
		return t.abort(userText, first, fmt.Errorf("prompt build failed: %w", err))
	}
	if first {
		if userText != "" {
			t.appendMessage(types.NewMessage(types.AuthorUser, types.TextContent(userText)))
			o.save(detached, "user input")
		}
		t.openPlaceholder()
	}

	t.result.Requests++
	events := o.deps.Streamer.Decode(t.ctx, pkg, snap.ActiveContext.ToolCatalog)

	var (
		g             errgroup.Group
		count         int
		failed, ended bool
	)
	results := make(chan dispatched)
	open, fresh := t.placeholder, true
	// openEmpty reports whether open is a placeholder nothing was written to.
	openEmpty := open != ""
	for ev := range events {
		switch ev.Kind {
		case stream.EventTextDelta:
			t.transition(StateStreamingText)
			if open == "" {
				msg := types.NewMessage(types.AuthorAgent, types.TextContent(ev.Text))
				t.appendMessage(msg)
				open = msg.ID
			} else {
				t.appendText(open, ev.Text)
			}
			openEmpty = openEmpty && ev.Text == ""

		case stream.EventToolCall:
			t.transition(StateStreamingToolCalls)
			call := types.NewToolCall(uuid.NewString(), ev.Call.Server, ev.Call.Tool, ev.Call.Args)
			msgID := t.placeToolCall(call, open, fresh)
			open, openEmpty = "", false
			index := count
			count++
			req := dispatch.Request{SessionID: t.sessionID, MessageID: msgID, Call: call}
			g.Go(func() error {
				rec := o.deps.Dispatcher.Dispatch(detached, req)
				results <- dispatched{index: index, messageID: msgID, record: rec}
				return nil
			})

		case stream.EventDone:
			ended = true

		case stream.EventFailed:
			ended, failed = true, true
			t.result.Outcome, t.result.Err = OutcomeFailed, ev.Err
			logging.TurnError("stream failed: %v", ev.Err)
		}
		fresh = false
	}
	t.placeholder = ""

	t.transition(StateAwaitingToolResults)
	go func() {
		_ = g.Wait()
		close(results)
	}()
	collected := make([]dispatched, 0, count)
	for d := range results {
		collected = append(collected, d)
		rec := d.record
		t.publish(Update{Kind: UpdateToolResult, MessageID: d.messageID, Record: &rec})
		o.save(detached, "tool result "+rec.Call.ExecutionID)
	}
	if len(collected) != count {
		panic(fmt.Sprintf("turn: dispatched %d tool calls but collected %d results", count, len(collected)))
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })

	records := make([]types.ToolCallRecord, len(collected))
	for i, d := range collected {
		records[i] = d.record
	}
	if len(records) > 0 {
		if err := conv.AppendToolHistory(detached, records...); err != nil {
			logging.TurnError("failed to record tool history: %v", err)
		}
		t.result.Records = append(t.result.Records, records...)
	}

	if !ended && t.ctx.Err() != nil {
		t.result.Outcome = OutcomeCancelled
		if open != "" && openEmpty {
			t.appendText(open, CancelledText)
		}
		logging.Turn("turn cancelled by consumer")
		return records, false
	}
	return records, !failed
}

// placeToolCall shows call in the transcript. The open placeholder is reused
// when the call is the first thing the model produced.
func (t *turnRun) placeToolCall(call types.ToolCallState, open string, fresh bool) string {
	conv := t.o.deps.Conversation
	detached := context.WithoutCancel(t.ctx)
	if fresh && open != "" {
		content := types.ToolCallContent(call)
		if err := conv.SetContent(detached, open, content); err != nil {
			logging.TurnError("failed to convert placeholder: %v", err)
		}
		msg := types.Message{ID: open, Author: types.AuthorAgent, Content: content, Visible: true}
		t.publish(Update{Kind: UpdateToolCall, MessageID: open, Message: &msg})
		return open
	}
	msg := types.NewMessage(types.AuthorAgent, types.ToolCallContent(call))
	t.appendMessage(msg)
	return msg.ID
}

// abort ends a turn whose request could not be prepared. The user's text is
// still recorded so it is not lost.
func (t *turnRun) abort(userText string, first bool, err error) ([]types.ToolCallRecord, bool) {
	logging.TurnError("turn aborted: %v", err)
	t.result.Outcome, t.result.Err = OutcomeFailed, err
	if first && userText != "" {
		t.appendMessage(types.NewMessage(types.AuthorUser, types.TextContent(userText)))
	}
	text := fmt.Sprintf(prepareErrorTextFormat, err)
	if open := t.placeholder; open != "" {
		t.appendText(open, text)
		t.placeholder = ""
	} else {
		t.appendAgentText(text)
	}
	return nil, false
}

func (t *turnRun) appendText(id, text string) {
	if err := t.o.deps.Conversation.AppendText(context.WithoutCancel(t.ctx), id, text); err != nil {
		logging.TurnError("failed to append text: %v", err)
		return
	}
	t.publish(Update{Kind: UpdateTextDelta, MessageID: id, Text: text})
}

func (t *turnRun) openPlaceholder() {
	msg := types.NewMessage(types.AuthorAgent, types.TextContent(""))
	t.appendMessage(msg)
	t.placeholder = msg.ID
}

func (t *turnRun) appendAgentText(text string) {
	t.appendMessage(types.NewMessage(types.AuthorAgent, types.TextContent(text)))
}

func (t *turnRun) appendMessage(msg types.Message) {
	if err := t.o.deps.Conversation.AppendMessage(context.WithoutCancel(t.ctx), msg); err != nil {
		logging.TurnError("failed to append message: %v", err)
		return
	}
	t.publish(Update{Kind: UpdateMessageAppended, MessageID: msg.ID, Message: &msg})
}

func (t *turnRun) transition(next State) {
	changed, err := t.machine.Transition(next)
	if err != nil {
		panic(fmt.Sprintf("turn: %v", err))
	}
	if changed {
		logging.TurnDebug("state -> %s", next)
		t.publish(Update{Kind: UpdateState, State: next})
	}
}

func (t *turnRun) publish(u Update) {
	ch := t.o.cfg.Updates
	if ch == nil {
		return
	}
	u.SessionID = t.sessionID
	select {
	case ch <- u:
	case <-t.ctx.Done():
	}
}
