// Package dispatch runs tool calls requested by the model: permission check,
// optional user approval, the service call itself, and the transcript update.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"golang.org/x/sync/semaphore"

	"hobbes/internal/logging"
	"hobbes/internal/mcp"
	"hobbes/internal/metrics"
	"hobbes/internal/permissions"
	"hobbes/internal/types"
)

// Texts recorded as the response of a tool call that never ran.
const (
	DeniedByUserText     = "Denied by user."
	ApprovalTimedOutText = "Approval timed out."
	CancelledText        = "Tool call cancelled."
)

// PermissionGate decides whether a call may run and charges the budget.
type PermissionGate interface {
	Check(category string) permissions.Evaluation
	Charge(category string) error
}

// ToolService executes a tool.
type ToolService interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage, preApproved bool) (json.RawMessage, error)
}

// Transcript is the part of the conversation a dispatch updates.
type Transcript interface {
	SetContent(ctx context.Context, id string, content types.MessageContent) error
	UpdateToolCall(ctx context.Context, id string, status types.ToolCallStatus, response string) error
}

// Archiver stores resolved records for later retrieval.
type Archiver interface {
	Archive(ctx context.Context, sessionID string, rec types.ToolCallRecord) error
}

// Categorizer maps a tool to its permission category.
type Categorizer interface {
	Category(server, tool string) string
}

// Request is one tool call to run. MessageID is the transcript message that
// shows the call.
type Request struct {
	SessionID string
	MessageID string
	Call      types.ToolCallState
}

// Options tunes a Dispatcher. Zero values take defaults.
type Options struct {
	MaxConcurrent  int64
	ArchiveTimeout time.Duration
	Categorizer    Categorizer
	Archiver       Archiver
}

const (
	defaultMaxConcurrent  = 8
	defaultArchiveTimeout = 10 * time.Second
)

// Dispatcher runs tool calls. It is safe for concurrent use.
type Dispatcher struct {
	gate       PermissionGate
	service    ToolService
	transcript Transcript
	approvals  *Approvals
	opts       Options
	sem        *semaphore.Weighted

	archives sync.WaitGroup
}

// New returns a Dispatcher.
func New(gate PermissionGate, service ToolService, transcript Transcript, approvals *Approvals, opts Options) *Dispatcher {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = defaultArchiveTimeout
	}
	if opts.Categorizer == nil {
		opts.Categorizer = permissions.Categorizer{}
	}
	if approvals == nil {
		approvals = NewApprovals(0, nil)
	}
	return &Dispatcher{
		gate:       gate,
		service:    service,
		transcript: transcript,
		approvals:  approvals,
		opts:       opts,
		sem:        semaphore.NewWeighted(opts.MaxConcurrent),
	}
}

// Approvals returns the broker the dispatcher waits on.
func (d *Dispatcher) Approvals() *Approvals { return d.approvals }

// Dispatch runs req to completion and returns its record. It never returns
// a Running record: every failure becomes an Error result.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) types.ToolCallRecord {
	metrics.ToolInFlight.Inc()
	defer metrics.ToolInFlight.Dec()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return d.finish(ctx, req, types.StatusError, CancelledText)
	}
	defer d.sem.Release(1)

	call := req.Call
	category := d.opts.Categorizer.Category(call.ServerName, call.ToolName)
	eval := d.gate.Check(category)
	logging.ToolsDebug("dispatch %s/%s category=%s decision=%s", call.ServerName, call.ToolName, category, eval.Decision)

	switch eval.Decision {
	case permissions.DecisionDenied:
		return d.finish(ctx, req, types.StatusError, eval.Reason)
	case permissions.DecisionRequiresPrompt:
		if ok, reason := d.askUser(ctx, req, category); !ok {
			return d.finish(ctx, req, types.StatusError, reason)
		}
	}
	return d.invoke(ctx, req, category, true)
}

func (d *Dispatcher) invoke(ctx context.Context, req Request, category string, mayAsk bool) types.ToolCallRecord {
	call := req.Call
	if err := d.gate.Charge(category); err != nil {
		return d.finish(ctx, req, types.StatusError, permissions.BudgetReason(err))
	}

	start := time.Now()
	out, err := d.service.Invoke(ctx, call.ServerName, call.ToolName, call.Arguments, true)
	metrics.ToolDuration.WithLabelValues(call.ToolName).Observe(time.Since(start).Seconds())

	var approval *mcp.ApprovalRequiredError
	if errors.As(err, &approval) && mayAsk {
		logging.Tools("server %s asked approval for %s: %s", call.ServerName, call.ToolName, approval.Message)
		if ok, reason := d.askUser(ctx, req, category); !ok {
			return d.finish(ctx, req, types.StatusError, reason)
		}
		return d.invoke(ctx, req, category, false)
	}
	if err != nil {
		logging.ToolsWarn("tool %s/%s failed: %v", call.ServerName, call.ToolName, err)
		return d.finish(ctx, req, types.StatusError, err.Error())
	}
	return d.finish(ctx, req, types.StatusCompleted, prettyResponse(out))
}

// askUser shows the call as a permission request and waits for the answer.
// On approval the message goes back to a plain tool call.
func (d *Dispatcher) askUser(ctx context.Context, req Request, category string) (bool, string) {
	if err := d.transcript.SetContent(ctx, req.MessageID, types.PermissionRequestContent(req.Call)); err != nil {
		logging.ToolsError("failed to show permission request %s: %v", req.MessageID, err)
	}
	ok, err := d.approvals.Await(ctx, PendingApproval{
		ID:        req.MessageID,
		SessionID: req.SessionID,
		Call:      req.Call,
		Category:  category,
	})
	switch {
	case errors.Is(err, ErrApprovalTimeout):
		return false, ApprovalTimedOutText
	case err != nil:
		return false, CancelledText
	case !ok:
		return false, DeniedByUserText
	}
	if err := d.transcript.SetContent(ctx, req.MessageID, types.ToolCallContent(req.Call)); err != nil {
		logging.ToolsError("failed to restore tool call %s: %v", req.MessageID, err)
	}
	return true, ""
}

func (d *Dispatcher) finish(ctx context.Context, req Request, status types.ToolCallStatus, response string) types.ToolCallRecord {
	call := req.Call.Clone()
	if err := call.Resolve(status, response); err != nil {
		panic(fmt.Sprintf("dispatch: %v", err))
	}
	if err := d.transcript.UpdateToolCall(ctx, req.MessageID, status, response); err != nil {
		logging.ToolsError("failed to update tool call %s: %v", req.MessageID, err)
	}
	metrics.ToolCallTotal.WithLabelValues(call.ServerName, string(status)).Inc()
	logging.Tools("tool %s/%s finished: %s", call.ServerName, call.ToolName, status)

	rec := types.RecordOf(call)
	d.archive(ctx, req.SessionID, rec)
	return rec
}

// archive stores rec in the background with its own deadline.
func (d *Dispatcher) archive(ctx context.Context, sessionID string, rec types.ToolCallRecord) {
	if d.opts.Archiver == nil {
		return
	}
	d.archives.Add(1)
	go func() {
		defer d.archives.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.ArchiveTimeout)
		defer cancel()
		if err := d.opts.Archiver.Archive(actx, sessionID, rec); err != nil {
			logging.ToolsWarn("failed to archive tool call %s: %v", rec.Call.ExecutionID, err)
		}
	}()
}

// Drain waits for background archive writes.
func (d *Dispatcher) Drain() {
	d.archives.Wait()
}

// prettyResponse indents JSON output; anything else is returned as text.
func prettyResponse(out json.RawMessage) string {
	if !gjson.ValidBytes(out) {
		return string(out)
	}
	return string(bytes.TrimSpace(pretty.Pretty(out)))
}
