package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hobbes/internal/logging"
	"hobbes/internal/metrics"
	"hobbes/internal/types"
)

var (
	// ErrApprovalTimeout is returned by Await when nobody answered in time.
	ErrApprovalTimeout = errors.New("approval timed out")
	// ErrUnknownApproval is returned by Resolve for an id nobody is waiting on.
	ErrUnknownApproval = errors.New("no pending approval with that id")
)

// DefaultApprovalTimeout bounds how long a tool call waits for the user.
const DefaultApprovalTimeout = 5 * time.Minute

// PendingApproval describes a tool call waiting for the user's answer.
// ID is the transcript message id of the call.
type PendingApproval struct {
	ID        string
	SessionID string
	Call      types.ToolCallState
	Category  string
	CreatedAt time.Time
}

// Approvals is a broker between tool tasks waiting for consent and the UI
// that collects it. Each Await is a promise the UI settles with Resolve.
type Approvals struct {
	timeout time.Duration
	notify  func(PendingApproval)

	mu      sync.Mutex
	pending map[string]*waiter
}

type waiter struct {
	req    PendingApproval
	answer chan bool
}

// NewApprovals returns a broker. notify, if set, is called for every new
// request and must not block.
func NewApprovals(timeout time.Duration, notify func(PendingApproval)) *Approvals {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Approvals{
		timeout: timeout,
		notify:  notify,
		pending: make(map[string]*waiter),
	}
}

// Await blocks until req is resolved, the timeout passes, or ctx ends.
func (a *Approvals) Await(ctx context.Context, req PendingApproval) (bool, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	w := &waiter{req: req, answer: make(chan bool, 1)}
	a.mu.Lock()
	a.pending[req.ID] = w
	a.mu.Unlock()
	defer a.forget(req.ID, w)

	logging.Permissions("awaiting approval for %s/%s (message %s)", req.Call.ServerName, req.Call.ToolName, req.ID)
	if a.notify != nil {
		a.notify(req)
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case ok := <-w.answer:
		result := "denied"
		if ok {
			result = "approved"
		}
		metrics.ApprovalWaits.WithLabelValues(result).Inc()
		return ok, nil
	case <-timer.C:
		metrics.ApprovalWaits.WithLabelValues("timeout").Inc()
		logging.Get(logging.CategoryPermissions).Warn("approval for %s timed out after %s", req.ID, a.timeout)
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		metrics.ApprovalWaits.WithLabelValues("cancelled").Inc()
		return false, ctx.Err()
	}
}

func (a *Approvals) forget(id string, w *waiter) {
	a.mu.Lock()
	if a.pending[id] == w {
		delete(a.pending, id)
	}
	a.mu.Unlock()
}

// Resolve answers the pending approval id.
func (a *Approvals) Resolve(id string, approve bool) error {
	a.mu.Lock()
	w, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	w.answer <- approve
	logging.Permissions("approval %s resolved: approve=%t", id, approve)
	return nil
}

// Pending lists outstanding requests, oldest first.
func (a *Approvals) Pending() []PendingApproval {
	a.mu.Lock()
	out := make([]PendingApproval, 0, len(a.pending))
	for _, w := range a.pending {
		out = append(out, w.req)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
