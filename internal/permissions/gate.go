// Package permissions decides whether a tool call may run, must be approved
// by the user, or is refused because the session budget is spent.
package permissions

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"hobbes/internal/logging"
	"hobbes/internal/metrics"
)

type Decision string

const (
	DecisionAllowed        Decision = "allowed"
	DecisionRequiresPrompt Decision = "requires_prompt"
	DecisionDenied         Decision = "denied"
)

// Evaluation is the gate's answer for one check. Reason is set for denials.
type Evaluation struct {
	Decision Decision
	Reason   string
}

const (
	ReasonRequestLimit = "Request limit reached"
	ReasonCostLimit    = "Cost limit reached"
)

// ErrBudgetExhausted is returned by Charge when no request may be counted.
var ErrBudgetExhausted = errors.New("permission budget exhausted")

// Policy is the user's permission settings.
type Policy struct {
	AutoApprovalEnabled bool
	// Granular lists the categories auto-approval applies to.
	Granular    map[string]bool
	MaxRequests int
	MaxCost     float64
	CostPerCall float64
}

// DefaultPolicy prompts for everything with a budget of 10 requests or $0.50.
func DefaultPolicy() Policy {
	return Policy{MaxRequests: 10, MaxCost: 0.50}
}

// Gate evaluates Policy against the running budget. Safe for concurrent use.
type Gate struct {
	policy func() Policy

	mu       sync.Mutex
	requests int
	cost     float64
}

// NewGate reads the policy from source on every check so reloaded settings apply.
func NewGate(source func() Policy) *Gate {
	if source == nil {
		p := DefaultPolicy()
		source = func() Policy { return p }
	}
	return &Gate{policy: source}
}

// StaticPolicy wraps a fixed policy as a source.
func StaticPolicy(p Policy) func() Policy {
	return func() Policy { return p }
}

// Check returns the decision for category without consuming budget.
func (g *Gate) Check(category string) Evaluation {
	p := g.policy()

	g.mu.Lock()
	reason := g.budgetReasonLocked(p)
	g.mu.Unlock()

	var ev Evaluation
	switch {
	case reason != "":
		ev = Evaluation{Decision: DecisionDenied, Reason: reason}
	case p.AutoApprovalEnabled && p.Granular[category]:
		ev = Evaluation{Decision: DecisionAllowed}
	case p.AutoApprovalEnabled:
		ev = Evaluation{
			Decision: DecisionDenied,
			Reason:   fmt.Sprintf("Auto-approval is on, but permission is denied for category: %s", category),
		}
	default:
		ev = Evaluation{Decision: DecisionRequiresPrompt}
	}

	metrics.PermissionDecisions.WithLabelValues(category, string(ev.Decision)).Inc()
	logging.Permissions("check category=%s decision=%s reason=%q", category, ev.Decision, ev.Reason)
	return ev
}

// Charge counts one service request against the budget. The budget is
// re-checked under the same lock so concurrent calls cannot overshoot it.
func (g *Gate) Charge(category string) error {
	p := g.policy()

	g.mu.Lock()
	defer g.mu.Unlock()
	if reason := g.budgetReasonLocked(p); reason != "" {
		return fmt.Errorf("%w: %s", ErrBudgetExhausted, reason)
	}
	g.requests++
	g.cost += p.CostPerCall
	logging.Get(logging.CategoryPermissions).Debug("charged category=%s requests=%d cost=%.4f", category, g.requests, g.cost)
	return nil
}

func (g *Gate) budgetReasonLocked(p Policy) string {
	if g.requests >= p.MaxRequests {
		return ReasonRequestLimit
	}
	if g.cost >= p.MaxCost {
		return ReasonCostLimit
	}
	return ""
}

// Usage returns the requests and cost counted so far.
func (g *Gate) Usage() (requests int, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests, g.cost
}

// Reset clears the running budget.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.requests, g.cost = 0, 0
	g.mu.Unlock()
}

// BudgetReason extracts the user-facing reason from a Charge error.
func BudgetReason(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), ErrBudgetExhausted.Error()+": ")
}
