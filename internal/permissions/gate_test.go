package permissions

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_Check(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		requests int
		category string
		want     Evaluation
	}{
		{
			name:     "prompt when auto approval is off",
			policy:   DefaultPolicy(),
			category: "mcp",
			want:     Evaluation{Decision: DecisionRequiresPrompt},
		},
		{
			name:     "granted category auto approved",
			policy:   Policy{AutoApprovalEnabled: true, Granular: map[string]bool{"mcp": true}, MaxRequests: 10, MaxCost: 1},
			category: "mcp",
			want:     Evaluation{Decision: DecisionAllowed},
		},
		{
			name:     "ungranted category denied under auto approval",
			policy:   Policy{AutoApprovalEnabled: true, Granular: map[string]bool{"mcp": false}, MaxRequests: 10, MaxCost: 1},
			category: "mcp",
			want: Evaluation{
				Decision: DecisionDenied,
				Reason:   "Auto-approval is on, but permission is denied for category: mcp",
			},
		},
		{
			name:     "request limit beats auto approval",
			policy:   Policy{AutoApprovalEnabled: true, Granular: map[string]bool{"mcp": true}, MaxRequests: 2, MaxCost: 1},
			requests: 2,
			category: "mcp",
			want:     Evaluation{Decision: DecisionDenied, Reason: ReasonRequestLimit},
		},
		{
			name:     "zero cost budget",
			policy:   Policy{MaxRequests: 10, MaxCost: 0},
			category: "files",
			want:     Evaluation{Decision: DecisionDenied, Reason: ReasonCostLimit},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(StaticPolicy(tt.policy))
			g.requests = tt.requests
			assert.Equal(t, tt.want, g.Check(tt.category))
		})
	}
}

func TestGate_ChargeStopsAtLimit(t *testing.T) {
	g := NewGate(StaticPolicy(Policy{MaxRequests: 2, MaxCost: 1, CostPerCall: 0.1}))

	require.NoError(t, g.Charge("mcp"))
	require.NoError(t, g.Charge("mcp"))
	err := g.Charge("mcp")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
	assert.Equal(t, ReasonRequestLimit, BudgetReason(err))

	n, cost := g.Usage()
	assert.Equal(t, 2, n)
	assert.InDelta(t, 0.2, cost, 1e-9)

	g.Reset()
	n, _ = g.Usage()
	assert.Zero(t, n)
}

func TestGate_CostLimit(t *testing.T) {
	g := NewGate(StaticPolicy(Policy{MaxRequests: 100, MaxCost: 0.25, CostPerCall: 0.1}))
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Charge("mcp"))
	}
	assert.Equal(t, Evaluation{Decision: DecisionDenied, Reason: ReasonCostLimit}, g.Check("mcp"))
}

func TestGate_ConcurrentChargeNeverOvershoots(t *testing.T) {
	g := NewGate(StaticPolicy(Policy{MaxRequests: 5, MaxCost: 100}))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Charge("mcp")
		}()
	}
	wg.Wait()
	n, _ := g.Usage()
	assert.Equal(t, 5, n)
}

func TestGate_PolicySourceIsReadPerCheck(t *testing.T) {
	p := DefaultPolicy()
	g := NewGate(func() Policy { return p })
	assert.Equal(t, DecisionRequiresPrompt, g.Check("mcp").Decision)

	p.AutoApprovalEnabled = true
	p.Granular = map[string]bool{"mcp": true}
	assert.Equal(t, DecisionAllowed, g.Check("mcp").Decision)
}

func TestCategorizer(t *testing.T) {
	c := Categorizer{Rules: map[string]string{
		"filesystem/write_file": "files_write",
		"filesystem/*":          "files",
		"fetch":                 "network",
	}}
	assert.Equal(t, "files_write", c.Category("filesystem", "write_file"))
	assert.Equal(t, "files", c.Category("filesystem", "read_file"))
	assert.Equal(t, "network", c.Category("web", "fetch"))
	assert.Equal(t, DefaultCategory, c.Category("weather", "get_weather"))
	assert.Equal(t, "other", Categorizer{Fallback: "other"}.Category("a", "b"))
}
