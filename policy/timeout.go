// Package policy derives timeout budgets from the two-axis classification
// (sla_class × action_class) declared on the frozen plan.
package policy

import (
	"strings"
	"sync"
	"time"

	"github.com/andrewcho-dev/opsconductor-ng-sub000/errors"
	"github.com/andrewcho-dev/opsconductor-ng-sub000/plan"
)

// Timeout is the budget applied to one execution.
// Lease is always >= Step so a held lease outlives the step it covers.
type Timeout struct {
	Execution        time.Duration `json:"execution_timeout"`
	Step             time.Duration `json:"step_timeout"`
	Lease            time.Duration `json:"lease_timeout"`
	MaxLeaseRenewals int           `json:"max_lease_renewals"`
}

type key struct {
	sla    plan.SLAClass
	action plan.ActionClass
}

// defaultTable is the static policy table. Exceeding any of these budgets is
// a first-class failure mode, not an exception.
var defaultTable = map[key]Timeout{
	{plan.SLAFast, plan.ActionRead}:     {30 * time.Second, 10 * time.Second, 15 * time.Second, 2},
	{plan.SLAFast, plan.ActionModify}:   {60 * time.Second, 20 * time.Second, 30 * time.Second, 3},
	{plan.SLAFast, plan.ActionDeploy}:   {2 * time.Minute, 1 * time.Minute, 90 * time.Second, 3},
	{plan.SLAMedium, plan.ActionRead}:   {5 * time.Minute, 1 * time.Minute, 90 * time.Second, 4},
	{plan.SLAMedium, plan.ActionModify}: {10 * time.Minute, 2 * time.Minute, 3 * time.Minute, 4},
	{plan.SLAMedium, plan.ActionDeploy}: {20 * time.Minute, 5 * time.Minute, 7 * time.Minute, 5},
	{plan.SLALong, plan.ActionRead}:     {30 * time.Minute, 10 * time.Minute, 12 * time.Minute, 6},
	{plan.SLALong, plan.ActionModify}:   {time.Hour, 15 * time.Minute, 20 * time.Minute, 8},
	{plan.SLALong, plan.ActionDeploy}:   {2 * time.Hour, 30 * time.Minute, 40 * time.Minute, 10},
}

// Table resolves timeout budgets. Overrides can be swapped in live via the
// config watcher; reads and swaps are mutex-guarded.
type Table struct {
	mu        sync.RWMutex
	overrides map[key]Timeout
}

// NewTable creates a policy table with no overrides.
func NewTable() *Table {
	return &Table{overrides: make(map[key]Timeout)}
}

// Resolve returns the timeout budget for one (sla_class, action_class) pair.
// Unknown pairs fall back to the most conservative budget in the table.
func (t *Table) Resolve(sla plan.SLAClass, action plan.ActionClass) Timeout {
	k := key{sla, action}

	t.mu.RLock()
	override, ok := t.overrides[k]
	t.mu.RUnlock()
	if ok {
		return override
	}

	if budget, ok := defaultTable[k]; ok {
		return budget
	}
	return defaultTable[key{plan.SLALong, plan.ActionDeploy}]
}

// Override replaces the budget for one pair. Lease is clamped up to Step if
// a caller supplies an inverted pair, preserving the lease >= step invariant.
func (t *Table) Override(sla plan.SLAClass, action plan.ActionClass, budget Timeout) {
	if budget.Lease < budget.Step {
		budget.Lease = budget.Step
	}
	t.mu.Lock()
	t.overrides[key{sla, action}] = budget
	t.mu.Unlock()
}

// OverrideSeconds applies a config-sourced override keyed "<sla>_<action>"
// (e.g. "fast_read") with second-granularity budgets. Fields at or below
// zero keep their currently resolved value. Unknown keys are rejected.
func (t *Table) OverrideSeconds(pairKey string, execSec, stepSec, leaseSec, maxRenewals int) error {
	sla, action, ok := SplitKey(pairKey)
	if !ok {
		return errors.NewValidationError("unknown timeout policy key %q", pairKey)
	}

	budget := t.Resolve(sla, action)
	if execSec > 0 {
		budget.Execution = time.Duration(execSec) * time.Second
	}
	if stepSec > 0 {
		budget.Step = time.Duration(stepSec) * time.Second
	}
	if leaseSec > 0 {
		budget.Lease = time.Duration(leaseSec) * time.Second
	}
	if maxRenewals > 0 {
		budget.MaxLeaseRenewals = maxRenewals
	}
	t.Override(sla, action, budget)
	return nil
}

// SplitKey parses a "<sla>_<action>" policy key.
func SplitKey(pairKey string) (plan.SLAClass, plan.ActionClass, bool) {
	parts := strings.SplitN(pairKey, "_", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	sla := plan.SLAClass(parts[0])
	action := plan.ActionClass(parts[1])
	switch sla {
	case plan.SLAFast, plan.SLAMedium, plan.SLALong:
	default:
		return "", "", false
	}
	switch action {
	case plan.ActionRead, plan.ActionModify, plan.ActionDeploy:
	default:
		return "", "", false
	}
	return sla, action, true
}

// dominant orders action classes by blast radius.
var dominant = map[plan.ActionClass]int{
	plan.ActionRead:   0,
	plan.ActionModify: 1,
	plan.ActionDeploy: 2,
}

// ForPlan resolves the execution-level budget using the plan's sla_class and
// the widest action class among its steps.
func (t *Table) ForPlan(p *plan.Plan) Timeout {
	action := plan.ActionRead
	for _, s := range p.Steps {
		if dominant[s.ActionClass] > dominant[action] {
			action = s.ActionClass
		}
	}
	return t.Resolve(p.SLAClass, action)
}
