package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/session"
)

// Step is one scripted response: returned in order, one per invocation
// of the role it is scripted for.
type Step struct {
	Result *Result
	Err    error
}

// ScriptedRunner is a Runner whose responses are scripted per role. It
// records every invocation it receives, so tests can assert on dispatch
// order and invocation contents.
type ScriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]Step
	calls   []Invocation
}

// NewScriptedRunner creates an empty scripted runner. Invoking an
// unscripted role fails.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{scripts: make(map[string][]Step)}
}

// Script appends responses for a role. Each invocation of the role
// consumes one step.
func (r *ScriptedRunner) Script(roleName string, steps ...Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[roleName] = append(r.scripts[roleName], steps...)
}

// Invoke pops the next scripted step for the invoked role.
func (r *ScriptedRunner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.calls = append(r.calls, inv)
	steps := r.scripts[inv.Contract.Name]
	if len(steps) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("no scripted response for role %s", inv.Contract.Name)
	}
	step := steps[0]
	r.scripts[inv.Contract.Name] = steps[1:]
	r.mu.Unlock()

	return step.Result, step.Err
}

// Calls returns a copy of every recorded invocation, in order.
func (r *ScriptedRunner) Calls() []Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Invocation, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the given role was invoked.
func (r *ScriptedRunner) CallCount(roleName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, call := range r.calls {
		if call.Contract.Name == roleName {
			n++
		}
	}
	return n
}

// DryRunRunner produces placeholder results without touching the
// workspace or any external process. Used by the CLI's --dry-run mode to
// exercise the full coordinator state machine.
type DryRunRunner struct{}

// Invoke synthesizes a result appropriate for the invocation's phase:
// placeholder plans for planners, a clean report for the reviewer, and a
// note for everything else.
func (DryRunRunner) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch inv.Phase {
	case session.PhasePlanning:
		res := &Result{}
		for _, produced := range inv.Contract.Produces {
			res.Plans = append(res.Plans, plan.Artifact{
				Type:    plan.Type(produced),
				Feature: inv.Session.Feature,
				Role:    inv.Contract.Name,
				Body:    fmt.Sprintf("dry-run %s plan for %s", produced, inv.Session.Feature),
			})
			res.Notes = append(res.Notes, fmt.Sprintf("drafted %s plan", produced))
		}
		return res, nil

	case session.PhaseReviewing:
		return &Result{
			Report: &review.Report{SessionID: inv.Session.ID},
			Notes:  []string{"dry-run review found no issues"},
		}, nil

	default:
		return &Result{
			Notes: []string{fmt.Sprintf("dry-run %s pass complete", inv.Phase)},
		}, nil
	}
}
