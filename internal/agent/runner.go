// Package agent defines the contract between the coordinator and the
// external agent runners that do the actual work. A runner is a pure
// function from (role contract, session context, relevant artifacts) to
// (new artifacts, context delta); the implementation is supplied
// externally, but this package defines the I/O contract and enforces
// capability boundaries around it.
package agent

import (
	"context"

	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

// Invocation carries everything a role invocation may observe. The
// coordinator assembles it from the stores; runners receive snapshots,
// never live references.
type Invocation struct {
	// Session is the session's creation-time metadata.
	Session session.Session

	// Phase is the phase the invocation runs in.
	Phase session.Phase

	// Contract is the invoked role's contract. The runner must stay
	// within its capability set; the Toolset enforces this.
	Contract role.Contract

	// Rules are the convention documents in scope for the role, passed
	// through verbatim.
	Rules []role.Rule

	// Context is a replayable snapshot of the session's context log.
	Context []session.ContextEntry

	// Plans are the plan artifacts in scope for the role. For the
	// executor this is every requested plan; for planners it is empty.
	Plans []plan.Artifact

	// Attempt is 1 for the first invocation, 2 for the retry.
	Attempt int
}

// Result is what a role invocation hands back to the coordinator. All
// outputs flow through the coordinator into the artifact store; runners
// never write store state directly.
type Result struct {
	// Plans are plan artifacts to register (planner roles).
	Plans []plan.Artifact

	// Report is the review report to file (reviewer role).
	Report *review.Report

	// Notes are context entries to append, in order, attributed to the
	// invoked role.
	Notes []string

	// Violations are the denied capability attempts the invocation's
	// Toolset recorded. They do not fail the invocation; the coordinator
	// appends each one to the context log as a failure entry.
	Violations []Violation
}

// Runner executes a single role invocation. Implementations wrap the
// external language model; they must observe ctx cancellation, since a
// role may be a long-running external process, and must leave any
// partially written artifacts intact when cancelled.
type Runner interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Invoke calls f.
func (f RunnerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}
