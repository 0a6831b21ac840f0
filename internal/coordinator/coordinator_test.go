package coordinator

import (
	"context"
	"strings"
	"testing"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/event"
	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

// fixture wires a coordinator over a temp-dir store with a scripted
// runner, matching how the CLI assembles the real thing.
type fixture struct {
	coord    *Coordinator
	sessions *session.ContextManager
	plans    *plan.Registry
	reports  *review.Registry
	runner   *agent.ScriptedRunner
	bus      *event.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessions, err := session.NewContextManager(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewContextManager failed: %v", err)
	}
	roles, err := role.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	f := &fixture{
		sessions: sessions,
		plans:    plan.NewRegistry(sessions.Store()),
		reports:  review.NewRegistry(sessions.Store()),
		runner:   agent.NewScriptedRunner(),
		bus:      event.NewBus(),
	}

	f.coord, err = New(Config{
		Sessions: sessions,
		Roles:    roles,
		Plans:    f.plans,
		Reports:  f.reports,
		Runner:   f.runner,
		Bus:      f.bus,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return f
}

func (f *fixture) createSession(t *testing.T, refactor bool) *session.Session {
	t.Helper()
	sess, err := f.sessions.Create(context.Background(),
		"add checkout form", "checkout-form", []string{"ui", "logic"}, refactor)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return sess
}

func planStep(planType string) agent.Step {
	return agent.Step{Result: &agent.Result{
		Plans: []plan.Artifact{{Type: plan.Type(planType), Body: planType + " plan body"}},
		Notes: []string{"drafted " + planType + " plan"},
	}}
}

func noteStep(note string) agent.Step {
	return agent.Step{Result: &agent.Result{Notes: []string{note}}}
}

func reportStep(findings ...review.Finding) agent.Step {
	return agent.Step{Result: &agent.Result{
		Report: &review.Report{Findings: findings},
	}}
}

// transitions extracts the coordinator transition phases from the log,
// in order, including the initial entry into Planning.
func transitions(t *testing.T, f *fixture, sessionID string) []session.Phase {
	t.Helper()
	entries, err := f.sessions.Read(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var phases []session.Phase
	for _, e := range entries {
		if e.Role == session.CoordinatorRole && (e.Kind == session.EntryKindTransition || e.Kind == session.EntryKindPoison) {
			phases = append(phases, e.Phase)
		}
	}
	return phases
}

func assertPhases(t *testing.T, got, want []session.Phase) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected phase sequence %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected phase sequence %v, got %v", want, got)
		}
	}
}

func TestRun_FullLifecycleWithRefactor(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, true)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor, noteStep("applied both plans"))
	f.runner.Script(role.RoleReviewer, reportStep(
		review.Finding{Severity: review.SeverityMinor, Description: "naming nit"},
	))
	f.runner.Script(role.RoleRefactorer, noteStep("tidied handlers"))

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseDone {
		t.Fatalf("expected Done, got %s", final)
	}

	assertPhases(t, transitions(t, f, sess.ID), []session.Phase{
		session.PhasePlanning,
		session.PhaseReadyForExecution,
		session.PhaseExecuting,
		session.PhaseReviewing,
		session.PhaseRefactoring,
		session.PhaseDone,
	})

	if _, err := f.plans.Resolve(context.Background(), sess.ID, plan.TypeUI, "checkout-form"); err != nil {
		t.Errorf("expected ui plan to be registered: %v", err)
	}
	report, err := f.reports.Latest(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if report.Summary().Minor != 1 {
		t.Errorf("unexpected report summary: %+v", report.Summary())
	}
}

func TestRun_MajorFindingsSkipRefactor(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, true)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor, noteStep("done"))
	f.runner.Script(role.RoleReviewer, reportStep(
		review.Finding{Severity: review.SeverityMajor, Description: "broken validation"},
	))

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseDone {
		t.Fatalf("expected Done, got %s", final)
	}

	if got := f.runner.CallCount(role.RoleRefactorer); got != 0 {
		t.Errorf("refactorer must not run with major findings, got %d calls", got)
	}
	phases := transitions(t, f, sess.ID)
	assertPhases(t, phases, []session.Phase{
		session.PhasePlanning,
		session.PhaseReadyForExecution,
		session.PhaseExecuting,
		session.PhaseReviewing,
		session.PhaseDone,
	})

	// The report stays attached to the terminal state.
	report, err := f.reports.Latest(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if !report.HasMajor() {
		t.Error("expected the major report to be retrievable after Done")
	}
}

func TestRun_NoRefactorRequested(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor, noteStep("done"))
	f.runner.Script(role.RoleReviewer, reportStep())

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseDone {
		t.Fatalf("expected Done, got %s", final)
	}
	if got := f.runner.CallCount(role.RoleRefactorer); got != 0 {
		t.Errorf("refactorer must not run when not requested, got %d calls", got)
	}
}

func TestRun_ExecutorMissingPlanFailsAfterRetry(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)
	ctx := context.Background()

	// Only the ui plan exists; the session is forced into Executing so
	// the executor's plan resolution is what fails.
	if _, err := f.plans.Register(ctx, sess.ID, plan.Artifact{
		Type: plan.TypeUI, Feature: "checkout-form", Role: role.RoleUIPlanner, Body: "ui",
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := f.sessions.Append(ctx, sess.ID,
		session.NewTransitionEntry(session.PhaseExecuting, "forced for test")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	final, err := f.coord.Run(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseFailed {
		t.Fatalf("expected Failed, got %s", final)
	}

	// Plan resolution fails before the runner is reached.
	if got := f.runner.CallCount(role.RoleExecutor); got != 0 {
		t.Errorf("runner must not be invoked without inputs, got %d calls", got)
	}

	entries, err := f.sessions.Read(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	failures := 0
	for _, e := range entries {
		if e.Kind == session.EntryKindFailure && e.Role == role.RoleExecutor {
			failures++
			if !strings.Contains(e.Content, "missing plan: logic/checkout-form") {
				t.Errorf("failure entry must carry the resolver error, got %q", e.Content)
			}
		}
	}
	if failures != 2 {
		t.Errorf("expected 2 recorded failures (attempt + retry), got %d", failures)
	}

	last := entries[len(entries)-1]
	if last.Phase != session.PhaseFailed || !strings.Contains(last.Content, "missing plan: logic/checkout-form") {
		t.Errorf("terminal transition must carry the failure reason, got %+v", last)
	}
}

func TestRun_TransientFailureRetriedOnce(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor,
		agent.Step{Err: errors.NewRoleError("model timed out", errors.ErrRoleInvocation)},
		noteStep("done on retry"),
	)
	f.runner.Script(role.RoleReviewer, reportStep())

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseDone {
		t.Fatalf("expected Done after retry, got %s", final)
	}
	if got := f.runner.CallCount(role.RoleExecutor); got != 2 {
		t.Errorf("expected 2 executor attempts, got %d", got)
	}

	entries, err := f.sessions.Read(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	failures := 0
	for _, e := range entries {
		if e.Kind == session.EntryKindFailure {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("expected exactly 1 recorded failure, got %d", failures)
	}
}

func TestRun_CapabilityViolationsRecorded(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor, agent.Step{Result: &agent.Result{
		Notes: []string{"applied both plans"},
		Violations: []agent.Violation{
			{Capability: role.CapabilityExecuteShell, Detail: "git push"},
		},
	}})
	f.runner.Script(role.RoleReviewer, reportStep())

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseDone {
		t.Fatalf("expected Done, got %s", final)
	}

	entries, err := f.sessions.Read(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	violations := 0
	for _, e := range entries {
		if e.Kind != session.EntryKindFailure || e.Role != role.RoleExecutor {
			continue
		}
		violations++
		if !strings.Contains(e.Content, "capability denied: execute-shell (git push)") {
			t.Errorf("failure entry must name the denied capability, got %q", e.Content)
		}
		if e.Phase != session.PhaseExecuting {
			t.Errorf("violation must carry the invocation phase, got %s", e.Phase)
		}
	}
	if violations != 1 {
		t.Errorf("expected 1 recorded violation, got %d", violations)
	}
}

func TestRun_PlannerNeverRegistersPlan(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	// The logic planner reports success but registers nothing.
	f.runner.Script(role.RoleLogicPlanner, noteStep("looked around, wrote no plan"))

	final, err := f.coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseFailed {
		t.Fatalf("expected Failed, got %s", final)
	}

	entries, err := f.sessions.Read(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	last := entries[len(entries)-1]
	if !strings.Contains(last.Content, "missing plan: logic/checkout-form") {
		t.Errorf("expected missing-plan reason, got %q", last.Content)
	}
}

func TestRun_NoEligibleRole(t *testing.T) {
	// A registry with no planning roles leaves nothing to dispatch.
	roles, err := role.NewRegistry([]role.Contract{
		{Name: role.RoleExecutor, Phases: []string{"executing"}, Capabilities: role.AllCapabilities()},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	f := newFixture(t)
	coord, err := New(Config{
		Sessions: f.sessions,
		Roles:    roles,
		Plans:    f.plans,
		Reports:  f.reports,
		Runner:   f.runner,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sess := f.createSession(t, false)

	final, err := coord.Run(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseFailed {
		t.Fatalf("expected Failed, got %s", final)
	}

	entries, err := f.sessions.Read(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	last := entries[len(entries)-1]
	if !strings.Contains(last.Content, "no eligible role") {
		t.Errorf("expected an explicit no-eligible-role reason, got %q", last.Content)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)
	ctx := context.Background()

	if err := f.coord.Cancel(ctx, sess.ID, "operator interrupt"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	phase, err := f.sessions.CurrentPhase(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CurrentPhase failed: %v", err)
	}
	if phase != session.PhaseFailed {
		t.Errorf("expected Failed after cancel, got %s", phase)
	}

	last, err := f.sessions.LastEntry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("LastEntry failed: %v", err)
	}
	if last.Kind != session.EntryKindPoison || last.Content != "operator interrupt" {
		t.Errorf("expected poison entry, got %+v", last)
	}

	if err := f.coord.Cancel(ctx, sess.ID, "again"); !errors.Is(err, errors.ErrSessionTerminal) {
		t.Errorf("expected ErrSessionTerminal on double cancel, got %v", err)
	}
}

func TestCancel_UnknownSession(t *testing.T) {
	f := newFixture(t)
	err := f.coord.Cancel(context.Background(), "no-such-session", "")
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPendingRoles_Deterministic(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)
	ctx := context.Background()

	first, err := f.coord.PendingRoles(ctx, sess.ID)
	if err != nil {
		t.Fatalf("PendingRoles failed: %v", err)
	}
	want := []string{role.RoleUIPlanner, role.RoleLogicPlanner, role.RoleArchitecturePlanner}
	if len(first) != len(want) {
		t.Fatalf("expected %v, got %v", want, first)
	}
	for i := range want {
		if first[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, first)
		}
	}

	// Same snapshot, same answer, every time.
	for n := 0; n < 5; n++ {
		again, err := f.coord.PendingRoles(ctx, sess.ID)
		if err != nil {
			t.Fatalf("PendingRoles failed: %v", err)
		}
		for i := range want {
			if again[i] != first[i] {
				t.Fatalf("dispatch set changed across evaluations: %v vs %v", first, again)
			}
		}
	}
}

func TestRun_PublishesEvents(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	var types []string
	f.bus.SubscribeAll(func(e event.Event) {
		types = append(types, e.EventType())
	})

	f.runner.Script(role.RoleUIPlanner, planStep("ui"))
	f.runner.Script(role.RoleLogicPlanner, planStep("logic"))
	f.runner.Script(role.RoleExecutor, noteStep("done"))
	f.runner.Script(role.RoleReviewer, reportStep())

	if _, err := f.coord.Run(context.Background(), sess.ID); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := make(map[string]bool)
	for _, typ := range types {
		seen[typ] = true
	}
	for _, want := range []string{
		"session.phase_changed",
		"role.dispatched",
		"role.completed",
		"plan.registered",
		"report.filed",
		"session.completed",
	} {
		if !seen[want] {
			t.Errorf("expected event %s to be published, saw %v", want, types)
		}
	}
}

func TestRun_ContextCancellation(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.coord.Run(ctx, sess.ID); err == nil {
		t.Error("expected error from a canceled context")
	}

	// The session itself is untouched: still in Planning, resumable.
	phase, err := f.sessions.CurrentPhase(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("CurrentPhase failed: %v", err)
	}
	if phase != session.PhasePlanning {
		t.Errorf("expected session to remain in Planning, got %s", phase)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for missing collaborators")
	}
}
