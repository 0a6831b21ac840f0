// Package internal contains integration tests that drive the full
// pipeline against real file-backed storage: session creation, the
// coordinator's phase machine, plan and report registries, the event
// bus, and the session lock.
package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/coordinator"
	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/event"
	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

func newCoordinator(t *testing.T, baseDir string, bus *event.Bus) (*coordinator.Coordinator, *session.ContextManager) {
	t.Helper()

	mgr, err := session.NewContextManager(baseDir, 5)
	if err != nil {
		t.Fatalf("NewContextManager failed: %v", err)
	}
	roles, err := role.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Sessions: mgr,
		Roles:    roles,
		Plans:    plan.NewRegistry(mgr.Store()),
		Reports:  review.NewRegistry(mgr.Store()),
		Runner:   agent.DryRunRunner{},
		Bus:      bus,
	})
	if err != nil {
		t.Fatalf("coordinator.New failed: %v", err)
	}
	return coord, mgr
}

// TestDryRunLifecycle drives a session from creation to Done through
// every phase, with all state on disk.
func TestDryRunLifecycle(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	bus := event.NewBus()
	var mu sync.Mutex
	var eventTypes []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		eventTypes = append(eventTypes, e.EventType())
		mu.Unlock()
	})

	coord, mgr := newCoordinator(t, baseDir, bus)

	sess, err := mgr.Create(ctx, "add checkout form", "checkout-form", []string{"ui", "logic"}, true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	lock, err := session.AcquireLock(mgr.SessionDir(sess.ID), sess.ID, nil)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	phase, err := coord.Run(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if phase != session.PhaseDone {
		t.Fatalf("expected Done, got %s", phase)
	}

	// Every phase appears in the context log, in order.
	entries, err := mgr.Read(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var phases []session.Phase
	for _, e := range entries {
		if e.Role == session.CoordinatorRole && e.Kind == session.EntryKindTransition {
			phases = append(phases, e.Phase)
		}
	}
	want := []session.Phase{
		session.PhasePlanning,
		session.PhaseReadyForExecution,
		session.PhaseExecuting,
		session.PhaseReviewing,
		session.PhaseRefactoring,
		session.PhaseDone,
	}
	if len(phases) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), phases)
	}
	for i, p := range want {
		if phases[i] != p {
			t.Errorf("transition %d: expected %s, got %s", i, p, phases[i])
		}
	}

	// Both requested plans are on disk and resolvable.
	plans := plan.NewRegistry(mgr.Store())
	for _, typ := range []plan.Type{plan.TypeUI, plan.TypeLogic} {
		if _, err := plans.Resolve(ctx, sess.ID, typ, "checkout-form"); err != nil {
			t.Errorf("plan %s not resolvable: %v", typ, err)
		}
	}
	plansDir := filepath.Join(mgr.SessionDir(sess.ID), plan.PlansDirName)
	if _, err := os.Stat(plansDir); err != nil {
		t.Errorf("plans directory missing: %v", err)
	}

	// A clean report was filed.
	report, err := review.NewRegistry(mgr.Store()).Latest(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if report.HasMajor() {
		t.Error("dry-run review must be clean")
	}

	// The bus saw the lifecycle.
	mu.Lock()
	defer mu.Unlock()
	counts := make(map[string]int)
	for _, et := range eventTypes {
		counts[et]++
	}
	// The initial Planning transition is written at creation, before the
	// coordinator runs, so it publishes no event.
	if counts["session.phase_changed"] != len(want)-1 {
		t.Errorf("expected %d phase_changed events, got %d", len(want)-1, counts["session.phase_changed"])
	}
	if counts["plan.registered"] != 2 {
		t.Errorf("expected 2 plan.registered events, got %d", counts["plan.registered"])
	}
	if counts["report.filed"] != 1 {
		t.Errorf("expected 1 report.filed event, got %d", counts["report.filed"])
	}
	if counts["session.completed"] != 1 {
		t.Errorf("expected 1 session.completed event, got %d", counts["session.completed"])
	}
}

// TestSessionLockExcludesSecondCoordinator verifies the single-writer
// discipline: a second process-alike cannot acquire a held lock.
func TestSessionLockExcludesSecondCoordinator(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()
	_, mgr := newCoordinator(t, baseDir, nil)

	sess, err := mgr.Create(ctx, "add checkout form", "checkout-form", []string{"ui"}, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dir := mgr.SessionDir(sess.ID)

	lock, err := session.AcquireLock(dir, sess.ID, nil)
	if err != nil {
		t.Fatalf("AcquireLock failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	if _, err := session.AcquireLock(dir, sess.ID, nil); !errors.Is(err, errors.ErrSessionLocked) {
		t.Fatalf("expected ErrSessionLocked, got %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	second, err := session.AcquireLock(dir, sess.ID, nil)
	if err != nil {
		t.Fatalf("reacquire after release failed: %v", err)
	}
	_ = second.Release()
}

// TestCancelPersistsAcrossManagers verifies that a poison entry written
// through one manager is observed by a fresh one over the same storage,
// the way a separate cancel process would see it.
func TestCancelPersistsAcrossManagers(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	coord, mgr := newCoordinator(t, baseDir, nil)
	sess, err := mgr.Create(ctx, "add checkout form", "checkout-form", []string{"ui"}, false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := coord.Cancel(ctx, sess.ID, "operator interrupt"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// A fresh manager over the same base dir derives the same phase.
	coord2, mgr2 := newCoordinator(t, baseDir, nil)
	phase, err := mgr2.CurrentPhase(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CurrentPhase failed: %v", err)
	}
	if phase != session.PhaseFailed {
		t.Fatalf("expected Failed after cancel, got %s", phase)
	}

	// The poisoned session cannot be driven further.
	final, err := coord2.Run(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final != session.PhaseFailed {
		t.Errorf("expected Failed, got %s", final)
	}
}
