package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func processInvocation() Invocation {
	return Invocation{
		Session:  session.Session{ID: "sess-process", Task: "add checkout form", Feature: "checkout-form"},
		Phase:    session.PhaseExecuting,
		Contract: plannerContract(),
		Attempt:  1,
	}
}

func TestProcessRunner_DecodesResult(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
printf '{"Notes":["touched src/form.tsx"]}'
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	res, err := r.Invoke(context.Background(), processInvocation())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Notes) != 1 || res.Notes[0] != "touched src/form.tsx" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestProcessRunner_CarriesViolations(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
printf '{"Notes":["done"],"Violations":[{"capability":"execute-shell","detail":"git push"}]}'
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	res, err := r.Invoke(context.Background(), processInvocation())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if len(res.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %+v", res.Violations)
	}
	v := res.Violations[0]
	if v.Capability != role.CapabilityExecuteShell || v.Detail != "git push" {
		t.Errorf("unexpected violation: %+v", v)
	}
}

func TestProcessRunner_ExposesInvocationEnv(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
printf '{"Notes":["%s %s %s"]}' "$ENSEMBLE_SESSION" "$ENSEMBLE_ROLE" "$ENSEMBLE_PHASE"
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	res, err := r.Invoke(context.Background(), processInvocation())
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	want := "sess-process ui-planner executing"
	if len(res.Notes) != 1 || res.Notes[0] != want {
		t.Errorf("expected note %q, got %+v", want, res.Notes)
	}
}

func TestProcessRunner_StdinCarriesInvocation(t *testing.T) {
	// The script succeeds only if the task description arrived on stdin.
	script := writeScript(t, `grep -q "add checkout form" || exit 1
printf '{}'
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	if _, err := r.Invoke(context.Background(), processInvocation()); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
}

func TestProcessRunner_NonZeroExit(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "model quota exhausted" >&2
exit 3
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	_, err = r.Invoke(context.Background(), processInvocation())
	if !errors.Is(err, errors.ErrRoleInvocation) {
		t.Fatalf("expected role invocation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model quota exhausted") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestProcessRunner_MalformedOutput(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "this is not json"
`)
	r, err := NewProcessRunner([]string{"sh", script})
	if err != nil {
		t.Fatalf("NewProcessRunner failed: %v", err)
	}

	_, err = r.Invoke(context.Background(), processInvocation())
	if !errors.Is(err, errors.ErrRoleInvocation) {
		t.Fatalf("expected role invocation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "malformed output") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewProcessRunner_EmptyCommand(t *testing.T) {
	if _, err := NewProcessRunner(nil); err == nil {
		t.Error("expected error for nil command")
	}
	if _, err := NewProcessRunner([]string{""}); err == nil {
		t.Error("expected error for empty argv0")
	}
}
