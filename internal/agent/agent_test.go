package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

func plannerContract() role.Contract {
	return role.Contract{
		Name:         role.RoleUIPlanner,
		Phases:       []string{"planning"},
		Capabilities: []role.Capability{role.CapabilityRead, role.CapabilitySearchText, role.CapabilitySearchGlob},
		Produces:     []string{"ui"},
	}
}

func executorContract() role.Contract {
	return role.Contract{
		Name:         role.RoleExecutor,
		Phases:       []string{"executing"},
		Capabilities: role.AllCapabilities(),
	}
}

func newWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"src/form.tsx":       "export const Form = () => null\n",
		"src/lib/submit.ts":  "export function submit() {}\n// TODO: validate\n",
		"README.md":          "checkout form\n",
		".git/HEAD":          "ref: refs/heads/main\n",
		"src/.cache/blob.ts": "cached\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}
	}
	return dir
}

func TestToolset_ReadFile(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), plannerContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	data, err := ts.ReadFile("src/form.tsx")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "export const Form = () => null\n" {
		t.Errorf("unexpected contents: %q", data)
	}

	if _, err := ts.ReadFile("src/missing.tsx"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestToolset_DeniesUnauthorizedCapability(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), plannerContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	err = ts.WriteNewFile("src/new.tsx", []byte("x"))
	if !errors.Is(err, errors.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	var roleErr *errors.RoleError
	if !errors.As(err, &roleErr) {
		t.Fatalf("expected RoleError, got %T", err)
	}
	if roleErr.Role != role.RoleUIPlanner || roleErr.Capability != "write-new-file" {
		t.Errorf("unexpected error context: role=%s capability=%s", roleErr.Role, roleErr.Capability)
	}

	if _, err := ts.Execute(context.Background(), "true"); !errors.Is(err, errors.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for execute-shell, got %v", err)
	}

	violations := ts.Violations()
	if len(violations) != 2 {
		t.Fatalf("expected 2 recorded violations, got %d", len(violations))
	}
	if violations[0].Capability != role.CapabilityWriteNewFile {
		t.Errorf("unexpected first violation: %+v", violations[0])
	}
	if violations[1].Capability != role.CapabilityExecuteShell {
		t.Errorf("unexpected second violation: %+v", violations[1])
	}
}

func TestToolset_RejectsEscapingPaths(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), executorContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	for _, path := range []string{"../outside.txt", "/etc/passwd", ""} {
		if _, err := ts.ReadFile(path); err == nil {
			t.Errorf("expected error for path %q", path)
		}
	}
}

func TestToolset_SearchText(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), plannerContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	matches, err := ts.SearchText(`TODO:`)
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d: %+v", len(matches), matches)
	}
	if matches[0].Path != "src/lib/submit.ts" || matches[0].Line != 2 {
		t.Errorf("unexpected match: %+v", matches[0])
	}

	if _, err := ts.SearchText(`[broken`); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestToolset_SearchText_SkipsHiddenDirs(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), plannerContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	matches, err := ts.SearchText(`cached|refs/heads`)
	if err != nil {
		t.Fatalf("SearchText failed: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("hidden directories must be skipped, got %+v", matches)
	}
}

func TestToolset_SearchGlob(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), plannerContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	tests := []struct {
		pattern string
		want    []string
	}{
		{"**/*.tsx", []string{"src/form.tsx"}},
		{"**/*.ts", []string{"src/lib/submit.ts"}},
		{"*.md", []string{"README.md"}},
		{"**/*.go", nil},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			got, err := ts.SearchGlob(tt.pattern)
			if err != nil {
				t.Fatalf("SearchGlob failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestToolset_WriteNewFile(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), executorContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	if err := ts.WriteNewFile("src/new/button.tsx", []byte("button")); err != nil {
		t.Fatalf("WriteNewFile failed: %v", err)
	}
	data, err := ts.ReadFile("src/new/button.tsx")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "button" {
		t.Errorf("unexpected contents: %q", data)
	}

	if err := ts.WriteNewFile("src/form.tsx", []byte("overwrite")); err == nil {
		t.Error("expected error when target already exists")
	}
}

func TestToolset_EditFile(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), executorContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	if err := ts.EditFile("README.md", []byte("updated\n")); err != nil {
		t.Fatalf("EditFile failed: %v", err)
	}
	data, err := ts.ReadFile("README.md")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "updated\n" {
		t.Errorf("unexpected contents: %q", data)
	}

	if err := ts.EditFile("src/missing.ts", []byte("x")); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestToolset_Execute(t *testing.T) {
	ts, err := NewToolset(newWorkspace(t), executorContract())
	if err != nil {
		t.Fatalf("NewToolset failed: %v", err)
	}

	out, err := ts.Execute(context.Background(), "ls", "src")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(out) == 0 {
		t.Error("expected command output")
	}

	if _, err := ts.Execute(context.Background(), "false"); err == nil {
		t.Error("expected error for failing command")
	}
}

func TestScriptedRunner(t *testing.T) {
	runner := NewScriptedRunner()
	runner.Script(role.RoleExecutor,
		Step{Err: errors.NewRoleError("runner crashed", errors.ErrRoleInvocation)},
		Step{Result: &Result{Notes: []string{"applied plans"}}},
	)

	inv := Invocation{
		Session:  session.Session{ID: "sess-1", Feature: "checkout-form"},
		Phase:    session.PhaseExecuting,
		Contract: executorContract(),
		Attempt:  1,
	}

	if _, err := runner.Invoke(context.Background(), inv); !errors.Is(err, errors.ErrRoleInvocation) {
		t.Fatalf("expected scripted failure, got %v", err)
	}

	inv.Attempt = 2
	res, err := runner.Invoke(context.Background(), inv)
	if err != nil {
		t.Fatalf("expected scripted success, got %v", err)
	}
	if len(res.Notes) != 1 || res.Notes[0] != "applied plans" {
		t.Errorf("unexpected result: %+v", res)
	}

	if _, err := runner.Invoke(context.Background(), inv); err == nil {
		t.Error("expected error once the script is exhausted")
	}

	if got := runner.CallCount(role.RoleExecutor); got != 3 {
		t.Errorf("expected 3 recorded calls, got %d", got)
	}
	calls := runner.Calls()
	if len(calls) != 3 || calls[0].Attempt != 1 || calls[1].Attempt != 2 {
		t.Errorf("unexpected recorded calls: %+v", calls)
	}
}

func TestScriptedRunner_UnscriptedRole(t *testing.T) {
	runner := NewScriptedRunner()
	_, err := runner.Invoke(context.Background(), Invocation{Contract: plannerContract()})
	if err == nil {
		t.Error("expected error for unscripted role")
	}
}

func TestDryRunRunner(t *testing.T) {
	runner := DryRunRunner{}
	sess := session.Session{ID: "sess-1", Feature: "checkout-form"}

	t.Run("planner produces placeholder plans", func(t *testing.T) {
		res, err := runner.Invoke(context.Background(), Invocation{
			Session:  sess,
			Phase:    session.PhasePlanning,
			Contract: plannerContract(),
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if len(res.Plans) != 1 {
			t.Fatalf("expected 1 plan, got %d", len(res.Plans))
		}
		p := res.Plans[0]
		if string(p.Type) != "ui" || p.Feature != "checkout-form" || p.Role != role.RoleUIPlanner {
			t.Errorf("unexpected plan: %+v", p)
		}
	})

	t.Run("reviewer files a clean report", func(t *testing.T) {
		res, err := runner.Invoke(context.Background(), Invocation{
			Session: sess,
			Phase:   session.PhaseReviewing,
			Contract: role.Contract{
				Name:   role.RoleReviewer,
				Phases: []string{"reviewing"},
			},
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if res.Report == nil || res.Report.SessionID != "sess-1" {
			t.Fatalf("expected a report for sess-1, got %+v", res.Report)
		}
		if res.Report.HasMajor() {
			t.Error("dry-run report must be clean")
		}
	})

	t.Run("executor leaves a note", func(t *testing.T) {
		res, err := runner.Invoke(context.Background(), Invocation{
			Session:  sess,
			Phase:    session.PhaseExecuting,
			Contract: executorContract(),
		})
		if err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
		if len(res.Plans) != 0 || res.Report != nil || len(res.Notes) != 1 {
			t.Errorf("unexpected result: %+v", res)
		}
	})
}

func TestRunnerFunc(t *testing.T) {
	called := false
	var runner Runner = RunnerFunc(func(ctx context.Context, inv Invocation) (*Result, error) {
		called = true
		return &Result{}, nil
	})
	if _, err := runner.Invoke(context.Background(), Invocation{}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !called {
		t.Error("expected the adapted function to run")
	}
}
