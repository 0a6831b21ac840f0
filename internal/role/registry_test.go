package role

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	wantRoles := []string{
		RoleUIPlanner,
		RoleLogicPlanner,
		RoleArchitecturePlanner,
		RoleExecutor,
		RoleReviewer,
		RoleRefactorer,
	}
	got := reg.Roles()
	if len(got) != len(wantRoles) {
		t.Fatalf("expected %d roles, got %d: %v", len(wantRoles), len(got), got)
	}
	for i, name := range wantRoles {
		if got[i] != name {
			t.Errorf("expected role %d to be %s, got %s", i, name, got[i])
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	t.Run("known role", func(t *testing.T) {
		c, err := reg.Resolve(RoleExecutor)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if c.Name != RoleExecutor {
			t.Errorf("expected name %s, got %s", RoleExecutor, c.Name)
		}
		if !c.EligibleIn("executing") {
			t.Error("executor should be eligible in executing phase")
		}
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := reg.Resolve("deployer")
		if !errors.Is(err, errors.ErrUnknownRole) {
			t.Errorf("expected ErrUnknownRole, got %v", err)
		}

		var roleErr *errors.RoleError
		if !errors.As(err, &roleErr) {
			t.Fatalf("expected RoleError, got %T", err)
		}
		if roleErr.Role != "deployer" {
			t.Errorf("expected role 'deployer' in error, got %q", roleErr.Role)
		}
	})
}

func TestRegistry_Authorize(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	tests := []struct {
		role       string
		capability Capability
		want       bool
	}{
		{RoleExecutor, CapabilityExecuteShell, true},
		{RoleExecutor, CapabilityWriteNewFile, true},
		{RoleUIPlanner, CapabilityRead, true},
		{RoleUIPlanner, CapabilityExecuteShell, false},
		{RoleUIPlanner, CapabilityWriteNewFile, false},
		{RoleReviewer, CapabilityEditExistingFile, false},
		{RoleRefactorer, CapabilityEditExistingFile, true},
		{RoleRefactorer, CapabilityExecuteShell, false},
		{"unknown-role", CapabilityRead, false},
	}

	for _, tt := range tests {
		if got := reg.Authorize(tt.role, tt.capability); got != tt.want {
			t.Errorf("Authorize(%s, %s) = %v, want %v", tt.role, tt.capability, got, tt.want)
		}
	}
}

func TestRegistry_EligibleFor(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	t.Run("planning has three planners in declaration order", func(t *testing.T) {
		eligible := reg.EligibleFor("planning")
		if len(eligible) != 3 {
			t.Fatalf("expected 3 eligible roles, got %d", len(eligible))
		}
		want := []string{RoleUIPlanner, RoleLogicPlanner, RoleArchitecturePlanner}
		for i, name := range want {
			if eligible[i].Name != name {
				t.Errorf("expected role %d to be %s, got %s", i, name, eligible[i].Name)
			}
		}
	})

	t.Run("deterministic across repeated evaluations", func(t *testing.T) {
		first := reg.EligibleFor("planning")
		for n := 0; n < 10; n++ {
			again := reg.EligibleFor("planning")
			if len(again) != len(first) {
				t.Fatalf("eligible set size changed: %d vs %d", len(again), len(first))
			}
			for i := range first {
				if again[i].Name != first[i].Name {
					t.Fatalf("eligible set order changed at %d: %s vs %s", i, again[i].Name, first[i].Name)
				}
			}
		}
	})

	t.Run("no eligible roles for unknown phase", func(t *testing.T) {
		if eligible := reg.EligibleFor("deploying"); len(eligible) != 0 {
			t.Errorf("expected no eligible roles, got %v", eligible)
		}
	})
}

func TestRegistry_RequiredInputs(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	inputs, err := reg.RequiredInputs(RoleExecutor)
	if err != nil {
		t.Fatalf("RequiredInputs failed: %v", err)
	}
	if len(inputs) != 1 || inputs[0] != RequiredInputPlans {
		t.Errorf("expected executor to require [%s], got %v", RequiredInputPlans, inputs)
	}

	inputs, err = reg.RequiredInputs(RoleUIPlanner)
	if err != nil {
		t.Fatalf("RequiredInputs failed: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("expected ui-planner to require nothing, got %v", inputs)
	}

	if _, err := reg.RequiredInputs("unknown-role"); !errors.Is(err, errors.ErrUnknownRole) {
		t.Errorf("expected ErrUnknownRole, got %v", err)
	}
}

func TestRegistry_Immutability(t *testing.T) {
	reg, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry failed: %v", err)
	}

	c, err := reg.Resolve(RoleUIPlanner)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	c.Capabilities[0] = CapabilityExecuteShell
	c.Phases[0] = "executing"

	again, err := reg.Resolve(RoleUIPlanner)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if again.Capabilities[0] == CapabilityExecuteShell {
		t.Error("mutating a resolved contract must not affect the registry")
	}
	if reg.Authorize(RoleUIPlanner, CapabilityExecuteShell) {
		t.Error("registry state leaked through resolved contract")
	}
}

func TestLoadRegistry(t *testing.T) {
	t.Run("custom contract file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "contracts.yaml")
		content := `roles:
  - name: solo-planner
    phases: [planning]
    capabilities: [read]
    produces: [ui]
`
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write contract file: %v", err)
		}

		reg, err := LoadRegistry(path)
		if err != nil {
			t.Fatalf("LoadRegistry failed: %v", err)
		}
		if len(reg.Roles()) != 1 || reg.Roles()[0] != "solo-planner" {
			t.Errorf("unexpected roles: %v", reg.Roles())
		}
	})

	t.Run("empty path falls back to defaults", func(t *testing.T) {
		reg, err := LoadRegistry("")
		if err != nil {
			t.Fatalf("LoadRegistry failed: %v", err)
		}
		if len(reg.Roles()) != 6 {
			t.Errorf("expected 6 default roles, got %d", len(reg.Roles()))
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadRegistry("/nonexistent/contracts.yaml"); err == nil {
			t.Error("expected error for missing contract file")
		}
	})

	t.Run("invalid YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "contracts.yaml")
		if err := os.WriteFile(path, []byte("roles: [not: valid: yaml"), 0644); err != nil {
			t.Fatalf("failed to write contract file: %v", err)
		}
		if _, err := LoadRegistry(path); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})

	t.Run("no roles defined", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "contracts.yaml")
		if err := os.WriteFile(path, []byte("rules: []\n"), 0644); err != nil {
			t.Fatalf("failed to write contract file: %v", err)
		}
		if _, err := LoadRegistry(path); err == nil {
			t.Error("expected error for contract file with no roles")
		}
	})
}

func TestNewRegistry_Validation(t *testing.T) {
	t.Run("duplicate role names", func(t *testing.T) {
		contracts := []Contract{
			{Name: "planner", Phases: []string{"planning"}},
			{Name: "planner", Phases: []string{"planning"}},
		}
		if _, err := NewRegistry(contracts, nil); err == nil {
			t.Error("expected error for duplicate role names")
		}
	})

	t.Run("missing name", func(t *testing.T) {
		contracts := []Contract{{Phases: []string{"planning"}}}
		if _, err := NewRegistry(contracts, nil); err == nil {
			t.Error("expected error for contract without name")
		}
	})

	t.Run("no phases", func(t *testing.T) {
		contracts := []Contract{{Name: "planner"}}
		if _, err := NewRegistry(contracts, nil); err == nil {
			t.Error("expected error for contract without phases")
		}
	})

	t.Run("unrecognized capability", func(t *testing.T) {
		contracts := []Contract{{
			Name:         "planner",
			Phases:       []string{"planning"},
			Capabilities: []Capability{"teleport"},
		}}
		if _, err := NewRegistry(contracts, nil); err == nil {
			t.Error("expected error for unrecognized capability")
		}
	})
}

func TestRegistry_RulesFor(t *testing.T) {
	rules := []Rule{
		{Glob: "**/*.tsx", Document: "component conventions"},
		{Glob: "**/*.ts", Document: "logic conventions"},
		{Glob: "README.md", Document: "docs conventions"},
	}
	reg, err := NewRegistry([]Contract{{Name: "planner", Phases: []string{"planning"}}}, rules)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	tests := []struct {
		path string
		want int
	}{
		{"src/components/Button.tsx", 1},
		{"Button.tsx", 1},
		{"src/lib/cart.ts", 1},
		{"README.md", 1},
		{"docs/README.md", 0},
		{"src/styles/main.css", 0},
	}

	for _, tt := range tests {
		if got := reg.RulesFor(tt.path); len(got) != tt.want {
			t.Errorf("RulesFor(%s) returned %d rules, want %d", tt.path, len(got), tt.want)
		}
	}
}

func TestParseCapability(t *testing.T) {
	for _, c := range AllCapabilities() {
		got, err := ParseCapability(string(c))
		if err != nil {
			t.Errorf("ParseCapability(%s) failed: %v", c, err)
		}
		if got != c {
			t.Errorf("ParseCapability(%s) = %s", c, got)
		}
	}

	if _, err := ParseCapability("teleport"); err == nil {
		t.Error("expected error for unrecognized capability")
	}
}
