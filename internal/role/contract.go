// Package role defines the static contracts that govern what each agent
// role may do. A contract names the phases a role runs in, the
// capabilities it may exercise, and the artifact types it requires and
// produces. Contracts are loaded once at startup and never mutated; the
// coordinator consults them to gate dispatch, and the agent toolset
// consults them to enforce capability boundaries.
package role

import (
	"fmt"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

// Capability identifies a single permitted operation class.
type Capability string

// The full capability vocabulary. A role's contract lists a subset.
const (
	CapabilityRead             Capability = "read"
	CapabilitySearchText       Capability = "search-text"
	CapabilitySearchGlob       Capability = "search-glob"
	CapabilityWriteNewFile     Capability = "write-new-file"
	CapabilityEditExistingFile Capability = "edit-existing-file"
	CapabilityExecuteShell     Capability = "execute-shell"
)

// AllCapabilities returns every recognized capability.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilityRead,
		CapabilitySearchText,
		CapabilitySearchGlob,
		CapabilityWriteNewFile,
		CapabilityEditExistingFile,
		CapabilityExecuteShell,
	}
}

// Valid reports whether c is a recognized capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityRead, CapabilitySearchText, CapabilitySearchGlob,
		CapabilityWriteNewFile, CapabilityEditExistingFile, CapabilityExecuteShell:
		return true
	}
	return false
}

// String returns the capability's wire name.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.Valid() {
		return "", errors.NewValidationError(fmt.Sprintf("unrecognized capability '%s'", s)).
			WithField("capability").WithValue(s)
	}
	return c, nil
}

// RequiredInputPlans is the sentinel required-input type for roles whose
// inputs are the session's requested plan types rather than a fixed list.
// The coordinator expands it at dispatch time.
const RequiredInputPlans = "plans"

// Built-in role names.
const (
	RoleUIPlanner           = "ui-planner"
	RoleLogicPlanner        = "logic-planner"
	RoleArchitecturePlanner = "architecture-planner"
	RoleExecutor            = "executor"
	RoleReviewer            = "reviewer"
	RoleRefactorer          = "refactorer"
)

// Contract describes what a single role is allowed to do. Contracts are
// static configuration: loaded at process start, immutable afterwards.
type Contract struct {
	// Name is the role's unique identifier (e.g., "ui-planner").
	Name string `yaml:"name"`

	// Phases lists the session phases this role is eligible to run in,
	// using lowercase phase names (e.g., "planning", "executing").
	Phases []string `yaml:"phases"`

	// Capabilities is the set of operations the role may perform.
	// Anything outside this set is denied by the agent toolset.
	Capabilities []Capability `yaml:"capabilities"`

	// RequiredInputs lists artifact types that must exist before the
	// role can be dispatched. The sentinel RequiredInputPlans expands to
	// the session's requested plan types.
	RequiredInputs []string `yaml:"required_inputs"`

	// Produces lists the artifact types the role writes. For planner
	// roles this is the plan type they own.
	Produces []string `yaml:"produces"`
}

// EligibleIn reports whether the role may run in the given phase.
func (c *Contract) EligibleIn(phase string) bool {
	for _, p := range c.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Allows reports whether the contract grants the given capability.
func (c *Contract) Allows(capability Capability) bool {
	for _, granted := range c.Capabilities {
		if granted == capability {
			return true
		}
	}
	return false
}

// Validate checks the contract for structural problems.
func (c *Contract) Validate() error {
	if c.Name == "" {
		return errors.NewValidationError("role contract must have a name")
	}
	if len(c.Phases) == 0 {
		return errors.NewValidationError(fmt.Sprintf("role '%s' must list at least one phase", c.Name))
	}
	for _, capability := range c.Capabilities {
		if !capability.Valid() {
			return errors.NewValidationError(fmt.Sprintf("role '%s' lists unrecognized capability '%s'", c.Name, capability)).
				WithField("capability").WithValue(string(capability))
		}
	}
	return nil
}

// Rule is a human-authored convention document scoped to files matching
// a path glob. Rule bodies are opaque to the coordinator: they are handed
// to agents verbatim and never parsed or executed.
type Rule struct {
	// Glob selects the files the rule applies to (e.g., "**/*.tsx").
	Glob string `yaml:"glob"`

	// Document is the full rule text, passed through untouched.
	Document string `yaml:"document"`
}
