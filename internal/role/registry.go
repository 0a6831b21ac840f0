package role

import (
	_ "embed"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/ensemble/internal/errors"
)

// Default role contracts, compiled into the binary. Used when no contract
// file is configured.
//
//go:embed contracts.yaml
var defaultContracts []byte

// Registry holds the full set of role contracts and rule documents for
// the process. It is built once at startup and immutable afterwards, so
// lookups need no locking.
type Registry struct {
	contracts map[string]Contract
	order     []string
	rules     []Rule
}

// registryFile is the on-disk YAML shape of a contract file.
type registryFile struct {
	Roles []Contract `yaml:"roles"`
	Rules []Rule     `yaml:"rules"`
}

// NewRegistry builds a registry from the given contracts and rules.
// Contract names must be unique; each contract must validate.
func NewRegistry(contracts []Contract, rules []Rule) (*Registry, error) {
	r := &Registry{
		contracts: make(map[string]Contract, len(contracts)),
		rules:     append([]Rule(nil), rules...),
	}
	for _, c := range contracts {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.contracts[c.Name]; exists {
			return nil, errors.NewValidationError(fmt.Sprintf("duplicate role contract '%s'", c.Name)).
				WithField("name").WithValue(c.Name)
		}
		r.contracts[c.Name] = copyContract(c)
		r.order = append(r.order, c.Name)
	}
	return r, nil
}

// DefaultRegistry builds a registry from the embedded contract defaults.
func DefaultRegistry() (*Registry, error) {
	return parseRegistry(defaultContracts)
}

// LoadRegistry builds a registry from a YAML contract file. An empty path
// falls back to the embedded defaults.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read contract file: %w", err)
	}
	r, err := parseRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load contract file %s: %w", path, err)
	}
	return r, nil
}

func parseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role contracts: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.NewValidationError("contract file defines no roles")
	}
	return NewRegistry(file.Roles, file.Rules)
}

// Resolve returns the contract for the named role. Fails with an error
// matching errors.ErrUnknownRole if no such role is registered.
func (r *Registry) Resolve(name string) (Contract, error) {
	c, ok := r.contracts[name]
	if !ok {
		return Contract{}, errors.NewRoleError(fmt.Sprintf("unknown role '%s'", name), errors.ErrUnknownRole).
			WithRole(name)
	}
	return copyContract(c), nil
}

// Authorize reports whether the named role holds the given capability.
// Unknown roles hold nothing.
func (r *Registry) Authorize(roleName string, capability Capability) bool {
	c, ok := r.contracts[roleName]
	if !ok {
		return false
	}
	return c.Allows(capability)
}

// RequiredInputs returns the artifact types that must exist before the
// named role can be dispatched.
func (r *Registry) RequiredInputs(roleName string) ([]string, error) {
	c, err := r.Resolve(roleName)
	if err != nil {
		return nil, err
	}
	return c.RequiredInputs, nil
}

// EligibleFor returns the contracts of every role eligible to run in the
// given phase, in registration order. The order is stable so dispatch
// decisions are deterministic.
func (r *Registry) EligibleFor(phase string) []Contract {
	var eligible []Contract
	for _, name := range r.order {
		c := r.contracts[name]
		if c.EligibleIn(phase) {
			eligible = append(eligible, copyContract(c))
		}
	}
	return eligible
}

// Roles returns all registered role names in registration order.
func (r *Registry) Roles() []string {
	return append([]string(nil), r.order...)
}

// Rules returns all rule documents.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// RulesFor returns the rule documents whose glob matches the given file
// path, in declaration order.
func (r *Registry) RulesFor(filePath string) []Rule {
	var matched []Rule
	for _, rule := range r.rules {
		if matchGlob(rule.Glob, filePath) {
			matched = append(matched, rule)
		}
	}
	return matched
}

// copyContract returns an independent copy so callers cannot mutate the
// registry's state through returned contracts.
func copyContract(c Contract) Contract {
	c.Phases = append([]string(nil), c.Phases...)
	c.Capabilities = append([]Capability(nil), c.Capabilities...)
	c.RequiredInputs = append([]string(nil), c.RequiredInputs...)
	c.Produces = append([]string(nil), c.Produces...)
	return c
}

// matchGlob matches a file path against a glob pattern. A leading "**/"
// matches the pattern against the path itself and every path suffix, so
// "**/*.tsx" matches "src/components/Button.tsx".
func matchGlob(pattern, filePath string) bool {
	filePath = path.Clean(strings.ReplaceAll(filePath, "\\", "/"))

	if !strings.HasPrefix(pattern, "**/") {
		ok, err := path.Match(pattern, filePath)
		return err == nil && ok
	}

	suffix := strings.TrimPrefix(pattern, "**/")
	candidate := filePath
	for {
		if ok, err := path.Match(suffix, candidate); err == nil && ok {
			return true
		}
		i := strings.IndexByte(candidate, '/')
		if i < 0 {
			return false
		}
		candidate = candidate[i+1:]
	}
}
