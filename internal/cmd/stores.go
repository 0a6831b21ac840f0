package cmd

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Iron-Ham/ensemble/internal/config"
	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/role"
	"github.com/Iron-Ham/ensemble/internal/session"
)

// loadConfig loads and validates the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fatalConfig(err)
	}
	return cfg, nil
}

// openManager opens the session context manager rooted at the configured
// storage base directory.
func openManager(cfg *config.Config) (*session.ContextManager, error) {
	mgr, err := session.NewContextManager(cfg.Storage.ResolveBaseDir(), cfg.Session.MaxAppendRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	return mgr, nil
}

// openRegistries builds the plan and report registries over the session
// manager's artifact store, so all state shares one storage root.
func openRegistries(mgr *session.ContextManager) (*plan.Registry, *review.Registry) {
	return plan.NewRegistry(mgr.Store()), review.NewRegistry(mgr.Store())
}

// loadRoles loads the role contract registry, honoring a configured
// contract file override.
func loadRoles(cfg *config.Config) (*role.Registry, error) {
	if path := cfg.Roles.ResolveContractFile(); path != "" {
		reg, err := role.LoadRegistry(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load contract file %s: %w", path, err)
		}
		return reg, nil
	}
	return role.DefaultRegistry()
}

// featureSlug derives a feature name from a task description: lowercase,
// alphanumeric words joined by hyphens, capped at five words.
func featureSlug(task string) string {
	words := strings.FieldsFunc(strings.ToLower(task), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) > 5 {
		words = words[:5]
	}
	return strings.Join(words, "-")
}
