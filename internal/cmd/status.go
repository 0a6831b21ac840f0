package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/config"
	"github.com/Iron-Ham/ensemble/internal/coordinator"
	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's status",
	Long: `Display a session's current phase, its registered plans, the latest
review report, and the roles that would run next.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	planReg, reportReg := openRegistries(mgr)

	ctx := cmd.Context()
	sessionID := args[0]

	info, err := mgr.Describe(ctx, sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Session: %s\n", info.ID)
	fmt.Printf("Task:    %s\n", info.Task)
	fmt.Printf("Feature: %s\n", info.Feature)
	fmt.Printf("Phase:   %s\n", info.Phase)
	fmt.Printf("Created: %s\n", info.Created.Format(time.RFC822))
	fmt.Printf("Entries: %d\n", info.EntryCount)
	if info.IsLocked {
		fmt.Println("Status:  LOCKED (a coordinator is driving this session)")
	}

	plans, err := planReg.List(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(plans) > 0 {
		fmt.Printf("\nPlans (%d):\n", len(plans))
		for _, p := range plans {
			fmt.Printf("  %s/%s by %s (%s)\n", p.Type, p.Feature, p.Role, p.CreatedAt.Format("15:04:05"))
		}
	}

	report, err := reportReg.Latest(ctx, sessionID)
	if err == nil {
		fmt.Printf("\nReview: %s\n", report.Summary().String())
	} else if !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	if !info.Phase.Terminal() {
		pending, err := pendingRoles(ctx, cfg, mgr, sessionID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			fmt.Printf("\nNext up:\n")
			for _, name := range pending {
				fmt.Printf("  %s\n", name)
			}
		}
	}

	if entry, err := mgr.LastEntry(ctx, sessionID); err == nil && entry != nil {
		fmt.Printf("\nLast entry: [%s] %s: %s\n", entry.Kind, entry.Role, entry.Content)
	}

	return nil
}

// pendingRoles asks a coordinator which roles would dispatch in the
// session's current phase. The coordinator is built around the dry-run
// agent and never invoked, so the query has no side effects.
func pendingRoles(ctx context.Context, cfg *config.Config, mgr *session.ContextManager, sessionID string) ([]string, error) {
	roles, err := loadRoles(cfg)
	if err != nil {
		return nil, err
	}
	planReg, reportReg := openRegistries(mgr)
	coord, err := coordinator.New(coordinator.Config{
		Sessions: mgr,
		Roles:    roles,
		Plans:    planReg,
		Reports:  reportReg,
		Runner:   agent.DryRunRunner{},
	})
	if err != nil {
		return nil, err
	}
	return coord.PendingRoles(ctx, sessionID)
}
