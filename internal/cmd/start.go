package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/config"
	"github.com/Iron-Ham/ensemble/internal/coordinator"
	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/event"
	"github.com/Iron-Ham/ensemble/internal/logging"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/session"
)

var startCmd = &cobra.Command{
	Use:   "start <task>",
	Short: "Start a session and drive it to completion",
	Long: `Start a new session for the given task description and drive it
through planning, execution, review, and an optional refactor pass.

The command blocks until the session reaches a terminal phase. Exit code
0 means the session finished, 1 means it failed, 2 means the invocation
itself was invalid.

Examples:
  # Plan and build with the default plan set (ui, logic)
  ensemble start "add a checkout form"

  # Request an architecture plan too, and a refactor pass after review
  ensemble start "add a checkout form" --plans ui,logic,nextjs-architecture --refactor

  # Exercise the pipeline without a configured agent command
  ensemble start "add a checkout form" --dry-run`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var (
	startPlans    []string
	startFeature  string
	startRefactor bool
	startDryRun   bool
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringSliceVar(&startPlans, "plans", nil, "Plan types to request (default: session.default_plans)")
	startCmd.Flags().StringVar(&startFeature, "feature", "", "Feature name plans are scoped to (default: derived from the task)")
	startCmd.Flags().BoolVar(&startRefactor, "refactor", false, "Run a refactor pass when the review is clean")
	startCmd.Flags().BoolVar(&startDryRun, "dry-run", false, "Use the built-in dry-run agent instead of dispatch.runner_command")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	task := strings.Join(args, " ")
	feature := startFeature
	if feature == "" {
		feature = featureSlug(task)
	}
	plans := startPlans
	if len(plans) == 0 {
		plans = cfg.Session.DefaultPlans
	}
	refactor := startRefactor || cfg.Session.RefactorByDefault

	runner, err := buildRunner(cfg)
	if err != nil {
		return err
	}

	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	planReg, reportReg := openRegistries(mgr)
	roles, err := loadRoles(cfg)
	if err != nil {
		return err
	}

	// Cancel cleanly on Ctrl+C: the coordinator returns, and the session
	// is poisoned below so a later run cannot resume it half-done.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := mgr.Create(ctx, task, feature, plans, refactor)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	sessionDir := mgr.SessionDir(sess.ID)

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(sessionDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("failed to open session log: %w", err)
		}
		defer logger.Close()
	}

	lock, err := session.AcquireLock(sessionDir, sess.ID, logger)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	bus := event.NewBus()
	bus.SubscribeAll(printProgress)
	bus.Publish(event.NewSessionStartedEvent(sess.ID, sess.Task, sess.Feature))

	coord, err := coordinator.New(coordinator.Config{
		Sessions:        mgr,
		Roles:           roles,
		Plans:           planReg,
		Reports:         reportReg,
		Runner:          runner,
		Bus:             bus,
		Logger:          logger,
		DispatchTimeout: cfg.Dispatch.DispatchTimeout(),
		MaxAttempts:     cfg.Dispatch.MaxAttempts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Session %s started (feature: %s, plans: %s)\n", sess.ID, sess.Feature, strings.Join(plans, ", "))

	phase, err := coord.Run(ctx, sess.ID)
	if err != nil {
		if ctx.Err() != nil {
			// The interrupt already stopped the run; poison the session
			// with a fresh context so the marker still lands.
			cancelErr := coord.Cancel(context.Background(), sess.ID, "interrupted by operator")
			if cancelErr != nil && !errors.Is(cancelErr, errors.ErrSessionTerminal) {
				fmt.Fprintf(os.Stderr, "warning: failed to cancel session: %v\n", cancelErr)
			}
			fmt.Printf("Session %s canceled\n", sess.ID)
			return errSessionFailed
		}
		return err
	}

	switch phase {
	case session.PhaseFailed:
		reason := lastTransitionReason(ctx, mgr, sess.ID)
		if reason != "" {
			fmt.Printf("Session %s failed: %s\n", sess.ID, reason)
		} else {
			fmt.Printf("Session %s failed\n", sess.ID)
		}
		return errSessionFailed
	default:
		printOutcome(ctx, reportReg, sess.ID)
		return nil
	}
}

// buildRunner picks the agent runner for the session: the built-in
// dry-run agent, or the configured external command.
func buildRunner(cfg *config.Config) (agent.Runner, error) {
	if startDryRun {
		return agent.DryRunRunner{}, nil
	}
	if len(cfg.Dispatch.RunnerCommand) == 0 {
		return nil, fmt.Errorf("no agent command configured: set dispatch.runner_command or pass --dry-run")
	}
	return agent.NewProcessRunner(cfg.Dispatch.RunnerCommand)
}

// printProgress renders coordinator events as one-line progress output.
func printProgress(e event.Event) {
	switch ev := e.(type) {
	case event.PhaseChangedEvent:
		fmt.Printf("  phase: %s -> %s (%s)\n", ev.From, ev.To, ev.Reason)
	case event.RoleDispatchedEvent:
		if ev.Attempt > 1 {
			fmt.Printf("  %s: dispatched (attempt %d)\n", ev.Role, ev.Attempt)
		} else {
			fmt.Printf("  %s: dispatched\n", ev.Role)
		}
	case event.RoleCompletedEvent:
		fmt.Printf("  %s: completed (%d artifact(s))\n", ev.Role, ev.Artifacts)
	case event.RoleFailedEvent:
		fmt.Printf("  %s: failed on attempt %d: %s\n", ev.Role, ev.Attempt, ev.Error)
	case event.PlanRegisteredEvent:
		if ev.Overwrote {
			fmt.Printf("  plan %s/%s replaced\n", ev.PlanType, ev.Feature)
		} else {
			fmt.Printf("  plan %s/%s registered\n", ev.PlanType, ev.Feature)
		}
	case event.ReportFiledEvent:
		fmt.Printf("  report filed: %d major, %d medium, %d minor\n", ev.Major, ev.Medium, ev.Minor)
	}
}

// printOutcome summarizes a completed session, including the review
// report when one was filed.
func printOutcome(ctx context.Context, reports *review.Registry, sessionID string) {
	fmt.Printf("Session %s done\n", sessionID)

	report, err := reports.Latest(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "warning: failed to load review report: %v\n", err)
		}
		return
	}
	summary := report.Summary()
	fmt.Printf("Review: %s\n", summary.String())
	if report.HasMajor() {
		fmt.Println("Major findings need attention:")
		for _, f := range report.FindingsBySeverity(review.SeverityMajor) {
			if f.Path != "" {
				fmt.Printf("  - %s: %s\n", f.Path, f.Description)
			} else {
				fmt.Printf("  - %s\n", f.Description)
			}
		}
	}
}

// lastTransitionReason returns the reason on the session's final
// coordinator entry, or the poison reason if the session was canceled.
func lastTransitionReason(ctx context.Context, mgr *session.ContextManager, sessionID string) string {
	entries, err := mgr.Read(ctx, sessionID)
	if err != nil {
		return ""
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Role != session.CoordinatorRole {
			continue
		}
		if e.Kind == session.EntryKindTransition || e.Kind == session.EntryKindPoison {
			return e.Content
		}
	}
	return ""
}
