package cmd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ensemble/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage Ensemble sessions",
	Long:  `Commands for listing and cleaning up Ensemble sessions.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all Ensemble sessions",
	Long: `List all Ensemble sessions with their status:
- Session ID, task, and feature
- Current phase
- Lock status (whether a coordinator is driving the session)`,
	RunE: runSessionsList,
}

var sessionsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean up stale session locks",
	Long: `Remove lock files left behind by dead coordinator processes.
With --all, remove every terminal session's data as well.`,
	RunE: runSessionsClean,
}

var cleanAll bool

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanCmd)

	sessionsCleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove data for sessions in a terminal phase")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}

	sessions, err := mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	fmt.Println(strings.Repeat("─", 70))
	fmt.Println("Ensemble Sessions")
	fmt.Println(strings.Repeat("─", 70))

	if len(sessions) == 0 {
		fmt.Println("\nNo sessions found.")
		fmt.Println("Run 'ensemble start \"<task>\"' to create one.")
		return nil
	}

	// Most recent first
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.After(sessions[j].Created)
	})

	fmt.Printf("\nFound %d session(s):\n\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("  Session: %s\n", s.ID)
		fmt.Printf("    Task:    %s\n", s.Task)
		fmt.Printf("    Feature: %s\n", s.Feature)
		fmt.Printf("    Phase:   %s\n", s.Phase)
		fmt.Printf("    Created: %s\n", s.Created.Format(time.RFC822))
		if s.IsLocked {
			fmt.Println("    Status:  LOCKED")
		}
		fmt.Println()
	}

	return nil
}

func runSessionsClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}

	sessions, err := mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var cleaned, removed int
	for _, s := range sessions {
		ok, err := session.CleanStaleLock(s.SessionDir, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			continue
		}
		if ok {
			cleaned++
			fmt.Printf("Cleaned stale lock for session %s\n", s.ID)
		}

		if cleanAll && s.Phase.Terminal() && !s.IsLocked {
			if err := os.RemoveAll(s.SessionDir); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to remove session %s: %v\n", s.ID, err)
				continue
			}
			removed++
			fmt.Printf("Removed session %s (%s)\n", s.ID, s.Phase)
		}
	}

	if cleaned == 0 && removed == 0 {
		fmt.Println("No stale resources to clean")
	}
	return nil
}
