package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ensemble/internal/agent"
	"github.com/Iron-Ham/ensemble/internal/coordinator"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running session",
	Long: `Cancel a session by appending a poison entry to its context log.
Any coordinator driving the session observes the entry and stops; the
session ends in the Failed phase and cannot be resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelReason string

func init() {
	rootCmd.AddCommand(cancelCmd)

	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason recorded on the poison entry")
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
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

	coord, err := coordinator.New(coordinator.Config{
		Sessions: mgr,
		Roles:    roles,
		Plans:    planReg,
		Reports:  reportReg,
		Runner:   agent.DryRunRunner{},
	})
	if err != nil {
		return err
	}

	sessionID := args[0]
	if err := coord.Cancel(cmd.Context(), sessionID, cancelReason); err != nil {
		return err
	}

	fmt.Printf("Session %s canceled\n", sessionID)
	return nil
}
