package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/ensemble/internal/config"
	"github.com/Iron-Ham/ensemble/internal/errors"
)

// Exit codes. A failed session is a normal, reportable outcome and gets
// its own code so scripts can tell it from a misused or broken CLI.
const (
	ExitOK            = 0
	ExitSessionFailed = 1
	ExitError         = 2
)

// errSessionFailed marks a session that ran to completion but ended in
// the Failed phase.
var errSessionFailed = errors.New("session failed")

var rootCmd = &cobra.Command{
	Use:   "ensemble",
	Short: "Role-based multi-agent task coordinator",
	Long: `Ensemble drives a task through a team of role-restricted agents:
planners produce plan artifacts, an executor implements them, a reviewer
files a report, and an optional refactorer cleans up. Agents never talk
to each other; every handoff flows through a file-backed artifact store
under .ensemble in the working directory.`,
	SilenceUsage: true,
}

// Execute runs the root command and maps the outcome to an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errSessionFailed) {
			return ExitSessionFailed
		}
		return ExitError
	}
	return ExitOK
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/ensemble/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/ensemble")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ENSEMBLE")
	// Replace dots with underscores for nested keys in env vars
	// e.g., ENSEMBLE_DISPATCH_MAX_ATTEMPTS for dispatch.max_attempts
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// fatalConfig reports a broken configuration and keeps cobra's error
// path, so Execute maps it to ExitError.
func fatalConfig(err error) error {
	fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
	return err
}
