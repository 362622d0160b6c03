package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"drivault/internal/config"
)

func newRootCmd(cfg *config.Config) *cobra.Command {
	var (
		jsonOutput bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "drivault",
		Short: "Drivault backs up cloud storage accounts with full version history",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if warning := configureLoggerForCLI(logLevel, cfg.LogLevel); warning != "" {
				fmt.Fprintln(os.Stderr, warning)
			}
		},
	}

	cmd.Version = version
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output JSON")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		newSyncCmd(cfg, &jsonOutput),
		newGCCmd(cfg, &jsonOutput),
		newAccountCmd(cfg, &jsonOutput),
		newTokensCmd(cfg, &jsonOutput),
		newPolicyCmd(cfg, &jsonOutput),
		newVerifyCmd(cfg, &jsonOutput),
		newRunsCmd(cfg, &jsonOutput),
	)

	return cmd
}
