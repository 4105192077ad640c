package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "proctorctl",
	Short: "Operator tooling for ExStem Proctor",
	Long: `Operator tooling for ExStem Proctor.

Configuration is read from the same environment variables (and .env file)
as the server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
