package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/ztun/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ztun daemon in foreground",
	Long: `Run the ztun daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open the interface (wait for the helper, or open the captures)
  4. Load the service directory file
  5. Start the UDS server for CLI control
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and directory reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	d, err := daemon.New(configFile, version)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	slog.SetDefault(d.Logger())

	if err := d.Start(); err != nil {
		d.Stop()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Blocks until shutdown
	return d.Run()
}
