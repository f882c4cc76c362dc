package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ztun daemon",
	Long: `Stop the ztun daemon gracefully.

The shutdown request is sent over the control socket. If the socket does not
answer, SIGTERM is sent to the process recorded in the PID file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), client(), stopPIDFile, daemon.SignalPIDFile, cmd.OutOrStdout())
	},
}

var stopPIDFile string

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/ztun.pid",
		"PID file used when the control socket does not answer")
}

func runStop(ctx context.Context, c ClientInterface, pidFile string, signal func(string) (int, error), out io.Writer) error {
	err := c.Shutdown(ctx)
	if err == nil {
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}
	if !errors.Is(err, core.ErrDaemonNotRunning) {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}

	pid, sigErr := signal(pidFile)
	if sigErr != nil {
		return fmt.Errorf("failed to stop daemon: %w", sigErr)
	}
	fmt.Fprintf(out, "✓ Sent SIGTERM to process %d\n", pid)
	return nil
}
