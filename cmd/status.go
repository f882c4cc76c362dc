package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the ztun daemon for its overall status.

Shows: version, uptime, tunnel address, and the number of sessions,
hostname bindings, identities and services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

var hostnamesCmd = &cobra.Command{
	Use:   "hostnames",
	Short: "List hostname to synthetic address bindings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHostnames(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live TCP sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSessions(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List directory services and their availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServices(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

func runStatus(ctx context.Context, c ClientInterface, out io.Writer) error {
	status, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to query daemon status: %w", err)
	}
	return printJSON(out, status)
}

func runHostnames(ctx context.Context, c ClientInterface, out io.Writer) error {
	records, err := c.Hostnames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list hostnames: %w", err)
	}
	return printJSON(out, records)
}

func runSessions(ctx context.Context, c ClientInterface, out io.Writer) error {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	return printJSON(out, sessions)
}

func runServices(ctx context.Context, c ClientInterface, out io.Writer) error {
	services, err := c.Services(ctx)
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}
	return printJSON(out, services)
}
