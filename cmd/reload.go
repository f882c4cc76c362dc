package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the service directory file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(cmd.Context(), client(), cmd.OutOrStdout())
	},
}

func runReload(ctx context.Context, c ClientInterface, out io.Writer) error {
	res, err := c.Reload(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintf(out, "✓ Directory reloaded: %d identities, %d services\n", res.Identities, res.Services)
	return nil
}
