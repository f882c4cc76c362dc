// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X firestige.xyz/ztun/cmd.version=...".
var version = "0.1.0"

var (
	// Global flags
	configFile    string
	socketPath    string
	clientTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ztun",
	Short: "ztun - intercepting tunnel engine",
	Long: `ztun serves a virtual network interface: it answers DNS queries for
intercepted hostnames with synthetic addresses, terminates the TCP flows sent
to those addresses and proxies them to the services behind enrolled identities.

The daemon is controlled locally through a Unix Domain Socket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/ztun/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/ztun.sock",
		"daemon control socket path")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 10*time.Second,
		"control request timeout")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hostnamesCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(stopCmd)
}

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
