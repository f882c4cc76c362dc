package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/ztun/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and directory files",
	Long: `Validate the global configuration file and the service directory file
it references, without starting the daemon.

Examples:
  ztun validate -c /etc/ztun/config.yml
  ztun validate -c config.yml -d identities.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, validateDirectoryFile, cmd.OutOrStdout())
	},
}

var validateDirectoryFile string

func init() {
	validateCmd.Flags().StringVarP(&validateDirectoryFile, "directory", "d", "",
		"directory file to validate instead of the one in the config")
}

func runValidate(configPath, directoryPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	fmt.Fprintf(out, "VALID: config %s (tunnel %s/%s, %d dns server(s), interface %s)\n",
		configPath, cfg.Tunnel.IP, cfg.Tunnel.Mask, len(cfg.Tunnel.DNSServers), cfg.Interface.Type)

	if directoryPath == "" {
		directoryPath = cfg.Directory.File
	}
	if directoryPath == "" {
		return nil
	}

	identities, err := config.LoadDirectory(directoryPath)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	enabled, services := 0, 0
	for _, id := range identities {
		if id.Enabled {
			enabled++
		}
		services += len(id.Services)
	}
	fmt.Fprintf(out, "VALID: directory %s (%d identities, %d enabled, %d services)\n",
		directoryPath, len(identities), enabled, services)
	return nil
}
