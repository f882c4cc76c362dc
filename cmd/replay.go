package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/ztun/internal/config"
	"firestige.xyz/ztun/internal/daemon"
	"firestige.xyz/ztun/internal/log"
	"firestige.xyz/ztun/internal/metrics"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Route a capture through the engine",
	Long: `Replay a pcap capture (raw IP or ethernet) through the engine and record
every frame the engine writes back into another capture.

The tunnel, tcp and edge sections of the config file apply; the interface
section is replaced by the flags.

Examples:
  ztun replay -c config.yml -i query.pcap -o replies.pcap
  ztun replay -c config.yml -i flows.pcap -o replies.pcap -d identities.yml --drain 5s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), configFile, replayOpts, cmd.OutOrStdout())
	},
}

type replayOptions struct {
	Input     string
	Output    string
	Directory string
	// Drain bounds the wait for live sessions after the capture ends.
	Drain time.Duration
}

var replayOpts replayOptions

func init() {
	replayCmd.Flags().StringVarP(&replayOpts.Input, "input", "i", "", "capture to replay (required)")
	replayCmd.Flags().StringVarP(&replayOpts.Output, "output", "o", "", "capture to record replies into")
	replayCmd.Flags().StringVarP(&replayOpts.Directory, "directory", "d", "",
		"directory file to load instead of the one in the config")
	replayCmd.Flags().DurationVar(&replayOpts.Drain, "drain", 2*time.Second,
		"how long to wait for live sessions after the capture ends")
	replayCmd.MarkFlagRequired("input")
}

func runReplay(ctx context.Context, configPath string, opts replayOptions, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Interface = config.InterfaceConfig{Type: config.InterfacePcap, Input: opts.Input, Output: opts.Output}
	if opts.Directory != "" {
		cfg.Directory.File = opts.Directory
	}

	logger, closer, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	dev, err := daemon.OpenDevice(ctx, cfg.Interface)
	if err != nil {
		return err
	}
	defer dev.Close()

	engine, err := daemon.NewEngine(cfg, dev, logger, metrics.NewNop())
	if err != nil {
		return err
	}
	if cfg.Directory.File != "" {
		identities, err := config.LoadDirectory(cfg.Directory.File)
		if err != nil {
			return err
		}
		if err := engine.Load(ctx, identities); err != nil {
			engine.Close()
			return err
		}
	}

	if err := engine.Serve(ctx, dev); err != nil {
		engine.Close()
		return fmt.Errorf("replay failed: %w", err)
	}
	waitSessions(ctx, engine, opts.Drain)
	sessions := engine.Router.Len()
	if err := engine.Close(); err != nil {
		return err
	}

	written := 0
	if w, ok := dev.(interface{ Written() int }); ok {
		written = w.Written()
	}
	fmt.Fprintf(out, "replayed %s: %d hostname(s) bound, %d frame(s) written, %d session(s) aborted\n",
		opts.Input, len(engine.Resolver.Records()), written, sessions)
	return nil
}

// waitSessions waits until no session is live or d has passed.
func waitSessions(ctx context.Context, e *daemon.Engine, d time.Duration) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for e.Router.Len() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}
