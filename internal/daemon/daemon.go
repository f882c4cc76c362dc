// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"firestige.xyz/ztun/internal/command"
	"firestige.xyz/ztun/internal/config"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/iface"
	logpkg "firestige.xyz/ztun/internal/log"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/tcp"
)

// ErrNoDirectoryFile is returned by Reload when no directory file is configured.
var ErrNoDirectoryFile = errors.New("no directory file configured")

// Daemon manages the ztun process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	version    string

	logger    *slog.Logger
	logCloser io.Closer

	// Core components
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	device        iface.Device
	engine        *Engine
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	startedAt    time.Time
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	serveDone    chan error
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration and builds the process logger.
func New(configPath, version string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closer, err := logpkg.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		version:      version,
		logger:       logger,
		logCloser:    closer,
		serveDone:    make(chan error, 1),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Logger returns the process logger.
func (d *Daemon) Logger() *slog.Logger {
	return d.logger
}

// Start opens the interface and starts every component. For a socket
// interface it blocks until the helper connects.
func (d *Daemon) Start() error {
	d.startedAt = time.Now()
	d.logger.Info("starting ztun daemon",
		"version", d.version,
		"config", d.configPath,
		"tunnel", d.config.Tunnel.Address,
		"interface", d.config.Interface.Type,
	)

	// 1. Write PID file
	if err := writePIDFile(d.config.Control.PIDFile); err != nil {
		return err
	}

	// 2. Metrics
	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 3. Interface
	d.logger.Info("opening interface", "type", d.config.Interface.Type)
	dev, err := OpenDevice(d.ctx, d.config.Interface)
	if err != nil {
		return fmt.Errorf("failed to open interface: %w", err)
	}
	d.device = dev

	// 4. Engine and initial directory snapshot
	d.engine, err = NewEngine(d.config, dev, d.logger, d.metrics)
	if err != nil {
		return err
	}
	if d.config.Directory.File != "" {
		if _, err := d.Reload(d.ctx); err != nil {
			return fmt.Errorf("failed to load directory: %w", err)
		}
	}

	// 5. Control socket
	d.cmdHandler = command.NewCommandHandler(d, d.logger)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)
	d.udsServer = command.NewUDSServer(d.config.Control.Socket, d.cmdHandler, d.logger)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.udsServer.Start(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("uds server failed", "error", err)
		}
	}()

	// 6. Packet pump and availability polling
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.serveDone <- d.engine.Serve(d.ctx, dev)
	}()
	if interval := d.config.Directory.PollInterval; interval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.engine.Directory.Poll(d.ctx, interval)
		}()
	}

	d.logger.Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	d.logger.Info("initiating graceful shutdown")

	// 1. Stop accepting commands and packets
	d.cancel()
	if d.udsServer != nil {
		if err := d.udsServer.Stop(); err != nil {
			d.logger.Error("error stopping uds server", "error", err)
		}
	}
	if d.device != nil {
		if err := d.device.Close(); err != nil {
			d.logger.Error("error closing interface", "error", err)
		}
	}
	d.wg.Wait()

	// 2. Abort sessions
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			d.logger.Error("error closing engine", "error", err)
		}
	}

	// 3. Metrics
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			d.logger.Error("error stopping metrics server", "error", err)
		}
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	if err := removePIDFile(d.config.Control.PIDFile); err != nil {
		d.logger.Error("error removing PID file", "error", err)
	}

	d.logger.Info("daemon stopped gracefully")
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the shutdown
// command or a fatal interface error. SIGHUP reloads the directory file.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	d.logger.Info("daemon running, waiting for signals or commands")

	serveDone := d.serveDone
	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				d.logger.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				d.logger.Info("received reload signal")
				if res, err := d.Reload(d.ctx); err != nil {
					d.logger.Error("failed to reload directory", "error", err)
				} else {
					d.logger.Info("directory reloaded", "identities", res.Identities, "services", res.Services)
				}
			}

		case err := <-serveDone:
			if err != nil {
				d.logger.Error("interface failed", "error", err)
				d.Stop()
				return err
			}
			// A finished capture leaves the control socket up.
			d.logger.Info("interface closed")
			serveDone = nil

		case <-d.shutdownChan:
			d.logger.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			d.logger.Info("context cancelled", "error", d.ctx.Err())
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Reload re-reads the directory file and applies it.
func (d *Daemon) Reload(ctx context.Context) (command.ReloadResult, error) {
	path := d.config.Directory.File
	if path == "" {
		return command.ReloadResult{}, ErrNoDirectoryFile
	}

	identities, err := config.LoadDirectory(path)
	if err != nil {
		return command.ReloadResult{}, err
	}
	if err := d.engine.Load(ctx, identities); err != nil {
		return command.ReloadResult{}, err
	}

	res := command.ReloadResult{}
	for _, id := range identities {
		if id.Enabled {
			res.Identities++
			res.Services += len(id.Services)
		}
	}
	return res, nil
}

// Status implements command.Engine.
func (d *Daemon) Status() command.StatusResult {
	return command.StatusResult{
		Version:        d.version,
		PID:            os.Getpid(),
		StartedAt:      d.startedAt,
		Uptime:         time.Since(d.startedAt).Round(time.Second).String(),
		TunnelIP:       d.config.Tunnel.IP.String(),
		Interface:      d.config.Interface.Type,
		Sessions:       d.engine.Router.Len(),
		Hostnames:      len(d.engine.Resolver.Records()),
		Identities:     len(d.engine.Directory.Identities()),
		Services:       len(d.engine.Directory.Services()),
		Events:         d.engine.Bus.GetStats(),
		RateLimited:    d.engine.Limiter.Rejected(),
		LimitedSources: d.engine.Limiter.ActiveSources(),
	}
}

// Hostnames implements command.Engine.
func (d *Daemon) Hostnames() []dns.Record {
	return d.engine.Resolver.Records()
}

// Sessions implements command.Engine.
func (d *Daemon) Sessions() []tcp.Info {
	return d.engine.Router.Sessions()
}

// Services implements command.Engine.
func (d *Daemon) Services() []directory.ServiceInfo {
	return d.engine.Directory.Services()
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		d.logger.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, d.registry, d.logger)
	return d.metricsServer.Start(d.ctx)
}
