package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"firestige.xyz/ztun/internal/config"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/edge"
	"firestige.xyz/ztun/internal/eventbus"
	"firestige.xyz/ztun/internal/iface"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/router"
	"firestige.xyz/ztun/internal/tcp"
)

// Engine is the packet path: resolver, directory, router and the write side
// of the interface, wired from one configuration. It owns no device; the
// caller pumps frames into it with Serve.
type Engine struct {
	Resolver  *dns.Resolver
	Directory *directory.Directory
	Router    *router.Router
	Transport *edge.DialerTransport
	Bus       *eventbus.InMemoryEventBus
	Limiter   *router.SynLimiter // nil when SYN rate limiting is off

	logger *slog.Logger
}

// NewEngine builds an engine that writes its frames to out.
func NewEngine(cfg *config.GlobalConfig, out io.Writer, logger *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	dnsCfg := dns.Config{
		TunnelIP:     cfg.Tunnel.IP,
		SubnetMask:   cfg.Tunnel.Mask,
		Servers:      cfg.Tunnel.DNSServers,
		MatchDomains: cfg.Tunnel.MatchDomains,
	}
	resolver := dns.NewResolver(dnsCfg, logger, m)

	transport, err := edge.NewDialerTransport(cfg.Edge.Proxy, cfg.Edge.DialTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create edge transport: %w", err)
	}

	bus := eventbus.NewInMemoryEventBus(cfg.Directory.Partitions, cfg.Directory.QueueSize, logger)
	dir, err := directory.New(directory.Config{
		Binder:       resolver,
		Checker:      transport,
		Bus:          bus,
		CheckTimeout: cfg.Directory.CheckTimeout,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	limiter := router.NewSynLimiter(router.SynLimiterConfig{
		MaxPerSource: cfg.TCP.MaxSynPerSource,
		Window:       cfg.TCP.SynWindow,
	})
	r := router.New(router.Config{
		Resolver:  resolver,
		Directory: dir,
		Transport: transport,
		Output:    iface.NewWriter(out, logger, m),
		Reserved:  dnsCfg.Reserved,
		Session: tcp.Options{
			MTU:               cfg.Tunnel.MTU,
			ConnectTimeout:    cfg.Edge.ConnectTimeout,
			RetransmitTimeout: cfg.TCP.RetransmitTimeout,
			MaxRetransmits:    cfg.TCP.MaxRetransmits,
			SendQueue:         cfg.TCP.SendQueue,
			Window:            uint16(cfg.TCP.Window),
		},
		Linger:   cfg.TCP.Linger,
		SynLimit: limiter,
		Logger:   logger,
		Metrics:  m,
	})

	for _, s := range dnsCfg.ServersOutsideSubnet() {
		logger.Warn("dns server is outside the tunnel subnet, a host route is required", "server", s)
	}

	return &Engine{
		Resolver:  resolver,
		Directory: dir,
		Router:    r,
		Transport: transport,
		Bus:       bus,
		Limiter:   limiter,
		logger:    logger.With("component", "engine"),
	}, nil
}

// Load installs a directory snapshot: edge routes first, so availability
// checks of new services can already dial them.
func (e *Engine) Load(ctx context.Context, identities []directory.Identity) error {
	e.Transport.SetRoutes(directory.Routes(identities))
	return e.Directory.Sync(ctx, identities)
}

// Serve routes frames read from dev until it is exhausted or ctx is done.
// dev must be closed to unblock a pending read.
func (e *Engine) Serve(ctx context.Context, dev io.Reader) error {
	e.logger.Info("serving interface")
	return iface.Pump(ctx, dev, e.Router.Route)
}

// Close aborts every session and stops the event bus.
func (e *Engine) Close() error {
	e.Router.Close()
	return e.Bus.Close()
}
