// Package edge connects intercepted flows to the services behind the overlay.
package edge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"firestige.xyz/ztun/internal/core"
)

// DefaultConnectTimeout bounds every backend session acquisition.
const DefaultConnectTimeout = 3 * time.Second

// Transport opens byte streams to services.
type Transport interface {
	Dial(ctx context.Context, identity, service string) (net.Conn, error)
}

// SessionChecker verifies that a network session to a service can be
// obtained.
type SessionChecker interface {
	CheckSession(ctx context.Context, identity, service string) error
}

// DialAsync starts a bounded dial to target.
func DialAsync(t Transport, target core.Target, timeout time.Duration) *Future[net.Conn] {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return Go(context.Background(), func(ctx context.Context) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := t.Dial(ctx, target.Identity, target.Service)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}
		return conn, nil
	})
}

// CheckAsync starts a session check for target.
func CheckAsync(c SessionChecker, target core.Target) *Future[struct{}] {
	return Go(context.Background(), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.CheckSession(ctx, target.Identity, target.Service)
	})
}

// Route maps a service to its upstream address.
type Route struct {
	Identity string
	Service  string
	Address  string // host:port
}

// DialerTransport dials upstream addresses directly or through a SOCKS5
// proxy. Routes can be replaced at runtime.
type DialerTransport struct {
	dialer proxy.ContextDialer
	logger *slog.Logger

	mu     sync.RWMutex
	routes map[core.Target]string
}

// NewDialerTransport creates a transport. proxyURL may be empty for direct
// dialing, or a socks5:// URL.
func NewDialerTransport(proxyURL string, dialTimeout time.Duration, logger *slog.Logger) (*DialerTransport, error) {
	direct := &net.Dialer{Timeout: dialTimeout}
	t := &DialerTransport{
		dialer: direct,
		logger: logger.With("component", "edge"),
		routes: make(map[core.Target]string),
	}
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy url: %v", core.ErrConfigInvalid, err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("%w: proxy %s: %v", core.ErrConfigInvalid, u.Redacted(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("%w: proxy %s does not support contexts", core.ErrConfigInvalid, u.Redacted())
	}
	t.dialer = cd
	return t, nil
}

// SetRoutes replaces the routing table.
func (t *DialerTransport) SetRoutes(routes []Route) {
	m := make(map[core.Target]string, len(routes))
	for _, r := range routes {
		m[core.Target{Identity: r.Identity, Service: r.Service}] = r.Address
	}

	t.mu.Lock()
	t.routes = m
	t.mu.Unlock()

	t.logger.Info("edge routes updated", "count", len(m))
}

func (t *DialerTransport) lookup(identity, service string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.routes[core.Target{Identity: identity, Service: service}]
	if !ok {
		return "", fmt.Errorf("%w: %s:%s", core.ErrNoRoute, identity, service)
	}
	return addr, nil
}

// Dial implements Transport.
func (t *DialerTransport) Dial(ctx context.Context, identity, service string) (net.Conn, error) {
	addr, err := t.lookup(identity, service)
	if err != nil {
		return nil, err
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrTimeout, addr, err)
		}
		return nil, err
	}
	t.logger.Debug("backend connected", "identity", identity, "service", service, "addr", addr)
	return conn, nil
}

// CheckSession implements SessionChecker. A service is reachable when it
// has a route.
func (t *DialerTransport) CheckSession(ctx context.Context, identity, service string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.lookup(identity, service)
	return err
}
