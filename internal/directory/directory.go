// Package directory tracks the services reachable through enrolled
// identities and maps intercept addresses to them.
//
// Snapshots are diffed into events that are applied through a partitioned
// event bus, so the events of one identity apply in order while different
// identities progress independently.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/edge"
	"firestige.xyz/ztun/internal/eventbus"
	"firestige.xyz/ztun/internal/metrics"
)

const topicName = "directory"

// HostnameBinder allocates synthetic addresses for hostnames.
type HostnameBinder interface {
	AddHostname(name string) (netip.Addr, error)
	RemoveHostname(name string) bool
}

// Config wires a directory.
type Config struct {
	Binder  HostnameBinder
	Checker edge.SessionChecker
	Bus     eventbus.EventBus

	// CheckTimeout bounds each availability check.
	CheckTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type serviceState struct {
	info      ServiceInfo
	synthetic bool
}

// Directory is the service directory. It is safe for concurrent use.
type Directory struct {
	binder       HostnameBinder
	checker      edge.SessionChecker
	bus          eventbus.EventBus
	topic        *eventbus.Topic[Event]
	checkTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	// last applied snapshot, guarded by syncMu
	syncMu  sync.Mutex
	desired map[core.Target]Service
	active  map[string]bool

	mu         sync.RWMutex
	identities map[string]struct{}
	services   map[core.Target]*serviceState
	intercepts map[netip.AddrPort]core.Target

	// hostMu is held across a refcount change and its binder call.
	hostMu   sync.Mutex
	hostRefs map[string]int
}

// New creates a directory and subscribes it to the bus.
func New(cfg Config) (*Directory, error) {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = edge.DefaultConnectTimeout
	}
	d := &Directory{
		binder:       cfg.Binder,
		checker:      cfg.Checker,
		bus:          cfg.Bus,
		checkTimeout: cfg.CheckTimeout,
		logger:       cfg.Logger.With("component", "directory"),
		metrics:      cfg.Metrics,
		desired:      make(map[core.Target]Service),
		active:       make(map[string]bool),
		identities:   make(map[string]struct{}),
		services:     make(map[core.Target]*serviceState),
		intercepts:   make(map[netip.AddrPort]core.Target),
		hostRefs:     make(map[string]int),
	}
	d.topic = eventbus.NewTopic(cfg.Bus, topicName, Event.Identity)
	if err := d.topic.Subscribe(d.Apply); err != nil {
		return nil, fmt.Errorf("subscribe directory events: %w", err)
	}
	return d, nil
}

// Sync publishes the difference between identities and the previous
// snapshot and waits until it has been applied.
func (d *Directory) Sync(ctx context.Context, identities []Identity) error {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	next := make(map[core.Target]Service)
	nextActive := make(map[string]bool)
	for _, id := range identities {
		if !id.Enabled {
			continue
		}
		nextActive[id.Name] = true
		for _, svc := range id.Services {
			t := core.Target{Identity: id.Name, Service: svc.Name}
			if _, dup := next[t]; dup {
				d.logger.Warn("duplicate service in snapshot, last one wins", "target", t)
			}
			next[t] = svc
		}
	}

	events := diff(d.active, nextActive, d.desired, next)
	for _, ev := range events {
		if err := d.topic.Publish(ev); err != nil {
			return fmt.Errorf("publish directory event: %w", err)
		}
	}
	d.desired = next
	d.active = nextActive

	if err := d.bus.Flush(ctx); err != nil {
		return fmt.Errorf("apply directory events: %w", err)
	}
	d.logger.Info("directory synced", "identities", len(nextActive), "services", len(next), "events", len(events))
	return nil
}

// diff orders the events so that, per identity, the identity is added
// before its services and removed after them.
func diff(oldActive, newActive map[string]bool, oldSvcs, newSvcs map[core.Target]Service) []Event {
	var added, services, removed []Event

	for _, name := range sortedKeys(newActive) {
		if !oldActive[name] {
			added = append(added, &ContextEvent{Name: name, Action: Added})
		}
	}
	for _, t := range sortedTargets(oldSvcs) {
		if _, ok := newSvcs[t]; !ok {
			services = append(services, &ServiceEvent{Owner: t.Identity, Service: oldSvcs[t], Action: Removed})
		}
	}
	for _, t := range sortedTargets(newSvcs) {
		svc := newSvcs[t]
		old, ok := oldSvcs[t]
		switch {
		case !ok:
			services = append(services, &ServiceEvent{Owner: t.Identity, Service: svc, Action: Added})
		case old != svc:
			services = append(services, &ServiceEvent{Owner: t.Identity, Service: svc, Action: Changed})
		}
	}
	for _, name := range sortedKeys(oldActive) {
		if !newActive[name] {
			removed = append(removed, &ContextEvent{Name: name, Action: Removed})
		}
	}
	return append(append(append([]Event(nil), added...), services...), removed...)
}

// Apply applies one event.
func (d *Directory) Apply(ev Event) error {
	return ev.Accept(applier{d})
}

// ResolveIntercept returns the service intercepting addr:port.
func (d *Directory) ResolveIntercept(addr netip.Addr, port uint16) (core.Target, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.intercepts[netip.AddrPortFrom(addr.Unmap(), port)]
	return t, ok
}

// Services returns every known service ordered by identity and name.
func (d *Directory) Services() []ServiceInfo {
	d.mu.RLock()
	out := make([]ServiceInfo, 0, len(d.services))
	for _, st := range d.services {
		out = append(out, st.info)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity != out[j].Identity {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Identities returns the active identity names.
func (d *Directory) Identities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.identities))
	for name := range d.identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Recheck re-runs the availability check of every service holding an
// intercept.
func (d *Directory) Recheck() {
	d.mu.RLock()
	targets := make([]core.Target, 0, len(d.services))
	for t, st := range d.services {
		if st.info.Intercept.IsValid() {
			targets = append(targets, t)
		}
	}
	d.mu.RUnlock()

	futures := make([]*edge.Future[struct{}], len(targets))
	for i, t := range targets {
		futures[i] = edge.CheckAsync(d.checker, t)
	}
	for i, t := range targets {
		_, err := futures[i].Await(d.checkTimeout)
		d.setStatus(t, err)
	}
	d.updateGauge()
}

// Poll runs Recheck every interval until ctx is done.
func (d *Directory) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Recheck()
		}
	}
}

// Routes returns the edge routes of the enabled identities' services.
func Routes(identities []Identity) []edge.Route {
	var routes []edge.Route
	for _, id := range identities {
		if !id.Enabled {
			continue
		}
		for _, svc := range id.Services {
			if svc.Address == "" {
				continue
			}
			routes = append(routes, edge.Route{Identity: id.Name, Service: svc.Name, Address: svc.Address})
		}
	}
	return routes
}

// check acquires a network session for t within the check timeout.
func (d *Directory) check(t core.Target) error {
	_, err := edge.CheckAsync(d.checker, t).Await(d.checkTimeout)
	return err
}

func (d *Directory) setStatus(t core.Target, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.services[t]
	if !ok || !st.info.Intercept.IsValid() {
		return
	}
	if d.intercepts[netip.AddrPortFrom(st.info.Intercept, st.info.Port)] != t {
		return
	}
	prev := st.info.Status
	if err != nil {
		st.info.Status, st.info.Reason = Unavailable, err.Error()
	} else {
		st.info.Status, st.info.Reason = Available, ""
	}
	if prev != st.info.Status {
		d.logger.Info("service status changed", "target", t, "from", prev, "to", st.info.Status, "reason", st.info.Reason)
	}
}

func (d *Directory) updateGauge() {
	counts := make(map[Status]int)
	d.mu.RLock()
	for _, st := range d.services {
		counts[st.info.Status]++
	}
	d.mu.RUnlock()

	for _, s := range []Status{Pending, Available, Unavailable} {
		d.metrics.Services.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// applier mutates the directory state for each event variant.
type applier struct {
	d *Directory
}

func (a applier) VisitContext(e *ContextEvent) error {
	d := a.d
	d.mu.Lock()
	switch e.Action {
	case Added:
		d.identities[e.Name] = struct{}{}
	case Removed:
		delete(d.identities, e.Name)
	}
	d.mu.Unlock()

	d.logger.Info("identity "+e.Action.String(), "identity", e.Name)
	return nil
}

func (a applier) VisitService(e *ServiceEvent) error {
	d := a.d
	t := core.Target{Identity: e.Owner, Service: e.Service.Name}

	switch e.Action {
	case Removed:
		a.removeService(t)
	case Added, Changed:
		if d.sameHostname(t, e.Service.Hostname) {
			// bind before release so the address is kept
			st := a.bindService(t, e.Service)
			a.removeService(t)
			a.installService(t, st)
		} else {
			a.removeService(t)
			a.installService(t, a.bindService(t, e.Service))
		}
	default:
		return fmt.Errorf("unknown service action %d", e.Action)
	}
	d.updateGauge()
	return nil
}

func (a applier) VisitRouter(e *RouterEvent) error {
	d := a.d
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e.Action {
	case Added:
		if owner, taken := d.intercepts[e.Intercept]; taken && owner != e.Target {
			if st, ok := d.services[e.Target]; ok {
				st.info.Status = Unavailable
				st.info.Reason = fmt.Sprintf("intercept %s already used by %s", e.Intercept, owner)
			}
			d.logger.Warn("intercept conflict", "intercept", e.Intercept, "target", e.Target, "owner", owner)
			return nil
		}
		d.intercepts[e.Intercept] = e.Target
	case Removed:
		if d.intercepts[e.Intercept] == e.Target {
			delete(d.intercepts, e.Intercept)
		}
	default:
		return fmt.Errorf("unknown router action %d", e.Action)
	}
	d.logger.Debug("intercept "+e.Action.String(), "intercept", e.Intercept, "target", e.Target)
	return nil
}

// bindService resolves the intercept address of svc. IPv4 literal
// hostnames are intercepted as they are.
func (a applier) bindService(t core.Target, svc Service) *serviceState {
	d := a.d
	st := &serviceState{info: ServiceInfo{
		Identity: t.Identity,
		Name:     t.Service,
		Hostname: svc.Hostname,
		Port:     svc.Port,
		Status:   Pending,
	}}

	if lit, err := netip.ParseAddr(svc.Hostname); err == nil {
		if lit = lit.Unmap(); lit.Is4() {
			st.info.Intercept = lit
		} else {
			st.info.Status, st.info.Reason = Unavailable, "ipv6 intercepts are not supported"
		}
		return st
	}

	addr, err := d.acquireHost(svc.Hostname)
	if err != nil {
		st.info.Status, st.info.Reason = Unavailable, err.Error()
		d.logger.Warn("failed to bind hostname", "target", t, "hostname", svc.Hostname, "error", err)
		return st
	}
	st.info.Intercept = addr
	st.synthetic = true
	return st
}

// installService registers st, claims its intercept and checks that the
// service can be reached.
func (a applier) installService(t core.Target, st *serviceState) {
	d := a.d
	d.mu.Lock()
	d.services[t] = st
	d.mu.Unlock()

	if !st.info.Intercept.IsValid() {
		return
	}
	_ = a.VisitRouter(&RouterEvent{Target: t, Intercept: netip.AddrPortFrom(st.info.Intercept, st.info.Port), Action: Added})
	d.setStatus(t, d.check(t))
}

func (a applier) removeService(t core.Target) {
	d := a.d
	d.mu.Lock()
	st, ok := d.services[t]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.services, t)
	d.mu.Unlock()

	if st.info.Intercept.IsValid() {
		_ = a.VisitRouter(&RouterEvent{
			Target:    t,
			Intercept: netip.AddrPortFrom(st.info.Intercept, st.info.Port),
			Action:    Removed,
		})
	}
	if st.synthetic {
		d.releaseHost(st.info.Hostname)
	}
}

func (d *Directory) sameHostname(t core.Target, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	st, ok := d.services[t]
	return ok && hostKey(st.info.Hostname) == hostKey(name)
}

// acquireHost binds name and takes a reference on the binding.
func (d *Directory) acquireHost(name string) (netip.Addr, error) {
	d.hostMu.Lock()
	defer d.hostMu.Unlock()
	addr, err := d.binder.AddHostname(name)
	if err != nil {
		return netip.Addr{}, err
	}
	d.hostRefs[hostKey(name)]++
	return addr, nil
}

// releaseHost drops a reference on name and unbinds it with the last one.
func (d *Directory) releaseHost(name string) {
	d.hostMu.Lock()
	defer d.hostMu.Unlock()
	key := hostKey(name)
	d.hostRefs[key]--
	if d.hostRefs[key] > 0 {
		return
	}
	delete(d.hostRefs, key)
	d.binder.RemoveHostname(name)
}

func hostKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedTargets(m map[core.Target]Service) []core.Target {
	keys := make([]core.Target, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
