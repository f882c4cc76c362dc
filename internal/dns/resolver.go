// Package dns answers DNS queries for intercepted hostnames and owns the
// synthetic address pool they are bound to.
package dns

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"sync"

	mdns "github.com/miekg/dns"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/packet"
)

// Port is the DNS server port intercepted by the resolver.
const Port = 53

// Record binds a hostname to its synthetic address.
type Record struct {
	Name string     `json:"name"`
	IP   netip.Addr `json:"ip"`
}

// Resolver is the DNS engine. The record table is safe for concurrent use;
// every lookup-then-mutate sequence runs under one lock.
type Resolver struct {
	cfg     Config
	domains []string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	records []Record
}

// NewResolver creates a resolver for cfg.
func NewResolver(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	domains := make([]string, 0, len(cfg.MatchDomains))
	for _, d := range cfg.MatchDomains {
		if d = canonicalName(d); d != "" {
			domains = append(domains, d)
		}
	}
	return &Resolver{
		cfg:     cfg,
		domains: domains,
		logger:  logger.With("component", "dns"),
		metrics: m,
	}
}

// Config returns the resolver configuration.
func (r *Resolver) Config() Config {
	return r.cfg
}

// AddHostname returns the synthetic address bound to name, allocating the
// lowest free one on first use.
func (r *Resolver) AddHostname(name string) (netip.Addr, error) {
	key := canonicalName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.findByNameLocked(key); ok {
		return rec.IP, nil
	}

	_, broadcast := r.cfg.Bounds()
	end := toUint32(broadcast)
	for v := toUint32(r.cfg.firstHost()); v < end; v++ {
		candidate := fromUint32(v)
		if r.inUseLocked(candidate) {
			continue
		}
		r.records = append(r.records, Record{Name: key, IP: candidate})
		r.metrics.Hostnames.Set(float64(len(r.records)))
		r.logger.Debug("hostname bound", "name", key, "ip", candidate)
		return candidate, nil
	}

	return netip.Addr{}, fmt.Errorf("%w: %s", core.ErrAddressExhausted, name)
}

// RemoveHostname releases the binding for name. It reports whether a
// binding existed.
func (r *Resolver) RemoveHostname(name string) bool {
	key := canonicalName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.IndexFunc(r.records, func(rec Record) bool { return rec.Name == key })
	if i < 0 {
		return false
	}
	ip := r.records[i].IP
	r.records = slices.Delete(r.records, i, i+1)
	r.metrics.Hostnames.Set(float64(len(r.records)))
	r.logger.Debug("hostname released", "name", key, "ip", ip)
	return true
}

// FindByName returns the record bound to name. The table holds at most one
// record per name and one per address, so a lookup matches zero or one
// record.
func (r *Resolver) FindByName(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByNameLocked(canonicalName(name))
}

// FindByAddress returns the record bound to addr, if any.
func (r *Resolver) FindByAddress(addr netip.Addr) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.records {
		if rec.IP == addr {
			return rec, true
		}
	}
	return Record{}, false
}

// Records returns a snapshot of the table ordered by address.
func (r *Resolver) Records() []Record {
	r.mu.RLock()
	out := slices.Clone(r.records)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int { return a.IP.Compare(b.IP) })
	return out
}

func (r *Resolver) findByNameLocked(key string) (Record, bool) {
	for _, rec := range r.records {
		if rec.Name == key {
			return rec, true
		}
	}
	return Record{}, false
}

func (r *Resolver) inUseLocked(addr netip.Addr) bool {
	if addr == r.cfg.TunnelIP || slices.Contains(r.cfg.Servers, addr) {
		return true
	}
	for _, rec := range r.records {
		if rec.IP == addr {
			return true
		}
	}
	return false
}

// NeedsResolution reports whether udp is a query to one of our DNS servers.
func (r *Resolver) NeedsResolution(udp *packet.UDPPacket) bool {
	return udp.DstPort == Port && slices.Contains(r.cfg.Servers, udp.IP.DstIP)
}

// Resolve answers the query carried by udp and returns the reply frame.
// A nil frame with a nil error means the message needs no answer.
func (r *Resolver) Resolve(udp *packet.UDPPacket) ([]byte, error) {
	req := new(mdns.Msg)
	if err := req.Unpack(udp.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedDNS, err)
	}
	if req.Response {
		r.logger.Debug("ignoring dns response", "id", req.Id, "from", udp.Source())
		return nil, nil
	}

	resp := r.answer(req)
	payload, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack dns response: %w", err)
	}
	frame, err := udp.Reply(payload)
	if err != nil {
		return nil, err
	}

	rcode := mdns.RcodeToString[resp.Rcode]
	r.metrics.DNSResponsesTotal.WithLabelValues(rcode).Inc()
	r.logger.Debug("dns query answered",
		"id", req.Id, "question", questionString(req.Question), "rcode", rcode, "answers", len(resp.Answer))
	return frame, nil
}

// answer builds the response for req: only single A/AAAA questions get
// anything but NOTIMP.
func (r *Resolver) answer(req *mdns.Msg) *mdns.Msg {
	resp := new(mdns.Msg)
	resp.SetReply(req)
	resp.Question = req.Question
	resp.Compress = false
	resp.Rcode = mdns.RcodeNotImplemented

	if len(req.Question) != 1 {
		return resp
	}
	q := req.Question[0]
	if q.Qtype != mdns.TypeA && q.Qtype != mdns.TypeAAAA {
		return resp
	}

	rec, found := r.FindByName(q.Name)
	switch {
	case found && q.Qtype == mdns.TypeA:
		resp.Rcode = mdns.RcodeSuccess
		resp.Answer = append(resp.Answer, &mdns.A{
			Hdr: mdns.RR_Header{
				Name:   q.Name,
				Rrtype: mdns.TypeA,
				Class:  mdns.ClassINET,
				Ttl:    0,
			},
			A: rec.IP.AsSlice(),
		})
	case found:
		// AAAA for an intercepted name: there is no v6 binding
		resp.Rcode = mdns.RcodeNameError
	case r.inMatchDomains(q.Name):
		resp.Rcode = mdns.RcodeNameError
	default:
		resp.Rcode = mdns.RcodeRefused
	}
	return resp
}

func (r *Resolver) inMatchDomains(name string) bool {
	name = canonicalName(name)
	for _, d := range r.domains {
		if name == d || strings.HasSuffix(name, "."+d) {
			return true
		}
	}
	return false
}

func questionString(qs []mdns.Question) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		parts = append(parts, q.Name+" "+mdns.TypeToString[q.Qtype])
	}
	return strings.Join(parts, ",")
}
