// Package router demultiplexes packets read from the interface to the DNS
// engine and the TCP sessions, and owns the session table.
package router

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/edge"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/packet"
	"firestige.xyz/ztun/internal/tcp"
)

const (
	// DefaultLinger is how long a key is remembered after TIME_WAIT.
	DefaultLinger = 30 * time.Second

	defaultWindow = 65535
)

// Directory maps an intercept address to the service behind it.
type Directory interface {
	ResolveIntercept(addr netip.Addr, port uint16) (core.Target, bool)
}

// Resolver is the DNS engine as seen by the router.
type Resolver interface {
	NeedsResolution(udp *packet.UDPPacket) bool
	Resolve(udp *packet.UDPPacket) ([]byte, error)
}

// FrameWriter is the serialized write path to the interface.
type FrameWriter interface {
	Write(frame []byte)
}

// Config wires a router.
type Config struct {
	Resolver  Resolver
	Directory Directory
	Transport edge.Transport
	Output    FrameWriter

	// Reserved reports addresses that never key a session: the tunnel
	// subnet's network and broadcast addresses.
	Reserved func(netip.Addr) bool

	Session tcp.Options
	Linger  time.Duration

	// SynLimit caps new sessions per source address; nil disables it.
	SynLimit *SynLimiter

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// entry wraps a table slot so eviction can tell two sessions of the same
// key apart.
type entry struct {
	session *tcp.Session
}

// Router routes inbound frames. Route may be called from several
// goroutines; session lookup and creation are atomic under the table lock.
type Router struct {
	resolver  Resolver
	directory Directory
	transport edge.Transport
	out       FrameWriter
	reserved  func(netip.Addr) bool
	limiter   *SynLimiter
	opts      tcp.Options
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	sessions map[core.SessionKey]*entry
	closed   bool

	// keys recently in TIME_WAIT, so retransmitted FINs are re-ACKed
	linger *cache.Cache
}

// New creates a router.
func New(cfg Config) *Router {
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if cfg.Reserved == nil {
		cfg.Reserved = func(netip.Addr) bool { return false }
	}
	logger := cfg.Logger.With("component", "router")

	opts := cfg.Session
	opts.Logger = logger
	opts.Metrics = cfg.Metrics
	if opts.Window == 0 {
		opts.Window = defaultWindow
	}

	return &Router{
		resolver:  cfg.Resolver,
		directory: cfg.Directory,
		transport: cfg.Transport,
		out:       cfg.Output,
		reserved:  cfg.Reserved,
		limiter:   cfg.SynLimit,
		opts:      opts,
		logger:    logger,
		metrics:   cfg.Metrics,
		sessions:  make(map[core.SessionKey]*entry),
		linger:    cache.New(cfg.Linger, 2*cfg.Linger),
	}
}

// RouteBatch routes frames in order.
func (r *Router) RouteBatch(frames [][]byte) {
	for _, f := range frames {
		r.Route(f)
	}
}

// Route handles one frame read from the interface. Frames that cannot be
// handled are dropped; nothing is returned to the caller.
func (r *Router) Route(frame []byte) {
	ip, err := packet.Parse(frame)
	if err != nil {
		r.drop(metrics.DropParse, "error", err, "len", len(frame))
		return
	}
	if ip.IsFragment() {
		r.drop(metrics.DropFragment, "packet", ip.String())
		return
	}

	switch ip.Protocol {
	case packet.ProtocolUDP:
		r.metrics.PacketsTotal.WithLabelValues("udp").Inc()
		r.routeUDP(ip)
	case packet.ProtocolTCP:
		r.metrics.PacketsTotal.WithLabelValues("tcp").Inc()
		r.routeTCP(ip)
	default:
		r.metrics.PacketsTotal.WithLabelValues("other").Inc()
		r.drop(metrics.DropProtocol, "packet", ip.String())
	}
}

func (r *Router) routeUDP(ip *packet.IPPacket) {
	udp, err := packet.ParseUDP(ip)
	if err != nil {
		r.drop(metrics.DropParse, "error", err, "packet", ip.String())
		return
	}
	if !r.resolver.NeedsResolution(udp) {
		r.drop(metrics.DropUDP, "packet", udp.String())
		return
	}

	reply, err := r.resolver.Resolve(udp)
	if err != nil {
		r.drop(metrics.DropDNS, "error", err, "packet", udp.String())
		return
	}
	r.out.Write(reply)
}

func (r *Router) routeTCP(ip *packet.IPPacket) {
	seg, err := packet.ParseTCP(ip)
	if err != nil {
		r.drop(metrics.DropParse, "error", err, "packet", ip.String())
		return
	}

	target, ok := r.directory.ResolveIntercept(ip.DstIP, seg.DstPort)
	if !ok {
		r.drop(metrics.DropNoRoute, "packet", seg.String())
		return
	}
	if r.reserved(ip.SrcIP) {
		r.drop(metrics.DropReserved, "packet", seg.String())
		return
	}

	key := core.SessionKey{SrcIP: ip.SrcIP, SrcPort: seg.SrcPort, Target: target}
	e, created, limited := r.lookupOrCreate(key, seg)
	if limited {
		r.drop(metrics.DropRateLimited, "packet", seg.String())
		return
	}
	if e == nil {
		r.answerStray(key, seg)
		return
	}
	if created {
		// the session consumed its opening SYN
		return
	}

	if st := e.session.Receive(seg); st.Terminal() {
		r.evict(key, e, st)
	}
}

// lookupOrCreate returns the session for key. Only a SYN without ACK
// creates one; otherwise nil is returned for unknown keys. limited is set
// when the source is over its session rate.
func (r *Router) lookupOrCreate(key core.SessionKey, seg *packet.TCPPacket) (e *entry, created, limited bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[key]; ok {
		return e, false, false
	}
	if r.closed || !seg.Flags.Has(packet.FlagSYN) || seg.Flags.Has(packet.FlagACK) {
		return nil, false, false
	}
	if !r.limiter.Allow(key.SrcIP, time.Now()) {
		return nil, false, true
	}

	e = &entry{}
	e.session = tcp.New(key, seg, r.transport, r.opts, r.responder(key, e))
	r.sessions[key] = e
	r.linger.Delete(key.String())
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Debug("session created", "key", key)
	return e, true, false
}

// responder delivers a session's frames to the interface and evicts it on
// the close sentinel.
func (r *Router) responder(key core.SessionKey, e *entry) tcp.Responder {
	return func(frame []byte) {
		if frame == nil {
			r.evict(key, e, tcp.Closed)
			return
		}
		r.out.Write(frame)
	}
}

func (r *Router) evict(key core.SessionKey, e *entry, st tcp.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[key] != e {
		return
	}
	delete(r.sessions, key)
	if st == tcp.TimeWait {
		r.linger.SetDefault(key.String(), struct{}{})
	}
	r.metrics.SessionsActive.Set(float64(len(r.sessions)))
	r.logger.Debug("session evicted", "key", key, "state", st)
}

// answerStray responds to a segment for a flow we have no session for:
// lingering TIME_WAIT keys are re-ACKed, anything else is reset.
func (r *Router) answerStray(key core.SessionKey, seg *packet.TCPPacket) {
	if seg.Flags.Has(packet.FlagRST) {
		return
	}
	r.metrics.Drop(metrics.DropNoSession)

	reply := packet.TCPSegment{
		Src: seg.Destination(),
		Dst: seg.Source(),
	}
	if _, ok := r.linger.Get(key.String()); ok {
		reply.Seq = seg.Ack
		reply.Ack = seg.Seq + seg.SegmentLen()
		reply.Flags = packet.FlagACK
		reply.Window = r.opts.Window
	} else if seg.Flags.Has(packet.FlagACK) {
		reply.Seq = seg.Ack
		reply.Flags = packet.FlagRST
	} else {
		reply.Ack = seg.Seq + seg.SegmentLen()
		reply.Flags = packet.FlagRST | packet.FlagACK
	}

	frame, err := reply.Build()
	if err != nil {
		r.drop(metrics.DropBuild, "error", err)
		return
	}
	r.logger.Debug("answering stray segment", "key", key, "flags", reply.Flags)
	r.out.Write(frame)
}

func (r *Router) drop(reason string, args ...any) {
	r.metrics.Drop(reason)
	r.logger.Debug("packet dropped", append([]any{"reason", reason}, args...)...)
}

// Len returns the number of live sessions.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of every live session.
func (r *Router) Sessions() []tcp.Info {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	infos := make([]tcp.Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.session.Info())
	}
	return infos
}

// Close aborts every session. Later SYNs create nothing.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	entries := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, e)
	}
	clear(r.sessions)
	r.metrics.SessionsActive.Set(0)
	r.mu.Unlock()

	for _, e := range entries {
		e.session.Abort()
	}
	r.linger.Flush()
	r.logger.Info("router closed", "aborted", len(entries))
}
