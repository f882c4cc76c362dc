// Package tcp terminates intercepted TCP flows and proxies their bytes to
// backend services.
package tcp

import (
	"log/slog"
	"net/netip"
	"time"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/edge"
	"firestige.xyz/ztun/internal/metrics"
)

// State is the lifecycle state of a session.
type State int

const (
	Handshaking State = iota
	Established
	Closing
	TimeWait
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	case TimeWait:
		return "time_wait"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session is finished and can be evicted.
func (s State) Terminal() bool {
	return s == TimeWait || s == Closed
}

// Responder delivers frames produced by a session. A nil frame means the
// session failed or was aborted and must be removed.
type Responder func(frame []byte)

// Session outcomes reported in metrics.
const (
	outcomeClosed        = "closed"
	outcomeTimeWait      = "time_wait"
	outcomeReset         = "reset"
	outcomeConnectFailed = "connect_failed"
	outcomeBackendError  = "backend_error"
	outcomeTimeout       = "retransmit_timeout"
	outcomeAborted       = "aborted"
)

const (
	defaultMTU               = 1500
	defaultRetransmitTimeout = time.Second
	defaultMaxRetransmits    = 5
	defaultSendQueue         = 64
	defaultWindow            = 65535
	defaultPeerMSS           = 536

	readBufferSize  = 16 * 1024
	sendBufferLimit = 256 * 1024
)

// Options tunes a session.
type Options struct {
	MTU               int
	ConnectTimeout    time.Duration
	RetransmitTimeout time.Duration
	MaxRetransmits    int
	SendQueue         int    // backend write queue depth, in segments
	Window            uint16 // advertised receive window

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MTU <= 0 {
		o.MTU = defaultMTU
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = edge.DefaultConnectTimeout
	}
	if o.RetransmitTimeout <= 0 {
		o.RetransmitTimeout = defaultRetransmitTimeout
	}
	if o.MaxRetransmits <= 0 {
		o.MaxRetransmits = defaultMaxRetransmits
	}
	if o.SendQueue <= 0 {
		o.SendQueue = defaultSendQueue
	}
	if o.Window == 0 {
		o.Window = defaultWindow
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewNop()
	}
	return o
}

// mss is the segment size we advertise for the address family of local.
func (o Options) mss(local netip.Addr) uint16 {
	overhead := 40
	if local.Is6() && !local.Is4In6() {
		overhead = 60
	}
	return uint16(max(o.MTU-overhead, defaultPeerMSS))
}

// Info is a point-in-time view of a session.
type Info struct {
	Key         core.SessionKey `json:"key"`
	Local       netip.AddrPort  `json:"local"`
	Remote      netip.AddrPort  `json:"remote"`
	State       string          `json:"state"`
	Created     time.Time       `json:"created"`
	BytesIn     uint64          `json:"bytes_in"`
	BytesOut    uint64          `json:"bytes_out"`
	Retransmits uint64          `json:"retransmits"`
}

func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
func seqGT(a, b uint32) bool { return int32(a-b) > 0 }
