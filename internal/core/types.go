// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Target names the backend a flow is proxied to.
type Target struct {
	Identity string `json:"identity"`
	Service  string `json:"service"`
}

func (t Target) String() string {
	return t.Identity + ":" + t.Service
}

// SessionKey identifies one proxied TCP flow.
// Comparable, used directly as a map key.
type SessionKey struct {
	SrcIP   netip.Addr `json:"src_ip"`
	SrcPort uint16     `json:"src_port"`
	Target  Target     `json:"target"`
}

func (k SessionKey) String() string {
	return fmt.Sprintf("TCP:%s->%s", netip.AddrPortFrom(k.SrcIP, k.SrcPort), k.Target)
}

// Intercept is the (address, port) pair a service is reached at.
type Intercept = netip.AddrPort
