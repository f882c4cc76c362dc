package dns

import (
	"encoding/binary"
	"net/netip"
	"strings"
)

// Config is the read-only resolver configuration.
type Config struct {
	TunnelIP     netip.Addr   // our own address on the interface
	SubnetMask   netip.Addr   // dotted IPv4 mask
	Servers      []netip.Addr // DNS server addresses the host sends queries to
	MatchDomains []string     // domains answered authoritatively
}

// Bounds returns the network and broadcast addresses of the tunnel subnet.
func (c Config) Bounds() (network, broadcast netip.Addr) {
	ip := c.TunnelIP.As4()
	mask := c.SubnetMask.As4()
	var n, b [4]byte
	for i := 0; i < 4; i++ {
		n[i] = ip[i] & mask[i]
		b[i] = ip[i] | ^mask[i]
	}
	return netip.AddrFrom4(n), netip.AddrFrom4(b)
}

// Reserved reports whether addr is the network or broadcast address of the
// tunnel subnet.
func (c Config) Reserved(addr netip.Addr) bool {
	network, broadcast := c.Bounds()
	return addr == network || addr == broadcast
}

// Contains reports whether addr lies inside the tunnel subnet.
func (c Config) Contains(addr netip.Addr) bool {
	if !addr.Is4() {
		return false
	}
	network, broadcast := c.Bounds()
	v := toUint32(addr)
	return v >= toUint32(network) && v <= toUint32(broadcast)
}

// ServersOutsideSubnet returns the DNS servers that need a host route of
// their own to be reachable through the tunnel.
func (c Config) ServersOutsideSubnet() []netip.Addr {
	var out []netip.Addr
	for _, s := range c.Servers {
		if !c.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}

// firstHost returns the first candidate for allocation. When the network's
// last octet is 255 the network address itself is the first candidate.
func (c Config) firstHost() netip.Addr {
	network, _ := c.Bounds()
	b := network.As4()
	if b[3] < 255 {
		b[3]++
	}
	return netip.AddrFrom4(b)
}

func toUint32(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// canonicalName lowercases a DNS name and strips the trailing root dot.
func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
