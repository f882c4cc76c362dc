package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DefaultTTL is used for every packet the engine originates.
const DefaultTTL = 64

var serializeOptions = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// checksummed is a transport layer whose checksum covers a pseudo-header.
type checksummed interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

// outboundHeader returns the network header for a packet the engine sends
// from src to dst.
func outboundHeader(src, dst netip.Addr, protocol uint8) (*IPPacket, error) {
	if src.Is4() != dst.Is4() {
		return nil, fmt.Errorf("address family mismatch: %s -> %s", src, dst)
	}
	h := &IPPacket{
		TTL:      DefaultTTL,
		Protocol: protocol,
		SrcIP:    src,
		DstIP:    dst,
	}
	if src.Is4() {
		h.Version = 4
		h.Flags = IPv4DontFragment
	} else {
		h.Version = 6
	}
	return h, nil
}

func (p *IPPacket) networkLayer() (gopacket.SerializableLayer, gopacket.NetworkLayer) {
	if p.Version == 4 {
		l := &layers.IPv4{
			Version:    4,
			TOS:        p.TOS,
			Id:         p.ID,
			Flags:      layers.IPv4Flag(p.Flags),
			FragOffset: p.FragOffset,
			TTL:        p.TTL,
			Protocol:   layers.IPProtocol(p.Protocol),
			SrcIP:      p.SrcIP.AsSlice(),
			DstIP:      p.DstIP.AsSlice(),
			Options:    ipv4Options(p.Options),
		}
		return l, l
	}
	l := &layers.IPv6{
		Version:      6,
		TrafficClass: p.TOS,
		FlowLabel:    p.FlowLabel,
		NextHeader:   layers.IPProtocol(p.Protocol),
		HopLimit:     p.TTL,
		SrcIP:        p.SrcIP.AsSlice(),
		DstIP:        p.DstIP.AsSlice(),
	}
	return l, l
}

// serialize lays out header, transport and payload, fixing every length
// and checksum field on the way.
func serialize(header *IPPacket, transport checksummed, payload []byte) ([]byte, error) {
	ipLayer, network := header.networkLayer()
	if err := transport.SetNetworkLayerForChecksum(network); err != nil {
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOptions, ipLayer, transport, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return buf.Bytes(), nil
}

// Reply builds a UDP datagram answering u: addresses and ports swapped.
func (u *UDPPacket) Reply(payload []byte) ([]byte, error) {
	header, err := outboundHeader(u.IP.DstIP, u.IP.SrcIP, ProtocolUDP)
	if err != nil {
		return nil, err
	}
	header.TOS = u.IP.TOS
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(u.DstPort),
		DstPort: layers.UDPPort(u.SrcPort),
	}
	return serialize(header, udp, payload)
}

// Serialize rebuilds the datagram from its parsed fields.
func (u *UDPPacket) Serialize() ([]byte, error) {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(u.SrcPort),
		DstPort: layers.UDPPort(u.DstPort),
	}
	return serialize(u.IP, udp, u.Payload)
}

// Serialize rebuilds the segment from its parsed fields.
func (t *TCPPacket) Serialize() ([]byte, error) {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(t.SrcPort),
		DstPort: layers.TCPPort(t.DstPort),
		Seq:     t.Seq,
		Ack:     t.Ack,
		NS:      t.NS,
		Window:  t.Window,
		Urgent:  t.Urgent,
		Options: tcpOptions(t.Options),
	}
	setFlags(tcp, t.Flags)
	return serialize(t.IP, tcp, t.Payload)
}

// TCPSegment describes a segment the engine originates.
type TCPSegment struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Seq     uint32
	Ack     uint32
	Flags   TCPFlags
	Window  uint16
	MSS     uint16 // zero omits the option
	Payload []byte
}

// Build serializes the segment into a complete IP datagram.
func (s TCPSegment) Build() ([]byte, error) {
	header, err := outboundHeader(s.Src.Addr(), s.Dst.Addr(), ProtocolTCP)
	if err != nil {
		return nil, err
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.Src.Port()),
		DstPort: layers.TCPPort(s.Dst.Port()),
		Seq:     s.Seq,
		Ack:     s.Ack,
		Window:  s.Window,
	}
	if s.MSS != 0 {
		tcp.Options = []layers.TCPOption{mssOption(s.MSS)}
	}
	setFlags(tcp, s.Flags)
	return serialize(header, tcp, s.Payload)
}

func setFlags(l *layers.TCP, f TCPFlags) {
	l.FIN = f&FlagFIN != 0
	l.SYN = f&FlagSYN != 0
	l.RST = f&FlagRST != 0
	l.PSH = f&FlagPSH != 0
	l.ACK = f&FlagACK != 0
	l.URG = f&FlagURG != 0
	l.ECE = f&FlagECE != 0
	l.CWR = f&FlagCWR != 0
}
