// Package packet implements the L3/L4 codec used by the interception engine.
//
// Parsing is hand-rolled and strict: any buffer whose declared lengths
// disagree with its real size is rejected. Building goes through gopacket's
// serializer so lengths and checksums are always recomputed.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"firestige.xyz/ztun/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40

	// Protocol numbers
	ProtocolTCP uint8 = 6
	ProtocolUDP uint8 = 17
)

// IPv4 flag bits, taken from the top three bits of the flags/fragment field.
const (
	IPv4MoreFragments uint8 = 0x01
	IPv4DontFragment  uint8 = 0x02
)

// IPPacket is one parsed network-layer datagram.
// Payload aliases the buffer handed to Parse.
type IPPacket struct {
	Version    uint8
	TOS        uint8  // IPv4 type of service / IPv6 traffic class
	ID         uint16 // IPv4 only
	Flags      uint8  // IPv4 only
	FragOffset uint16 // IPv4 only
	TTL        uint8  // IPv4 TTL / IPv6 hop limit
	Protocol   uint8  // IPv4 protocol / IPv6 next header
	Checksum   uint16 // IPv4 only
	FlowLabel  uint32 // IPv6 only
	SrcIP      netip.Addr
	DstIP      netip.Addr
	Options    []byte // raw IPv4 options
	Payload    []byte

	data      []byte
	headerLen int
}

// Parse decodes an IP datagram, dispatching on the version nibble.
func Parse(data []byte) (*IPPacket, error) {
	if len(data) < 1 {
		return nil, core.ErrPacketTooShort
	}

	switch version := data[0] >> 4; version {
	case 4:
		return parseIPv4(data)
	case 6:
		return parseIPv6(data)
	default:
		return nil, fmt.Errorf("%w: %d", core.ErrUnsupportedVersion, version)
	}
}

func parseIPv4(data []byte) (*IPPacket, error) {
	if len(data) < ipv4HeaderMinLen {
		return nil, core.ErrPacketTooShort
	}

	// IHL is in 32-bit words
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen {
		return nil, fmt.Errorf("%w: ihl %d", core.ErrLengthMismatch, headerLen)
	}
	if len(data) < headerLen {
		return nil, core.ErrPacketTooShort
	}

	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < headerLen || totalLen != len(data) {
		return nil, fmt.Errorf("%w: total length %d, buffer %d", core.ErrLengthMismatch, totalLen, len(data))
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	ip := &IPPacket{
		Version:    4,
		TOS:        data[1],
		ID:         binary.BigEndian.Uint16(data[4:6]),
		Flags:      uint8(flagsFrag >> 13),
		FragOffset: flagsFrag & 0x1FFF,
		TTL:        data[8],
		Protocol:   data[9],
		Checksum:   binary.BigEndian.Uint16(data[10:12]),
		SrcIP:      netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:      netip.AddrFrom4([4]byte(data[16:20])),
		Payload:    data[headerLen:],
		data:       data,
		headerLen:  headerLen,
	}
	if headerLen > ipv4HeaderMinLen {
		ip.Options = data[ipv4HeaderMinLen:headerLen]
	}
	return ip, nil
}

func parseIPv6(data []byte) (*IPPacket, error) {
	if len(data) < ipv6HeaderLen {
		return nil, core.ErrPacketTooShort
	}

	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	if ipv6HeaderLen+payloadLen != len(data) {
		return nil, fmt.Errorf("%w: payload length %d, buffer %d", core.ErrLengthMismatch, payloadLen, len(data)-ipv6HeaderLen)
	}

	// Extension headers are not walked; the next header is taken as the
	// transport protocol.
	return &IPPacket{
		Version:   6,
		TOS:       data[0]<<4 | data[1]>>4,
		FlowLabel: binary.BigEndian.Uint32(data[0:4]) & 0x000FFFFF,
		Protocol:  data[6],
		TTL:       data[7],
		SrcIP:     netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:     netip.AddrFrom16([16]byte(data[24:40])),
		Payload:   data[ipv6HeaderLen:],
		data:      data,
		headerLen: ipv6HeaderLen,
	}, nil
}

// Bytes returns the full datagram.
func (p *IPPacket) Bytes() []byte {
	return p.data
}

// HeaderLen returns the network header length in bytes.
func (p *IPPacket) HeaderLen() int {
	return p.headerLen
}

// IsFragment reports whether this is an IPv4 fragment.
// IPv6 fragmentation lives in extension headers, which are not walked.
func (p *IPPacket) IsFragment() bool {
	if p.Version != 4 {
		return false
	}
	return p.Flags&IPv4MoreFragments != 0 || p.FragOffset != 0
}

// VerifyChecksum validates the IPv4 header checksum. IPv6 has none.
func (p *IPPacket) VerifyChecksum() bool {
	if p.Version != 4 {
		return true
	}
	return checksum(p.data[:p.headerLen], 0) == 0
}

func (p *IPPacket) String() string {
	return fmt.Sprintf("IPv%d %s -> %s proto=%d ttl=%d len=%d",
		p.Version, p.SrcIP, p.DstIP, p.Protocol, p.TTL, len(p.data))
}
