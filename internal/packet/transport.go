package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"firestige.xyz/ztun/internal/core"
)

const (
	udpHeaderLen    = 8
	tcpHeaderMinLen = 20
)

// TCPFlags holds the eight TCP control bits of byte 13.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
)

// Has reports whether all bits in f are set.
func (t TCPFlags) Has(f TCPFlags) bool {
	return t&f == f
}

func (t TCPFlags) String() string {
	names := [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR"}
	var parts []string
	for i, name := range names {
		if t&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// UDPPacket is one parsed UDP datagram.
type UDPPacket struct {
	IP       *IPPacket
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  []byte
}

// ParseUDP decodes the UDP segment carried by ip.
func ParseUDP(ip *IPPacket) (*UDPPacket, error) {
	if ip.Protocol != ProtocolUDP {
		return nil, fmt.Errorf("%w: %d is not udp", core.ErrUnsupportedProto, ip.Protocol)
	}
	data := ip.Payload
	if len(data) < udpHeaderLen {
		return nil, core.ErrPacketTooShort
	}

	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) != len(data) {
		return nil, fmt.Errorf("%w: udp length %d, segment %d", core.ErrLengthMismatch, length, len(data))
	}

	return &UDPPacket{
		IP:       ip,
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   length,
		Checksum: binary.BigEndian.Uint16(data[6:8]),
		Payload:  data[udpHeaderLen:],
	}, nil
}

// Source returns the sender's address and port.
func (u *UDPPacket) Source() netip.AddrPort {
	return netip.AddrPortFrom(u.IP.SrcIP, u.SrcPort)
}

// Destination returns the receiver's address and port.
func (u *UDPPacket) Destination() netip.AddrPort {
	return netip.AddrPortFrom(u.IP.DstIP, u.DstPort)
}

// VerifyChecksum validates the UDP checksum. A zero checksum over IPv4 means
// the sender did not compute one.
func (u *UDPPacket) VerifyChecksum() bool {
	if u.Checksum == 0 && u.IP.Version == 4 {
		return true
	}
	return transportChecksumOK(u.IP, u.IP.Payload)
}

func (u *UDPPacket) String() string {
	return fmt.Sprintf("UDP %s -> %s len=%d", u.Source(), u.Destination(), len(u.Payload))
}

// TCPPacket is one parsed TCP segment.
type TCPPacket struct {
	IP         *IPPacket
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // in 32-bit words
	NS         bool
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte // raw options, may include trailing padding
	Payload    []byte
}

// ParseTCP decodes the TCP segment carried by ip.
func ParseTCP(ip *IPPacket) (*TCPPacket, error) {
	if ip.Protocol != ProtocolTCP {
		return nil, fmt.Errorf("%w: %d is not tcp", core.ErrUnsupportedProto, ip.Protocol)
	}
	data := ip.Payload
	if len(data) < tcpHeaderMinLen {
		return nil, core.ErrPacketTooShort
	}

	dataOffset := data[12] >> 4
	headerLen := int(dataOffset) * 4
	if headerLen < tcpHeaderMinLen || headerLen > len(data) {
		return nil, fmt.Errorf("%w: tcp data offset %d, segment %d", core.ErrLengthMismatch, headerLen, len(data))
	}

	tcp := &TCPPacket{
		IP:         ip,
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		Seq:        binary.BigEndian.Uint32(data[4:8]),
		Ack:        binary.BigEndian.Uint32(data[8:12]),
		DataOffset: dataOffset,
		NS:         data[12]&0x01 != 0,
		Flags:      TCPFlags(data[13]),
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
		Payload:    data[headerLen:],
	}
	if headerLen > tcpHeaderMinLen {
		tcp.Options = data[tcpHeaderMinLen:headerLen]
	}
	return tcp, nil
}

// Source returns the sender's address and port.
func (t *TCPPacket) Source() netip.AddrPort {
	return netip.AddrPortFrom(t.IP.SrcIP, t.SrcPort)
}

// Destination returns the receiver's address and port.
func (t *TCPPacket) Destination() netip.AddrPort {
	return netip.AddrPortFrom(t.IP.DstIP, t.DstPort)
}

// SegmentLen is the sequence space consumed: payload plus SYN and FIN.
func (t *TCPPacket) SegmentLen() uint32 {
	n := uint32(len(t.Payload))
	if t.Flags&FlagSYN != 0 {
		n++
	}
	if t.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// MSS returns the maximum segment size option, if present.
func (t *TCPPacket) MSS() (uint16, bool) {
	for _, opt := range splitOptions(t.Options) {
		if opt.kind == optionMSS && len(opt.data) == 2 {
			return binary.BigEndian.Uint16(opt.data), true
		}
	}
	return 0, false
}

// VerifyChecksum validates the TCP checksum.
func (t *TCPPacket) VerifyChecksum() bool {
	return transportChecksumOK(t.IP, t.IP.Payload)
}

func (t *TCPPacket) String() string {
	return fmt.Sprintf("TCP %s -> %s [%s] seq=%d ack=%d win=%d len=%d",
		t.Source(), t.Destination(), t.Flags, t.Seq, t.Ack, t.Window, len(t.Payload))
}
