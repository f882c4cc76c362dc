package packet

import (
	"encoding/binary"
	"net/netip"
)

// checksum is the internet one's-complement checksum of data seeded with
// initial. Over a segment that already carries a valid checksum it yields 0.
func checksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeaderSum is the unfolded sum of the IPv4 or IPv6 pseudo-header.
func pseudoHeaderSum(src, dst netip.Addr, protocol uint8, length int) uint32 {
	var sum uint32
	for _, addr := range [2]netip.Addr{src, dst} {
		b := addr.AsSlice()
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
	}
	sum += uint32(protocol)
	sum += uint32(length>>16) + uint32(length&0xffff)
	return sum
}

// transportChecksumOK validates a UDP or TCP segment against its pseudo-header.
func transportChecksumOK(ip *IPPacket, segment []byte) bool {
	return checksum(segment, pseudoHeaderSum(ip.SrcIP, ip.DstIP, ip.Protocol, len(segment))) == 0
}
