package packet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ztun/internal/core"
)

var (
	clientAddr = netip.MustParseAddrPort("100.64.0.2:40000")
	serverAddr = netip.MustParseAddrPort("100.64.0.10:443")
)

func TestParseUDP(t *testing.T) {
	ip, err := Parse(makeIPv4UDP([]byte("query")))
	require.NoError(t, err)

	udp, err := ParseUDP(ip)
	require.NoError(t, err)
	assert.Equal(t, uint16(5353), udp.SrcPort)
	assert.Equal(t, uint16(53), udp.DstPort)
	assert.Equal(t, []byte("query"), udp.Payload)
	assert.Equal(t, netip.MustParseAddrPort("100.64.0.1:53"), udp.Destination())
	assert.True(t, udp.VerifyChecksum(), "zero checksum over IPv4 means not computed")
	assert.Equal(t, "UDP 100.64.0.2:5353 -> 100.64.0.1:53 len=5", udp.String())
}

func TestParseUDPErrors(t *testing.T) {
	t.Run("wrong protocol", func(t *testing.T) {
		data := makeIPv4UDP(nil)
		data[9] = ProtocolTCP
		ip, err := Parse(data)
		require.NoError(t, err)
		_, err = ParseUDP(ip)
		assert.ErrorIs(t, err, core.ErrUnsupportedProto)
	})

	t.Run("length mismatch", func(t *testing.T) {
		data := makeIPv4UDP([]byte("abc"))
		binary.BigEndian.PutUint16(data[24:26], 64)
		ip, err := Parse(data)
		require.NoError(t, err)
		_, err = ParseUDP(ip)
		assert.ErrorIs(t, err, core.ErrLengthMismatch)
	})

	t.Run("truncated header", func(t *testing.T) {
		data := makeIPv4UDP(nil)[:24]
		binary.BigEndian.PutUint16(data[2:4], 24)
		ip, err := Parse(data)
		require.NoError(t, err)
		_, err = ParseUDP(ip)
		assert.ErrorIs(t, err, core.ErrPacketTooShort)
	})
}

func TestParseTCP(t *testing.T) {
	frame, err := TCPSegment{
		Src:     clientAddr,
		Dst:     serverAddr,
		Seq:     1000,
		Ack:     2000,
		Flags:   FlagSYN,
		Window:  65535,
		MSS:     1460,
		Payload: nil,
	}.Build()
	require.NoError(t, err)

	ip, err := Parse(frame)
	require.NoError(t, err)
	tcp, err := ParseTCP(ip)
	require.NoError(t, err)

	assert.Equal(t, clientAddr, tcp.Source())
	assert.Equal(t, serverAddr, tcp.Destination())
	assert.Equal(t, uint32(1000), tcp.Seq)
	assert.Equal(t, uint32(2000), tcp.Ack)
	assert.Equal(t, FlagSYN, tcp.Flags)
	assert.Equal(t, uint8(6), tcp.DataOffset)
	assert.Equal(t, uint32(1), tcp.SegmentLen())

	mss, ok := tcp.MSS()
	require.True(t, ok)
	assert.Equal(t, uint16(1460), mss)
	assert.True(t, tcp.VerifyChecksum())
	assert.Equal(t, "TCP 100.64.0.2:40000 -> 100.64.0.10:443 [SYN] seq=1000 ack=2000 win=65535 len=0", tcp.String())
}

func TestParseTCPDataOffset(t *testing.T) {
	frame, err := TCPSegment{Src: clientAddr, Dst: serverAddr, Flags: FlagACK}.Build()
	require.NoError(t, err)

	tests := []struct {
		name   string
		offset byte
	}{
		{"below minimum", 4},
		{"beyond segment", 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append([]byte{}, frame...)
			data[20+12] = tt.offset << 4
			ip, err := Parse(data)
			require.NoError(t, err)
			_, err = ParseTCP(ip)
			assert.ErrorIs(t, err, core.ErrLengthMismatch)
		})
	}
}

func TestTCPFlagsString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", (FlagSYN | FlagACK).String())
	assert.Equal(t, "FIN|PSH|ACK", (FlagFIN | FlagPSH | FlagACK).String())
	assert.Equal(t, "none", TCPFlags(0).String())
	assert.True(t, (FlagSYN | FlagACK).Has(FlagACK))
	assert.False(t, FlagSYN.Has(FlagSYN|FlagACK))
}

func TestSplitOptions(t *testing.T) {
	raw := []byte{
		optionMSS, 4, 0x05, 0xb4, // MSS 1460
		optionNOP,
		3, 3, 7, // window scale
		optionEnd,
		0, 0, 0,
	}
	opts := splitOptions(raw)
	require.Len(t, opts, 4)
	assert.Equal(t, uint8(optionMSS), opts[0].kind)
	assert.Equal(t, []byte{0x05, 0xb4}, opts[0].data)
	assert.Equal(t, uint8(optionNOP), opts[1].kind)
	assert.Equal(t, uint8(3), opts[2].length)
	assert.Equal(t, uint8(optionEnd), opts[3].kind)

	// Malformed length stops the walk.
	assert.Len(t, splitOptions([]byte{optionNOP, 8, 1}), 1)
	assert.Len(t, splitOptions([]byte{optionMSS}), 0)
}
