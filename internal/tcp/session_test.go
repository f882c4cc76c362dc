package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/packet"
)

var (
	clientAddr    = netip.MustParseAddrPort("100.64.0.2:40000")
	interceptAddr = netip.MustParseAddrPort("100.64.0.10:443")
	target        = core.Target{Identity: "alice", Service: "web"}
	sessionKey    = core.SessionKey{SrcIP: clientAddr.Addr(), SrcPort: clientAddr.Port(), Target: target}
)

const clientISN = 1000

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Dial(ctx context.Context, identity, service string) (net.Conn, error) {
	args := m.Called(ctx, identity, service)
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}

// capture records every frame a session emits.
type capture struct {
	frames chan []byte
}

func newCapture() *capture {
	return &capture{frames: make(chan []byte, 256)}
}

func (c *capture) respond(frame []byte) {
	c.frames <- frame
}

// next returns the next emitted segment, or nil for the close sentinel.
func (c *capture) next(t *testing.T) *packet.TCPPacket {
	t.Helper()
	select {
	case frame := <-c.frames:
		if frame == nil {
			return nil
		}
		ip, err := packet.Parse(frame)
		require.NoError(t, err)
		seg, err := packet.ParseTCP(ip)
		require.NoError(t, err)
		require.True(t, seg.VerifyChecksum())
		return seg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (c *capture) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case frame := <-c.frames:
		t.Fatalf("unexpected frame %v", frame)
	case <-time.After(wait):
	}
}

func segment(t *testing.T, seq, ack uint32, flags packet.TCPFlags, payload []byte, mss uint16) *packet.TCPPacket {
	t.Helper()
	frame, err := packet.TCPSegment{
		Src:     clientAddr,
		Dst:     interceptAddr,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  65535,
		MSS:     mss,
		Payload: payload,
	}.Build()
	require.NoError(t, err)
	ip, err := packet.Parse(frame)
	require.NoError(t, err)
	seg, err := packet.ParseTCP(ip)
	require.NoError(t, err)
	return seg
}

func testOptions() Options {
	return Options{
		MTU:               1500,
		ConnectTimeout:    time.Second,
		RetransmitTimeout: time.Second,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metrics.NewNop(),
	}
}

type harness struct {
	session *Session
	cap     *capture
	backend net.Conn
	srvISN  uint32
}

// establish runs a full handshake and returns the live session.
func establish(t *testing.T, opts Options, peerMSS uint16) *harness {
	t.Helper()
	sessionSide, backend := net.Pipe()
	t.Cleanup(func() { _ = backend.Close() })

	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "alice", "web").Return(sessionSide, nil)

	c := newCapture()
	s := New(sessionKey, segment(t, clientISN, 0, packet.FlagSYN, nil, peerMSS), tr, opts, c.respond)
	t.Cleanup(s.Abort)

	synAck := c.next(t)
	require.NotNil(t, synAck)
	require.Equal(t, packet.FlagSYN|packet.FlagACK, synAck.Flags)
	require.Equal(t, uint32(clientISN+1), synAck.Ack)

	st := s.Receive(segment(t, clientISN+1, synAck.Seq+1, packet.FlagACK, nil, 0))
	require.Equal(t, Established, st)
	tr.AssertExpectations(t)

	return &harness{session: s, cap: c, backend: backend, srvISN: synAck.Seq}
}

func TestHandshake(t *testing.T) {
	sessionSide, backend := net.Pipe()
	defer backend.Close()

	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "alice", "web").Return(sessionSide, nil)

	c := newCapture()
	s := New(sessionKey, segment(t, clientISN, 0, packet.FlagSYN, nil, 1400), tr, testOptions(), c.respond)
	defer s.Abort()
	assert.Equal(t, Handshaking, s.State())

	synAck := c.next(t)
	require.NotNil(t, synAck)
	assert.Equal(t, packet.FlagSYN|packet.FlagACK, synAck.Flags)
	assert.Equal(t, uint32(clientISN+1), synAck.Ack)
	assert.Equal(t, interceptAddr, synAck.Source())
	assert.Equal(t, clientAddr, synAck.Destination())
	mss, ok := synAck.MSS()
	require.True(t, ok)
	assert.Equal(t, uint16(1460), mss)

	// A retransmitted SYN gets the same SYN-ACK.
	s.Receive(segment(t, clientISN, 0, packet.FlagSYN, nil, 1400))
	again := c.next(t)
	require.NotNil(t, again)
	assert.Equal(t, synAck.Seq, again.Seq)

	// An ACK for the wrong sequence does not complete the handshake.
	assert.Equal(t, Handshaking, s.Receive(segment(t, clientISN+1, synAck.Seq+7, packet.FlagACK, nil, 0)))
	assert.Equal(t, Established, s.Receive(segment(t, clientISN+1, synAck.Seq+1, packet.FlagACK, nil, 0)))

	info := s.Info()
	assert.Equal(t, "established", info.State)
	assert.Equal(t, sessionKey, info.Key)
}

func TestConnectFailure(t *testing.T) {
	release := make(chan time.Time)
	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "alice", "web").WaitUntil(release).Return(nil, errors.New("connection refused"))

	c := newCapture()
	s := New(sessionKey, segment(t, clientISN, 0, packet.FlagSYN, nil, 0), tr, testOptions(), c.respond)
	s.Receive(segment(t, clientISN, 0, packet.FlagSYN, nil, 0))
	close(release)

	rst := c.next(t)
	require.NotNil(t, rst)
	assert.True(t, rst.Flags.Has(packet.FlagRST))
	assert.Equal(t, uint32(clientISN+1), rst.Ack)
	assert.Nil(t, c.next(t), "expected close sentinel")
	assert.Equal(t, Closed, s.State())
}

func TestImmediateConnectFailureResets(t *testing.T) {
	tr := &mockTransport{}
	tr.On("Dial", mock.Anything, "alice", "web").Return(nil, errors.New("connection refused"))

	// No segment follows the opening SYN.
	c := newCapture()
	s := New(sessionKey, segment(t, clientISN, 0, packet.FlagSYN, nil, 0), tr, testOptions(), c.respond)

	rst := c.next(t)
	require.NotNil(t, rst, "the opening SYN must be reset")
	assert.Equal(t, packet.FlagRST|packet.FlagACK, rst.Flags)
	assert.Equal(t, uint32(clientISN+1), rst.Ack)
	assert.Equal(t, interceptAddr, rst.Source())
	assert.Equal(t, clientAddr, rst.Destination())
	assert.Nil(t, c.next(t), "expected close sentinel")
	assert.Equal(t, Closed, s.State())
}

func TestClientData(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	st := h.session.Receive(segment(t, clientISN+1, h.srvISN+1, packet.FlagPSH|packet.FlagACK, []byte("hello"), 0))
	assert.Equal(t, Established, st)

	ack := h.cap.next(t)
	require.NotNil(t, ack)
	assert.Equal(t, packet.FlagACK, ack.Flags)
	assert.Equal(t, uint32(clientISN+6), ack.Ack)

	buf := make([]byte, 5)
	_, err := io.ReadFull(h.backend, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// Overlapping retransmission: only the new tail is delivered.
	h.session.Receive(segment(t, clientISN+3, h.srvISN+1, packet.FlagPSH|packet.FlagACK, []byte("llo!!"), 0))
	ack = h.cap.next(t)
	require.NotNil(t, ack)
	assert.Equal(t, uint32(clientISN+8), ack.Ack)

	buf = make([]byte, 2)
	_, err = io.ReadFull(h.backend, buf)
	require.NoError(t, err)
	assert.Equal(t, "!!", string(buf))
}

func TestOutOfOrderData(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	h.session.Receive(segment(t, clientISN+101, h.srvISN+1, packet.FlagPSH|packet.FlagACK, []byte("future"), 0))
	dup := h.cap.next(t)
	require.NotNil(t, dup)
	assert.Equal(t, uint32(clientISN+1), dup.Ack, "duplicate ACK must not advance")

	require.NoError(t, h.backend.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err := h.backend.Read(make([]byte, 16))
	assert.Error(t, err, "out-of-order bytes must not reach the backend")
}

func TestBackendDataSegmentation(t *testing.T) {
	h := establish(t, testOptions(), 100)

	payload := make([]byte, 250)
	for i := range payload {
		payload[i] = byte(i)
	}
	go func() { _, _ = h.backend.Write(payload) }()

	var got []byte
	seq := h.srvISN + 1
	for len(got) < len(payload) {
		seg := h.cap.next(t)
		require.NotNil(t, seg)
		assert.Equal(t, seq, seg.Seq)
		assert.LessOrEqual(t, len(seg.Payload), 100)
		assert.Equal(t, uint32(clientISN+1), seg.Ack)
		got = append(got, seg.Payload...)
		seq += uint32(len(seg.Payload))
	}
	assert.Equal(t, payload, got)

	h.session.Receive(segment(t, clientISN+1, seq, packet.FlagACK, nil, 0))
	assert.Equal(t, uint64(250), h.session.Info().BytesOut)
}

func TestPassiveClose(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	st := h.session.Receive(segment(t, clientISN+1, h.srvISN+1, packet.FlagFIN|packet.FlagACK, nil, 0))
	assert.Equal(t, Closing, st)
	ack := h.cap.next(t)
	require.NotNil(t, ack)
	assert.Equal(t, uint32(clientISN+2), ack.Ack)

	require.NoError(t, h.backend.Close())
	fin := h.cap.next(t)
	require.NotNil(t, fin)
	assert.True(t, fin.Flags.Has(packet.FlagFIN))
	assert.Equal(t, h.srvISN+1, fin.Seq)

	st = h.session.Receive(segment(t, clientISN+2, h.srvISN+2, packet.FlagACK, nil, 0))
	assert.Equal(t, Closed, st)
}

func TestActiveClose(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	require.NoError(t, h.backend.Close())
	fin := h.cap.next(t)
	require.NotNil(t, fin)
	assert.True(t, fin.Flags.Has(packet.FlagFIN))
	assert.Equal(t, Closing, h.session.State())

	assert.Equal(t, Closing, h.session.Receive(segment(t, clientISN+1, h.srvISN+2, packet.FlagACK, nil, 0)))

	st := h.session.Receive(segment(t, clientISN+1, h.srvISN+2, packet.FlagFIN|packet.FlagACK, nil, 0))
	assert.Equal(t, TimeWait, st)
	ack := h.cap.next(t)
	require.NotNil(t, ack)
	assert.Equal(t, uint32(clientISN+2), ack.Ack)
}

func TestReset(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	st := h.session.Receive(segment(t, clientISN+1, h.srvISN+1, packet.FlagRST, nil, 0))
	assert.Equal(t, Closed, st)
	h.cap.expectNone(t, 50*time.Millisecond)

	// Segments after the reset change nothing.
	assert.Equal(t, Closed, h.session.Receive(segment(t, clientISN+1, h.srvISN+1, packet.FlagACK, nil, 0)))
}

func TestRetransmitLimit(t *testing.T) {
	opts := testOptions()
	opts.RetransmitTimeout = 20 * time.Millisecond
	opts.MaxRetransmits = 2
	h := establish(t, opts, 1460)

	go func() { _, _ = h.backend.Write([]byte("data")) }()

	for i := 0; i < 3; i++ {
		seg := h.cap.next(t)
		require.NotNil(t, seg)
		assert.Equal(t, h.srvISN+1, seg.Seq, "transmission %d", i)
		assert.Equal(t, []byte("data"), seg.Payload)
	}

	rst := h.cap.next(t)
	require.NotNil(t, rst)
	assert.True(t, rst.Flags.Has(packet.FlagRST))
	assert.Nil(t, h.cap.next(t), "expected close sentinel")
	assert.Equal(t, Closed, h.session.State())
	assert.Equal(t, uint64(2), h.session.Info().Retransmits)
}

func TestAbort(t *testing.T) {
	h := establish(t, testOptions(), 1460)

	h.session.Abort()
	rst := h.cap.next(t)
	require.NotNil(t, rst)
	assert.True(t, rst.Flags.Has(packet.FlagRST))
	assert.Nil(t, h.cap.next(t), "expected close sentinel")

	_, err := h.backend.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// Abort is idempotent.
	h.session.Abort()
	h.cap.expectNone(t, 20*time.Millisecond)
}

func TestOptionsMSS(t *testing.T) {
	o := Options{MTU: 1280}.withDefaults()
	assert.Equal(t, uint16(1240), o.mss(netip.MustParseAddr("10.0.0.1")))
	assert.Equal(t, uint16(1220), o.mss(netip.MustParseAddr("fd00::1")))
}

func TestSequenceComparison(t *testing.T) {
	assert.True(t, seqLT(0xfffffff0, 0x10), "comparison must survive wraparound")
	assert.True(t, seqGT(0x10, 0xfffffff0))
	assert.True(t, seqLE(5, 5))
	assert.False(t, seqLT(5, 5))
}
