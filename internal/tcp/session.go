package tcp

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/edge"
	"firestige.xyz/ztun/internal/metrics"
	"firestige.xyz/ztun/internal/packet"
)

// Session proxies one intercepted TCP flow. local is the intercepted
// service address, remote the client that opened the flow.
//
// All state is guarded by mu. Outbound frames are handed to the responder
// while mu is held so they leave in sequence order.
type Session struct {
	key     core.SessionKey
	local   netip.AddrPort
	remote  netip.AddrPort
	opts    Options
	respond Responder
	logger  *slog.Logger
	metrics *metrics.Metrics
	created time.Time
	ourMSS  uint16

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	// receive side
	synReceived bool
	rcvNxt      uint32
	peerMSS     uint16
	peerWnd     uint32
	peerFin     bool

	// send side
	iss         uint32
	synAckSent  bool
	sndUna      uint32
	sndNxt      uint32
	sendBuf     []byte // bytes from sndUna on, sent or not
	finPending  bool
	finSent     bool
	finSeq      uint32
	finAcked    bool
	activeClose bool

	retries  int
	timer    *time.Timer
	timerGen uint64

	conn        net.Conn
	queue       chan []byte
	queueClosed bool

	bytesIn     uint64
	bytesOut    uint64
	retransmits uint64
}

// New creates a session for key from the client's opening SYN and starts
// dialing its backend. The SYN is answered once the backend is connected,
// or reset if the dial fails.
func New(key core.SessionKey, syn *packet.TCPPacket, transport edge.Transport, opts Options, respond Responder) *Session {
	opts = opts.withDefaults()
	local, remote := syn.Destination(), syn.Source()
	s := &Session{
		key:     key,
		local:   local,
		remote:  remote,
		opts:    opts,
		respond: respond,
		logger:  opts.Logger.With("session", key.String()),
		metrics: opts.Metrics,
		created: time.Now(),
		ourMSS:  opts.mss(local.Addr()),
		state:   Handshaking,
		iss:     rand.Uint32(),
		peerMSS: defaultPeerMSS,
		queue:   make(chan []byte, opts.SendQueue),
	}
	s.cond = sync.NewCond(&s.mu)
	s.sndUna = s.iss
	s.sndNxt = s.iss
	s.recordSynLocked(syn)

	go s.connect(edge.DialAsync(transport, key.Target, opts.ConnectTimeout))
	return s
}

// Key returns the session key.
func (s *Session) Key() core.SessionKey {
	return s.key
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Key:         s.key,
		Local:       s.local,
		Remote:      s.remote,
		State:       s.state.String(),
		Created:     s.created,
		BytesIn:     s.bytesIn,
		BytesOut:    s.bytesOut,
		Retransmits: s.retransmits,
	}
}

// Abort resets the flow and releases the backend.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.failLocked(outcomeAborted)
}

// Receive processes one inbound segment and returns the resulting state.
func (s *Session) Receive(seg *packet.TCPPacket) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return s.state
	}

	if seg.Flags.Has(packet.FlagRST) {
		s.logger.Debug("reset by peer")
		s.finishLocked(Closed, outcomeReset)
		return s.state
	}

	if s.state == Handshaking {
		if !s.handshakeLocked(seg) {
			return s.state
		}
	} else if seg.Flags.Has(packet.FlagSYN) {
		// A SYN on an open flow is answered with our current view.
		s.sendAckLocked()
		return s.state
	}

	if seg.Flags.Has(packet.FlagACK) {
		s.ackLocked(seg.Ack, seg.Window)
	}
	if len(seg.Payload) > 0 || seg.Flags.Has(packet.FlagFIN) {
		s.dataLocked(seg)
	}
	s.checkDoneLocked()
	return s.state
}

// handshakeLocked handles a segment before the flow is established. It
// reports whether the segment should be processed further.
func (s *Session) handshakeLocked(seg *packet.TCPPacket) bool {
	if seg.Flags.Has(packet.FlagSYN) && !seg.Flags.Has(packet.FlagACK) {
		s.recordSynLocked(seg)
		if s.conn != nil {
			// retransmitted SYN
			s.sendSynAckLocked()
		}
		return false
	}

	if !s.synAckSent || !seg.Flags.Has(packet.FlagACK) || seg.Ack != s.iss+1 {
		return false
	}

	s.state = Established
	s.sndUna = s.iss + 1
	s.sndNxt = s.iss + 1
	s.peerWnd = uint32(seg.Window)
	s.logger.Debug("session established", "peer_mss", s.peerMSS)

	go s.writeLoop(s.conn, s.queue)
	go s.readLoop(s.conn)
	return true
}

// connect waits for the backend and completes the handshake once both the
// backend and the client's SYN are present.
func (s *Session) connect(f *edge.Future[net.Conn]) {
	conn, err := f.Await(s.opts.ConnectTimeout)
	if errors.Is(err, core.ErrTimeout) {
		go closeLate(f)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		s.logger.Info("backend connect failed", "error", err)
		if s.synReceived {
			s.sendLocked(packet.FlagRST|packet.FlagACK, 0, nil, 0)
		}
		s.finishLocked(Closed, outcomeConnectFailed)
		s.respond(nil)
		return
	}

	s.conn = conn
	if s.synReceived {
		s.sendSynAckLocked()
	}
}

// closeLate releases a connection that arrived after its waiter gave up.
func closeLate(f *edge.Future[net.Conn]) {
	<-f.Done()
	if conn, err := f.Result(); err == nil {
		_ = conn.Close()
	}
}

// recordSynLocked takes the peer's sequence, window and MSS from its first
// SYN.
func (s *Session) recordSynLocked(seg *packet.TCPPacket) {
	if s.synReceived {
		return
	}
	s.synReceived = true
	s.rcvNxt = seg.Seq + 1
	s.peerWnd = uint32(seg.Window)
	if mss, ok := seg.MSS(); ok && mss > 0 {
		s.peerMSS = mss
	}
}

func (s *Session) sendSynAckLocked() {
	s.synAckSent = true
	s.sndNxt = s.iss + 1
	s.sendLocked(packet.FlagSYN|packet.FlagACK, s.iss, nil, s.ourMSS)
}

// ackLocked processes the acknowledgement and window of a segment.
func (s *Session) ackLocked(ack uint32, window uint16) {
	s.peerWnd = uint32(window)

	if seqLE(ack, s.sndUna) || seqGT(ack, s.sndNxt) {
		s.flushLocked()
		return
	}

	acked := int(ack - s.sndUna)
	if s.finSent && ack == s.finSeq+1 {
		s.finAcked = true
		acked--
	}
	s.sendBuf = s.sendBuf[min(acked, len(s.sendBuf)):]
	s.sndUna = ack
	s.retries = 0
	s.cond.Broadcast()

	s.stopTimerLocked()
	s.flushLocked()
}

// dataLocked accepts in-order payload and FIN.
func (s *Session) dataLocked(seg *packet.TCPPacket) {
	if s.peerFin {
		s.sendAckLocked()
		return
	}

	seq := seg.Seq
	payload := seg.Payload
	end := seq + uint32(len(payload))

	if seqGT(seq, s.rcvNxt) {
		s.metrics.Drop(metrics.DropOutOfWindow)
		s.sendAckLocked()
		return
	}
	if seqLT(seq, s.rcvNxt) {
		if seqLE(end, s.rcvNxt) {
			// retransmission of bytes already acknowledged
			s.sendAckLocked()
			return
		}
		payload = payload[s.rcvNxt-seq:]
	}

	if len(payload) > 0 {
		if s.queueClosed {
			s.sendAckLocked()
			return
		}
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case s.queue <- data:
		default:
			// the peer retransmits once the backend drains
			s.metrics.Drop(metrics.DropQueueFull)
			return
		}
		s.rcvNxt += uint32(len(data))
		s.bytesIn += uint64(len(data))
		s.metrics.BytesTotal.WithLabelValues("in").Add(float64(len(data)))
	}

	if seg.Flags.Has(packet.FlagFIN) {
		s.rcvNxt++
		s.peerFin = true
		s.closeQueueLocked()
		if s.state == Established {
			s.state = Closing
		}
		s.logger.Debug("peer closed")
	}
	s.sendAckLocked()
}

// checkDoneLocked moves a closing session to its terminal state once both
// FINs are exchanged and ours is acknowledged.
func (s *Session) checkDoneLocked() {
	if s.state != Closing || !s.peerFin || !s.finAcked {
		return
	}
	if s.activeClose {
		s.finishLocked(TimeWait, outcomeTimeWait)
	} else {
		s.finishLocked(Closed, outcomeClosed)
	}
}

// flushLocked sends as much buffered backend data as the peer's window
// allows, then the FIN if the backend has closed.
func (s *Session) flushLocked() {
	if s.state != Established && s.state != Closing {
		return
	}

	mss := int(min(s.ourMSS, s.peerMSS))
	for {
		offset := int(s.sndNxt - s.sndUna)
		if offset >= len(s.sendBuf) {
			break
		}
		room := int(s.peerWnd) - offset
		if room <= 0 {
			break
		}
		n := min(len(s.sendBuf)-offset, mss, room)
		s.sendLocked(packet.FlagPSH|packet.FlagACK, s.sndNxt, s.sendBuf[offset:offset+n], 0)
		s.sndNxt += uint32(n)
		s.bytesOut += uint64(n)
		s.metrics.BytesTotal.WithLabelValues("out").Add(float64(n))
	}

	if s.finPending && !s.finSent && int(s.sndNxt-s.sndUna) == len(s.sendBuf) {
		s.finSeq = s.sndNxt
		s.sendLocked(packet.FlagFIN|packet.FlagACK, s.sndNxt, nil, 0)
		s.sndNxt++
		s.finSent = true
	}

	if s.sndNxt != s.sndUna && s.timer == nil {
		s.armTimerLocked()
	}
}

func (s *Session) armTimerLocked() {
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.RetransmitTimeout, func() { s.retransmit(gen) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// retransmit resends everything from sndUna (go-back-N).
func (s *Session) retransmit(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.timerGen || s.state.Terminal() {
		return
	}
	s.timer = nil
	if s.sndNxt == s.sndUna {
		return
	}
	if s.retries >= s.opts.MaxRetransmits {
		s.logger.Info("retransmit limit reached", "retries", s.retries)
		s.failLocked(outcomeTimeout)
		return
	}

	s.retries++
	s.retransmits++
	s.metrics.RetransmitsTotal.Inc()
	s.sndNxt = s.sndUna
	s.finSent = false
	s.flushLocked()
}

func (s *Session) sendAckLocked() {
	s.sendLocked(packet.FlagACK, s.sndNxt, nil, 0)
}

// sendLocked builds one segment and hands it to the responder.
func (s *Session) sendLocked(flags packet.TCPFlags, seq uint32, payload []byte, mss uint16) {
	frame, err := packet.TCPSegment{
		Src:     s.local,
		Dst:     s.remote,
		Seq:     seq,
		Ack:     s.rcvNxt,
		Flags:   flags,
		Window:  s.opts.Window,
		MSS:     mss,
		Payload: payload,
	}.Build()
	if err != nil {
		s.logger.Error("failed to build segment", "flags", flags, "error", err)
		s.metrics.Drop(metrics.DropBuild)
		return
	}
	s.respond(frame)
}

// failLocked resets the flow, tears down and delivers the close sentinel.
func (s *Session) failLocked(outcome string) {
	s.sendLocked(packet.FlagRST|packet.FlagACK, s.sndNxt, nil, 0)
	s.finishLocked(Closed, outcome)
	s.respond(nil)
}

// finishLocked enters a terminal state and releases every resource.
func (s *Session) finishLocked(state State, outcome string) {
	s.state = state
	s.stopTimerLocked()
	s.closeQueueLocked()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.cond.Broadcast()
	s.metrics.SessionsTotal.WithLabelValues(outcome).Inc()
	s.logger.Debug("session finished", "state", state, "outcome", outcome,
		"bytes_in", s.bytesIn, "bytes_out", s.bytesOut)
}

func (s *Session) closeQueueLocked() {
	if !s.queueClosed {
		s.queueClosed = true
		close(s.queue)
	}
}

// writeLoop copies client bytes to the backend. When the client half-closes,
// the backend write side is closed too.
func (s *Session) writeLoop(conn net.Conn, queue <-chan []byte) {
	for data := range queue {
		if _, err := conn.Write(data); err != nil {
			s.backendFailed(err)
			return
		}
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// readLoop copies backend bytes into the send buffer.
func (s *Session) readLoop(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 && !s.enqueue(buf[:n]) {
			return
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.backendClosed()
			} else {
				s.backendFailed(err)
			}
			return
		}
	}
}

// enqueue appends backend bytes, blocking while the send buffer is full.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.sendBuf) >= sendBufferLimit && !s.state.Terminal() {
		s.cond.Wait()
	}
	if s.state.Terminal() {
		return false
	}
	s.sendBuf = append(s.sendBuf, data...)
	s.flushLocked()
	return true
}

func (s *Session) backendClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || s.finPending {
		return
	}
	s.logger.Debug("backend closed")
	s.finPending = true
	s.activeClose = !s.peerFin
	if s.state == Established {
		s.state = Closing
	}
	s.flushLocked()
}

func (s *Session) backendFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.logger.Info("backend failed", "error", err)
	s.failLocked(outcomeBackendError)
}
