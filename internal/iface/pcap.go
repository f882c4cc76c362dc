package iface

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Pcap is a Device that replays a capture file and records everything the
// engine writes into another one. Reads return io.EOF at the end of the
// capture.
type Pcap struct {
	reader *pcapgo.Reader
	link   layers.LinkType
	closer []io.Closer

	mu      sync.Mutex
	writer  *pcapgo.Writer
	written int
}

// OpenPcap reads frames from in and, when out is non-nil, records written
// frames to it as a raw-IP capture. Closers are closed by Close.
func OpenPcap(in io.Reader, out io.Writer, closers ...io.Closer) (*Pcap, error) {
	r, err := pcapgo.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	switch r.LinkType() {
	case layers.LinkTypeRaw, layers.LinkTypeEthernet:
	default:
		return nil, fmt.Errorf("unsupported link type %s", r.LinkType())
	}

	p := &Pcap{
		reader: r,
		link:   r.LinkType(),
		closer: closers,
	}
	if out != nil {
		w := pcapgo.NewWriter(out)
		if err := w.WriteFileHeader(maxFrameSize, layers.LinkTypeRaw); err != nil {
			return nil, fmt.Errorf("failed to write pcap header: %w", err)
		}
		p.writer = w
	}
	return p, nil
}

// Read returns the next IP datagram of the capture. Non-IP ethernet frames
// are skipped.
func (p *Pcap) Read(b []byte) (int, error) {
	for {
		data, _, err := p.reader.ReadPacketData()
		if err != nil {
			return 0, err
		}
		if p.link == layers.LinkTypeEthernet {
			var eth layers.Ethernet
			if err := eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				continue
			}
			if eth.EthernetType != layers.EthernetTypeIPv4 && eth.EthernetType != layers.EthernetTypeIPv6 {
				continue
			}
			data = trimPadding(eth.Payload)
		}
		if len(data) > len(b) {
			return 0, io.ErrShortBuffer
		}
		return copy(b, data), nil
	}
}

// Write records one frame. Without an output capture it is discarded.
func (p *Pcap) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.writer == nil {
		return len(b), nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(b),
		Length:        len(b),
	}
	if err := p.writer.WritePacket(ci, b); err != nil {
		return 0, err
	}
	p.written++
	return len(b), nil
}

// Written returns the number of frames recorded.
func (p *Pcap) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *Pcap) Close() error {
	var first error
	for _, c := range p.closer {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// trimPadding cuts ethernet minimum-size padding off an IP datagram.
func trimPadding(data []byte) []byte {
	var n int
	switch {
	case len(data) >= 20 && data[0]>>4 == 4:
		n = int(binary.BigEndian.Uint16(data[2:4]))
	case len(data) >= 40 && data[0]>>4 == 6:
		n = 40 + int(binary.BigEndian.Uint16(data[4:6]))
	default:
		return data
	}
	if n > 0 && n < len(data) {
		return data[:n]
	}
	return data
}
