// Package iface moves raw IP frames between the engine and the virtual
// interface.
package iface

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"firestige.xyz/ztun/internal/metrics"
)

// maxFrameSize bounds a single read; no IP datagram is larger.
const maxFrameSize = 65535

// Device is a frame-oriented interface handle: every Read returns exactly
// one IP datagram and every Write sends one.
type Device interface {
	io.ReadWriteCloser
}

// Writer is the single write path to a device. Concurrent producers are
// serialized; a failed write is logged and counted and never blocks later
// writes.
type Writer struct {
	mu      sync.Mutex
	dev     io.Writer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewWriter wraps dev.
func NewWriter(dev io.Writer, logger *slog.Logger, m *metrics.Metrics) *Writer {
	return &Writer{
		dev:     dev,
		logger:  logger.With("component", "iface"),
		metrics: m,
	}
}

// Write sends one frame. Nil or empty frames are ignored.
func (w *Writer) Write(frame []byte) {
	if len(frame) == 0 {
		return
	}

	w.mu.Lock()
	_, err := w.dev.Write(frame)
	w.mu.Unlock()

	if err != nil {
		w.metrics.WriteErrorsTotal.Inc()
		w.logger.Warn("failed to write frame", "len", len(frame), "error", err)
	}
}

// Pump reads frames from dev and hands each to route until dev is exhausted
// or ctx is cancelled. The frame passed to route is only valid for the
// duration of the call.
func Pump(ctx context.Context, dev io.Reader, route func(frame []byte)) error {
	buf := make([]byte, maxFrameSize)
	for {
		n, err := dev.Read(buf)
		if n > 0 {
			route(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
