package iface

import (
	"context"
	"fmt"
	"net"
	"os"
)

// PacketSocket is a Device backed by a SOCK_SEQPACKET unix socket. The
// host-side helper that owns the TUN device connects to it and exchanges
// one IP datagram per message.
type PacketSocket struct {
	conn *net.UnixConn
}

// ListenPacketSocket waits on path for the interface helper to connect.
func ListenPacketSocket(ctx context.Context, path string) (*PacketSocket, error) {
	// Remove stale socket file
	_ = os.Remove(path)

	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	defer ln.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return nil, fmt.Errorf("failed to chmod interface socket: %w", err)
	}

	type result struct {
		conn *net.UnixConn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.AcceptUnix()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("accept interface helper: %w", r.err)
		}
		return &PacketSocket{conn: r.conn}, nil
	case <-ctx.Done():
		_ = ln.Close()
		return nil, ctx.Err()
	}
}

// DialPacketSocket connects to a helper listening on path.
func DialPacketSocket(path string) (*PacketSocket, error) {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &PacketSocket{conn: conn}, nil
}

func (p *PacketSocket) Read(b []byte) (int, error) {
	return p.conn.Read(b)
}

func (p *PacketSocket) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

func (p *PacketSocket) Close() error {
	return p.conn.Close()
}
