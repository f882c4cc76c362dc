package daemon

import (
	"context"
	"fmt"
	"io"
	"os"

	"firestige.xyz/ztun/internal/config"
	"firestige.xyz/ztun/internal/iface"
)

// OpenDevice opens the interface described by cfg. A socket interface blocks
// until the helper connects or ctx is done.
func OpenDevice(ctx context.Context, cfg config.InterfaceConfig) (iface.Device, error) {
	switch cfg.Type {
	case config.InterfaceSocket:
		sock, err := iface.ListenPacketSocket(ctx, cfg.Socket)
		if err != nil {
			return nil, err
		}
		return sock, nil
	case config.InterfacePcap:
		p, err := openPcap(cfg.Input, cfg.Output)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported interface type %q", cfg.Type)
	}
}

func openPcap(input, output string) (*iface.Pcap, error) {
	in, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	closers := []io.Closer{in}

	var out io.Writer
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("failed to create capture output: %w", err)
		}
		out = f
		closers = append(closers, f)
	}

	p, err := iface.OpenPcap(in, out, closers...)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}
	return p, nil
}
