package cmd

import (
	"context"

	"firestige.xyz/ztun/internal/command"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/tcp"
)

// ClientInterface is the control client the query commands use.
type ClientInterface interface {
	Status(ctx context.Context) (*command.StatusResult, error)
	Hostnames(ctx context.Context) ([]dns.Record, error)
	Sessions(ctx context.Context) ([]tcp.Info, error)
	Services(ctx context.Context) ([]directory.ServiceInfo, error)
	Reload(ctx context.Context) (*command.ReloadResult, error)
	Shutdown(ctx context.Context) error
}

var cli ClientInterface

// client returns the injected client or one for the --socket path.
func client() ClientInterface {
	if cli != nil {
		return cli
	}
	return command.NewUDSClient(socketPath, clientTimeout)
}

// SetClient injects a client, for tests.
func SetClient(c ClientInterface) {
	cli = c
}

// GetClient returns the injected client.
func GetClient() ClientInterface {
	return cli
}
