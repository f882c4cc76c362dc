package command

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/tcp"
)

func startServer(t *testing.T, engine Engine) (*UDSServer, string, context.CancelFunc) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "ztun.sock")
	server := NewUDSServer(socketPath, NewCommandHandler(engine, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case <-server.Ready():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() {
		cancel()
		<-errCh
	})
	return server, socketPath, cancel
}

func TestUDSServerClient_Integration(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Status").Return(StatusResult{Version: "1.2.3", TunnelIP: "100.64.0.1", Sessions: 1})
	engine.On("Hostnames").Return([]dns.Record{{Name: "web.ziti", IP: netip.MustParseAddr("100.64.0.3")}})
	engine.On("Sessions").Return([]tcp.Info{{State: "ESTABLISHED", BytesIn: 10}})
	engine.On("Services").Return([]directory.ServiceInfo{{
		Identity:  "alice",
		Name:      "web",
		Intercept: netip.MustParseAddr("100.64.0.3"),
		Status:    directory.Unavailable,
	}})
	engine.On("Reload", mock.Anything).Return(ReloadResult{Identities: 1, Services: 1}, nil)

	_, socketPath, _ := startServer(t, engine)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	client := NewUDSClient(socketPath, 5*time.Second)
	ctx := context.Background()

	t.Run("status", func(t *testing.T) {
		st, err := client.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1.2.3", st.Version)
		assert.Equal(t, 1, st.Sessions)
	})

	t.Run("hostnames", func(t *testing.T) {
		recs, err := client.Hostnames(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, netip.MustParseAddr("100.64.0.3"), recs[0].IP)
	})

	t.Run("sessions", func(t *testing.T) {
		infos, err := client.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.EqualValues(t, 10, infos[0].BytesIn)
	})

	t.Run("services", func(t *testing.T) {
		svcs, err := client.Services(ctx)
		require.NoError(t, err)
		require.Len(t, svcs, 1)
		assert.Equal(t, directory.Unavailable, svcs[0].Status)
	})

	t.Run("reload", func(t *testing.T) {
		r, err := client.Reload(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, r.Services)
	})

	t.Run("unknown method", func(t *testing.T) {
		err := client.Call(ctx, "task_list", nil, nil)
		var rpcErr *ErrorInfo
		require.True(t, errors.As(err, &rpcErr))
		assert.Equal(t, ErrCodeMethodNotFound, rpcErr.Code)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})
}

func TestUDSServerRejectsGarbage(t *testing.T) {
	_, socketPath, _ := startServer(t, &mockEngine{})

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n{\"method\":\"status\"}\n"))
	require.NoError(t, err)

	buf := make([]byte, 4096)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got string
	for !(strings.Contains(got, "-32700") && strings.Contains(got, "-32600")) {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
}

func TestUDSServerStopRemovesSocket(t *testing.T) {
	server, socketPath, cancel := startServer(t, &mockEngine{})
	cancel()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, server.Stop())
}

func TestClientDaemonNotRunning(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
}
