package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ztun/internal/command"
	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/tcp"
)

// MockClient implements ClientInterface
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Status(ctx context.Context) (*command.StatusResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*command.StatusResult)
	return r, args.Error(1)
}

func (m *MockClient) Hostnames(ctx context.Context) ([]dns.Record, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]dns.Record)
	return r, args.Error(1)
}

func (m *MockClient) Sessions(ctx context.Context) ([]tcp.Info, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]tcp.Info)
	return r, args.Error(1)
}

func (m *MockClient) Services(ctx context.Context) ([]directory.ServiceInfo, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]directory.ServiceInfo)
	return r, args.Error(1)
}

func (m *MockClient) Reload(ctx context.Context) (*command.ReloadResult, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*command.ReloadResult)
	return r, args.Error(1)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestRunReload_Success(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(&command.ReloadResult{Identities: 2, Services: 5}, nil)

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Directory reloaded: 2 identities, 5 services")
	mockClient.AssertExpectations(t)
}

func TestRunReload_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(nil, errors.New("connection failed"))

	var buf bytes.Buffer
	err := runReload(context.Background(), mockClient, &buf)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reload")
	assert.Contains(t, err.Error(), "connection failed")
	assert.Empty(t, buf.String())
	mockClient.AssertExpectations(t)
}

func TestReloadCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(&command.ReloadResult{Identities: 1, Services: 1}, nil)

	originalCli := GetClient()
	SetClient(mockClient)
	defer SetClient(originalCli)

	root := &cobra.Command{Use: "ztun"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	err := root.Execute()

	assert.NoError(t, err)
	assert.Contains(t, buf.String(), "✓ Directory reloaded")
	mockClient.AssertExpectations(t)
}

func TestQueryCommands(t *testing.T) {
	tests := []struct {
		name   string
		method string
		result any
		run    func(context.Context, ClientInterface, *bytes.Buffer) error
		want   string
	}{
		{
			name:   "status",
			method: "Status",
			result: &command.StatusResult{Version: "0.1.0", TunnelIP: "100.64.0.1", Sessions: 3},
			run: func(ctx context.Context, c ClientInterface, b *bytes.Buffer) error {
				return runStatus(ctx, c, b)
			},
			want: `"tunnel_ip": "100.64.0.1"`,
		},
		{
			name:   "hostnames",
			method: "Hostnames",
			result: []dns.Record{{Name: "web.example.com", IP: netip.MustParseAddr("100.64.0.3")}},
			run: func(ctx context.Context, c ClientInterface, b *bytes.Buffer) error {
				return runHostnames(ctx, c, b)
			},
			want: `"ip": "100.64.0.3"`,
		},
		{
			name:   "sessions",
			method: "Sessions",
			result: []tcp.Info{},
			run: func(ctx context.Context, c ClientInterface, b *bytes.Buffer) error {
				return runSessions(ctx, c, b)
			},
			want: `[]`,
		},
		{
			name:   "services",
			method: "Services",
			result: []directory.ServiceInfo{{Identity: "acme", Name: "web", Status: directory.Unavailable}},
			run: func(ctx context.Context, c ClientInterface, b *bytes.Buffer) error {
				return runServices(ctx, c, b)
			},
			want: `"status": "unavailable"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On(tt.method, mock.Anything).Return(tt.result, nil)

			var buf bytes.Buffer
			require.NoError(t, tt.run(context.Background(), mockClient, &buf))
			assert.Contains(t, buf.String(), tt.want)
			mockClient.AssertExpectations(t)
		})

		t.Run(tt.name+"/daemon not running", func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On(tt.method, mock.Anything).Return(nil, core.ErrDaemonNotRunning)

			var buf bytes.Buffer
			err := tt.run(context.Background(), mockClient, &buf)
			assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
			assert.Empty(t, buf.String())
		})
	}
}

func TestRunStop(t *testing.T) {
	noSignal := func(string) (int, error) {
		t.Fatal("signal must not be sent")
		return 0, nil
	}

	t.Run("shutdown over socket", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(nil)

		var buf bytes.Buffer
		require.NoError(t, runStop(context.Background(), mockClient, "/tmp/ztun.pid", noSignal, &buf))
		assert.Contains(t, buf.String(), "Shutdown requested")
		mockClient.AssertExpectations(t)
	})

	t.Run("falls back to pid file", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(core.ErrDaemonNotRunning)

		var got string
		signal := func(path string) (int, error) {
			got = path
			return 4242, nil
		}

		var buf bytes.Buffer
		require.NoError(t, runStop(context.Background(), mockClient, "/tmp/ztun.pid", signal, &buf))
		assert.Equal(t, "/tmp/ztun.pid", got)
		assert.Contains(t, buf.String(), "process 4242")
	})

	t.Run("not running at all", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(core.ErrDaemonNotRunning)

		signal := func(string) (int, error) { return 0, core.ErrDaemonNotRunning }

		var buf bytes.Buffer
		err := runStop(context.Background(), mockClient, "/tmp/ztun.pid", signal, &buf)
		assert.ErrorIs(t, err, core.ErrDaemonNotRunning)
	})

	t.Run("rpc error is not retried", func(t *testing.T) {
		mockClient := new(MockClient)
		mockClient.On("Shutdown", mock.Anything).Return(&command.ErrorInfo{Code: -32603, Message: "boom"})

		var buf bytes.Buffer
		err := runStop(context.Background(), mockClient, "/tmp/ztun.pid", noSignal, &buf)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})
}
