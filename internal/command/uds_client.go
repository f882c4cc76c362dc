package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/ztun/internal/core"
	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/tcp"
)

var requestSeq atomic.Uint64

// UDSClient is a JSON-RPC client over a unix domain socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

// rawResponse is a response whose result is decoded by the caller.
type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorInfo      `json:"error"`
}

// Call sends a command and decodes its result into out, which may be nil.
// A daemon that is not listening is reported as core.ErrDaemonNotRunning.
func (c *UDSClient) Call(ctx context.Context, method string, params, out any) error {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ECONNREFUSED) {
			return fmt.Errorf("%w: %s", core.ErrDaemonNotRunning, c.socketPath)
		}
		return fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := "req-" + strconv.FormatUint(requestSeq.Add(1), 10)
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*maxRequestSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		return fmt.Errorf("connection closed without response")
	}

	var resp rawResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Status queries the daemon status.
func (c *UDSClient) Status(ctx context.Context) (*StatusResult, error) {
	var r StatusResult
	if err := c.Call(ctx, MethodStatus, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Hostnames lists the synthetic address bindings.
func (c *UDSClient) Hostnames(ctx context.Context) ([]dns.Record, error) {
	var r []dns.Record
	err := c.Call(ctx, MethodHostnames, nil, &r)
	return r, err
}

// Sessions lists the live TCP sessions.
func (c *UDSClient) Sessions(ctx context.Context) ([]tcp.Info, error) {
	var r []tcp.Info
	err := c.Call(ctx, MethodSessions, nil, &r)
	return r, err
}

// Services lists the directory services.
func (c *UDSClient) Services(ctx context.Context) ([]directory.ServiceInfo, error) {
	var r []directory.ServiceInfo
	err := c.Call(ctx, MethodServices, nil, &r)
	return r, err
}

// Reload asks the daemon to reload its directory file.
func (c *UDSClient) Reload(ctx context.Context) (*ReloadResult, error) {
	var r ReloadResult
	if err := c.Call(ctx, MethodReload, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	return c.Call(ctx, MethodShutdown, nil, nil)
}

// Ping checks that the daemon answers.
func (c *UDSClient) Ping(ctx context.Context) error {
	_, err := c.Status(ctx)
	return err
}
