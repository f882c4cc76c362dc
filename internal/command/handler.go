// Package command implements the local control plane: JSON-RPC 2.0 over a
// unix domain socket.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/ztun/internal/directory"
	"firestige.xyz/ztun/internal/dns"
	"firestige.xyz/ztun/internal/eventbus"
	"firestige.xyz/ztun/internal/tcp"
)

// Method names.
const (
	MethodStatus    = "status"
	MethodHostnames = "hostnames"
	MethodSessions  = "sessions"
	MethodServices  = "services"
	MethodReload    = "reload"
	MethodShutdown  = "shutdown"
)

// Engine is the running daemon as seen by the control plane.
type Engine interface {
	Status() StatusResult
	Hostnames() []dns.Record
	Sessions() []tcp.Info
	Services() []directory.ServiceInfo
	Reload(ctx context.Context) (ReloadResult, error)
}

// StatusResult is the result of the status method.
type StatusResult struct {
	Version    string          `json:"version"`
	PID        int             `json:"pid"`
	StartedAt  time.Time       `json:"started_at"`
	Uptime     string          `json:"uptime"`
	TunnelIP   string          `json:"tunnel_ip"`
	Interface  string          `json:"interface"`
	Sessions   int             `json:"sessions"`
	Hostnames  int             `json:"hostnames"`
	Identities int             `json:"identities"`
	Services   int             `json:"services"`
	Events     *eventbus.Stats `json:"events,omitempty"`

	// SYNs dropped by the per-source limit, and sources counted in the
	// current window
	RateLimited    int64 `json:"rate_limited"`
	LimitedSources int   `json:"limited_sources"`
}

// ReloadResult is the result of the reload method.
type ReloadResult struct {
	Identities int `json:"identities"`
	Services   int `json:"services"`
}

// CommandHandler dispatches control commands to the engine.
type CommandHandler struct {
	engine       Engine
	shutdownFunc func()
	logger       *slog.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(engine Engine, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{engine: engine, logger: logger.With("component", "control")}
}

// SetShutdownFunc sets the callback invoked by the shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	h.logger.Debug("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodStatus:
		return Response{ID: cmd.ID, Result: h.engine.Status()}
	case MethodHostnames:
		return Response{ID: cmd.ID, Result: h.engine.Hostnames()}
	case MethodSessions:
		return Response{ID: cmd.ID, Result: h.engine.Sessions()}
	case MethodServices:
		return Response{ID: cmd.ID, Result: h.engine.Services()}
	case MethodReload:
		return h.handleReload(ctx, cmd)
	case MethodShutdown:
		return h.handleShutdown(cmd)
	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

func (h *CommandHandler) handleReload(ctx context.Context, cmd Command) Response {
	result, err := h.engine.Reload(ctx)
	if err != nil {
		h.logger.Warn("reload failed", "error", err)
		return errorResponse(cmd.ID, ErrCodeInternalError, fmt.Sprintf("reload failed: %v", err))
	}
	h.logger.Info("directory reloaded", "identities", result.Identities, "services", result.Services)
	return Response{ID: cmd.ID, Result: result}
}

func (h *CommandHandler) handleShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown is not available")
	}
	// Reply first; the callback tears down the server.
	go h.shutdownFunc()
	return Response{ID: cmd.ID, Result: map[string]string{"status": "stopping"}}
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
