package mcp

import (
	"context"
	"log/slog"
)

// levelTrace mirrors the trace level used by the logging config, for
// wire-level frame logging without a config dependency.
const levelTrace = slog.Level(-8)

// Transport is the interface for provider communication. Implementations
// handle framing, encoding, and response correlation over a specific
// transport (stdio or streamable HTTP).
type Transport interface {
	// Start establishes the underlying connection: spawns the
	// subprocess for stdio, prepares the client for HTTP.
	Start(ctx context.Context) error

	// Send sends a JSON-RPC request and returns the response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	// For stdio transports this terminates the subprocess.
	// Close is idempotent.
	Close() error
}

// State is a provider connection's lifecycle phase. Transitions are
// monotonic: Disconnected → Connected → Ready → Closed, with no
// resurrection after Closed.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
