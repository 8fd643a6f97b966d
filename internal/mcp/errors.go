package mcp

import (
	"fmt"
	"time"
)

// UnknownToolError is returned when a call names a tool that is absent
// from the merged catalog.
type UnknownToolError struct {
	Tool string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Tool)
}

// ProviderUnavailableError is returned when the provider owning a tool
// is not in state Ready.
type ProviderUnavailableError struct {
	Provider string
	Tool     string
	State    State
}

// Error implements the error interface.
func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q for tool %q is unavailable (state %s)", e.Provider, e.Tool, e.State)
}

// ToolTimeoutError is returned when a tool call is abandoned at its
// configured deadline. The in-flight call is not retried.
type ToolTimeoutError struct {
	Provider string
	Tool     string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *ToolTimeoutError) Error() string {
	return fmt.Sprintf("tool %q on provider %q timed out after %s", e.Tool, e.Provider, e.Timeout)
}

// ToolExecutionError is returned when a provider executes a tool and
// reports failure (isError in the tools/call result).
type ToolExecutionError struct {
	Provider string
	Tool     string
	Detail   string
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q on provider %q failed: %s", e.Tool, e.Provider, e.Detail)
}

// NotInitializedError is returned when a protocol operation is
// attempted on a client outside state Ready.
type NotInitializedError struct {
	Provider string
	State    State
}

// Error implements the error interface.
func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("provider %q is not initialized (state %s)", e.Provider, e.State)
}
