package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/calderhq/relay/internal/buildinfo"
)

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2025-03-26"

// ToolDescriptor describes a tool exposed by a provider. The JSON shape
// matches the tools/list result so descriptors round-trip unmodified
// into model tool definitions.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Provider is the owning provider's configured name. Filled in by
	// the orchestrator when catalogs are merged; never serialized.
	Provider string `json:"-"`
}

// ContentBlock is one part of a tools/call result.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is resource content embedded in a tool result.
type EmbeddedResource struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// callResult is the tools/call response payload.
type callResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// initializeResult is the initialize response payload.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities map[string]any `json:"capabilities"`
}

// listToolsResult is the tools/list response payload.
type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// Client drives the MCP protocol against one provider over a Transport.
// Its lifecycle is monotonic: Connect moves it to Connected, Initialize
// to Ready, Close to Closed. A closed client cannot be reused.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu            sync.Mutex
	state         State
	serverName    string
	serverVersion string
	tools         []ToolDescriptor
}

// NewClient creates a client for the named provider over the given transport.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("provider", name),
	}
}

// Name returns the provider's configured name.
func (c *Client) Name() string { return c.name }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ServerInfo returns the provider's self-reported name and version,
// available after Initialize.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverName, c.serverVersion
}

// Connect starts the underlying transport. It is valid only from the
// Disconnected state.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateDisconnected:
	case StateClosed:
		return fmt.Errorf("provider %q: client is closed", c.name)
	default:
		return fmt.Errorf("provider %q: already connected", c.name)
	}

	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("connect provider %q: %w", c.name, err)
	}
	c.state = StateConnected
	return nil
}

// Initialize performs the MCP handshake: the initialize request followed
// by the initialized notification. On success the client is Ready.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("provider %q: cannot initialize from state %s", c.name, state)
	}
	c.mu.Unlock()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize provider %q: %w", c.name, err)
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("initialize provider %q: decode result: %w", c.name, err)
	}

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialize provider %q: send initialized: %w", c.name, err)
	}

	c.mu.Lock()
	c.state = StateReady
	c.serverName = result.ServerInfo.Name
	c.serverVersion = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("provider initialized",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools fetches the provider's tool catalog and caches it. The
// cached copy is returned by Tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if state := c.State(); state != StateReady {
		return nil, &NotInitializedError{Provider: c.name, State: state}
	}

	resp, err := c.send(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list tools on provider %q: %w", c.name, err)
	}

	var result listToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("list tools on provider %q: decode result: %w", c.name, err)
	}

	for i := range result.Tools {
		result.Tools[i].Provider = c.name
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	return result.Tools, nil
}

// Tools returns the cached catalog from the last ListTools call.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tools
}

// CallTool invokes a tool and returns its textual result. A provider
// reporting isError yields a ToolExecutionError carrying the result
// text as detail.
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	if state := c.State(); state != StateReady {
		return "", &NotInitializedError{Provider: c.name, State: state}
	}

	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      tool,
		"arguments": args,
	}

	resp, err := c.send(ctx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("call tool %q on provider %q: %w", tool, c.name, err)
	}

	var result callResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("call tool %q on provider %q: decode result: %w", tool, c.name, err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", &ToolExecutionError{Provider: c.name, Tool: tool, Detail: text}
	}
	return text, nil
}

// Close shuts down the transport and moves the client to Closed.
// Close is idempotent and valid from any state.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.transport.Close()
}

// send issues one request with a fresh ID and maps protocol-level
// errors to Go errors.
func (c *Client) send(ctx context.Context, method string, params any) (*Response, error) {
	req := NewRequest(c.nextID.Add(1), method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// extractText flattens a result's content into one string. Text blocks
// and embedded resources with inline text contribute in order; binary
// and external-reference parts are dropped.
func extractText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
		case "resource":
			if b.Resource != nil {
				sb.WriteString(b.Resource.Text)
			}
		}
	}
	return sb.String()
}
