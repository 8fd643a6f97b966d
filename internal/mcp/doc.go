// Package mcp implements MCP (Model Context Protocol) client support,
// allowing Relay to connect to external tool providers and expose their
// tools to the agent loop.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. Each provider is driven by a Client with an explicit
// connection state machine; the Orchestrator owns all configured clients
// as one scoped resource, merges their tool catalogs into a single
// registry, and routes tool calls to the owning provider under a
// per-provider deadline.
//
// This implementation covers the client/host side only; Relay does not
// act as an MCP server.
package mcp
