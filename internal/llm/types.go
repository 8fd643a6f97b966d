// Package llm provides model completion clients.
package llm

import "time"

// Message is a chat message in provider-neutral form.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool result messages
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its result message. Providers that
	// omit IDs get synthetic ones assigned at the wire boundary.
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified completion result from any provider.
// Wire format conversion happens at provider boundaries.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	// Token usage, when the provider reports it.
	InputTokens  int
	OutputTokens int
}
