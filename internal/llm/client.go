package llm

import "context"

// Client is the interface all model providers implement.
type Client interface {
	// Chat sends a completion request and returns the full response.
	// The tools slice uses the OpenAI-style function definition shape.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks whether the backend is reachable.
	Ping(ctx context.Context) error
}
