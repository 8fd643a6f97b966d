package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/calderhq/relay/internal/httpkit"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// OpenRouterClient talks to the OpenRouter chat completions API, which
// follows the OpenAI wire format.
type OpenRouterClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewOpenRouterClient creates an OpenRouter client.
func NewOpenRouterClient(baseURL, apiKey string) *OpenRouterClient {
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	return &OpenRouterClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(5 * time.Minute)),
	}
}

// OpenAI-style wire types. Tool call arguments travel as a JSON string
// and are decoded into a map at this boundary.

type openRouterRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Tools    []map[string]any    `json:"tools,omitempty"`
}

type openRouterMessage struct {
	Role       string               `json:"role"`
	Content    string               `json:"content"`
	ToolCalls  []openRouterToolCall `json:"tool_calls,omitempty"`
	ToolCallID string               `json:"tool_call_id,omitempty"`
}

type openRouterToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openRouterResponse struct {
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Message      openRouterMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat sends a completion request to OpenRouter.
func (c *OpenRouterClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := openRouterRequest{
		Model:    model,
		Messages: toOpenRouterMessages(messages),
		Tools:    tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openrouter API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var orResp openRouterResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(orResp.Choices) == 0 {
		return nil, fmt.Errorf("openrouter returned no choices")
	}

	choice := orResp.Choices[0]
	msg, err := fromOpenRouterMessage(choice.Message)
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		Model:        orResp.Model,
		CreatedAt:    time.Unix(orResp.Created, 0),
		Message:      msg,
		Done:         true,
		InputTokens:  orResp.Usage.PromptTokens,
		OutputTokens: orResp.Usage.CompletionTokens,
	}, nil
}

// Ping checks that the OpenRouter API accepts the configured key.
func (c *OpenRouterClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openrouter API error %d", resp.StatusCode)
	}
	return nil
}

// toOpenRouterMessages converts neutral messages to the wire format,
// re-encoding tool call arguments as JSON strings.
func toOpenRouterMessages(messages []Message) []openRouterMessage {
	out := make([]openRouterMessage, len(messages))
	for i, m := range messages {
		wire := openRouterMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Function.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wireCall := openRouterToolCall{ID: tc.ID, Type: "function"}
			wireCall.Function.Name = tc.Function.Name
			wireCall.Function.Arguments = string(args)
			wire.ToolCalls = append(wire.ToolCalls, wireCall)
		}
		out[i] = wire
	}
	return out
}

// fromOpenRouterMessage converts a wire message to neutral form,
// decoding tool call argument strings.
func fromOpenRouterMessage(wire openRouterMessage) (Message, error) {
	msg := Message{
		Role:       wire.Role,
		Content:    wire.Content,
		ToolCallID: wire.ToolCallID,
	}
	for _, wc := range wire.ToolCalls {
		tc := ToolCall{ID: wc.ID}
		tc.Function.Name = wc.Function.Name
		if wc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(wc.Function.Arguments), &tc.Function.Arguments); err != nil {
				return Message{}, fmt.Errorf("decode tool call arguments for %s: %w", wc.Function.Name, err)
			}
		}
		if tc.ID == "" {
			tc.ID = syntheticCallID()
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg, nil
}
