// Package agent runs the bounded tool-use loop that turns a user
// request into a final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/calderhq/relay/internal/llm"
	"github.com/calderhq/relay/internal/mcp"
)

// DefaultMaxIterations bounds tool-use rounds per turn when no cap is
// configured.
const DefaultMaxIterations = 10

// finalizeNudge is sent once when the model returns neither text nor
// tool calls, prompting it to produce an answer from context.
const finalizeNudge = "Based on all the information gathered above, provide a complete answer now."

// ToolRouter supplies the tool catalog and executes calls. Satisfied
// by mcp.Orchestrator.
type ToolRouter interface {
	Tools() []mcp.ToolDescriptor
	CallTool(ctx context.Context, tool string, args map[string]any) (string, error)
}

// Result is the outcome of one completed turn.
type Result struct {
	// Content is the final answer, including the tool-use marker when
	// tools were used.
	Content string

	// Iterations is the number of model completions made.
	Iterations int

	// ToolCalls is the total number of tool invocations.
	ToolCalls int

	// ToolsUsed reports whether any tool ran during the turn.
	ToolsUsed bool
}

// Loop drives model completions and tool execution until the model
// produces a text answer or the iteration cap forces one.
type Loop struct {
	logger        *slog.Logger
	llm           llm.Client
	router        ToolRouter
	model         string
	maxIterations int
	marker        string
}

// Config assembles a Loop.
type Config struct {
	Logger *slog.Logger
	LLM    llm.Client
	Router ToolRouter
	Model  string

	// MaxIterations caps tool-use rounds; zero means the default.
	MaxIterations int

	// Marker, when set, is appended to the final answer of any turn
	// that used tools.
	Marker string
}

// New creates a Loop from the config.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	return &Loop{
		logger:        logger,
		llm:           cfg.LLM,
		router:        cfg.Router,
		model:         cfg.Model,
		maxIterations: maxIter,
		marker:        cfg.Marker,
	}
}

// Run executes one turn over the given conversation. The final
// iteration beyond the cap withholds tool definitions so the model
// must answer from gathered context. A model completion failure is
// fatal to the turn; tool failures are fed back to the model as error
// payloads and the loop continues.
func (l *Loop) Run(ctx context.Context, messages []llm.Message) (*Result, error) {
	turnID := newTurnID()
	logger := l.logger.With("turn_id", turnID)

	toolDefs := buildToolDefs(l.router.Tools())
	result := &Result{}
	nudged := false

	for iteration := 0; iteration <= l.maxIterations; iteration++ {
		// The nudge retry is a plain finalize prompt: withholding tool
		// definitions there keeps the loop bounded even when the retry
		// reuses the final iteration slot.
		toolsEnabled := iteration < l.maxIterations && len(toolDefs) > 0 && !nudged

		var defs []map[string]any
		if toolsEnabled {
			defs = toolDefs
		}

		logger.Debug("model completion",
			"iteration", iteration,
			"messages", len(messages),
			"tools_enabled", toolsEnabled,
		)

		resp, err := l.llm.Chat(ctx, l.model, messages, defs)
		if err != nil {
			return nil, fmt.Errorf("model completion failed: %w", err)
		}
		result.Iterations++

		msg := resp.Message
		if !toolsEnabled && len(msg.ToolCalls) > 0 {
			// Tools are withheld, by the cap or by the nudge retry.
			// Whatever text came with the calls is the answer; the calls
			// themselves are ignored.
			logger.Warn("model requested tools while disabled, ignoring",
				"iteration", iteration,
				"calls", len(msg.ToolCalls),
			)
			msg.ToolCalls = nil
		}

		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" && !nudged {
				// One recovery attempt for an empty completion. The
				// retry reuses the iteration slot so a nudge on the
				// final pass still gets answered.
				nudged = true
				messages = append(messages, msg, llm.Message{
					Role:    "user",
					Content: finalizeNudge,
				})
				iteration--
				continue
			}
			result.Content = l.finalize(msg.Content, result.ToolsUsed)
			logger.Info("turn complete",
				"iterations", result.Iterations,
				"tool_calls", result.ToolCalls,
				"tools_used", result.ToolsUsed,
			)
			return result, nil
		}

		// Record the assistant's tool request, run the calls, and feed
		// each result back correlated by call ID.
		messages = append(messages, msg)
		results := l.executeCalls(ctx, logger, msg.ToolCalls)
		messages = append(messages, results...)

		result.ToolCalls += len(msg.ToolCalls)
		result.ToolsUsed = true
	}

	// Unreachable: the final pass runs without tools and always
	// returns above. Kept as a guard.
	return nil, fmt.Errorf("loop exceeded %d iterations without an answer", l.maxIterations)
}

// executeCalls runs the iteration's tool calls concurrently and
// returns one tool message per call, in the order the model issued
// them. Failures become JSON error payloads the model can react to.
func (l *Loop) executeCalls(ctx context.Context, logger *slog.Logger, calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()

			logger.Info("tool call",
				"tool", call.Function.Name,
				"call_id", call.ID,
			)

			content, err := l.router.CallTool(ctx, call.Function.Name, call.Function.Arguments)
			if err != nil {
				logger.Warn("tool call failed",
					"tool", call.Function.Name,
					"call_id", call.ID,
					"error", err,
				)
				content = errorPayload(err)
			}

			results[i] = llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			}
		}(i, call)
	}
	wg.Wait()

	return results
}

// finalize appends the tool-use marker to answers produced with tools.
func (l *Loop) finalize(content string, toolsUsed bool) string {
	if toolsUsed && l.marker != "" {
		return content + l.marker
	}
	return content
}

// errorPayload wraps a tool failure as JSON for the model.
func errorPayload(err error) string {
	data, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return `{"error": "tool call failed"}`
	}
	return string(data)
}

// buildToolDefs converts the catalog to OpenAI-style function
// definitions.
func buildToolDefs(tools []mcp.ToolDescriptor) []map[string]any {
	defs := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Description,
				"parameters":  schema,
			},
		})
	}
	return defs
}

// newTurnID returns a sortable unique ID for log correlation.
func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
