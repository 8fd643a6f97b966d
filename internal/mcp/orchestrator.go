package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ProviderSpec describes one configured provider: which transport to
// use, how to reach it, and the per-call deadline for its tools.
type ProviderSpec struct {
	// Name identifies the provider in logs, routing, and status output.
	Name string

	// Transport selects the adapter: "stdio" or "http".
	Transport string

	// Command, Args, and Env configure the stdio transport.
	Command string
	Args    []string
	Env     []string

	// URL, AuthToken, and Headers configure the HTTP transport.
	URL       string
	AuthToken string
	Headers   map[string]string

	// CallTimeout bounds each tools/call on this provider.
	CallTimeout time.Duration
}

// ProviderStatus is a point-in-time snapshot of one provider for
// health reporting.
type ProviderStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
}

// Orchestrator owns the full set of provider clients as one scoped
// resource. Connect brings every provider up and merges their tool
// catalogs; Close tears every provider down. Between the two, CallTool
// routes by tool name to the owning provider under its deadline.
type Orchestrator struct {
	logger *slog.Logger
	specs  []ProviderSpec

	mu      sync.Mutex
	clients []*Client
	timeout map[string]time.Duration
	catalog []ToolDescriptor
	routes  map[string]*Client
	closed  bool
}

// NewOrchestrator creates an orchestrator for the given provider specs.
// No connections are made until Connect.
func NewOrchestrator(specs []ProviderSpec, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:  logger,
		specs:   specs,
		timeout: make(map[string]time.Duration),
		routes:  make(map[string]*Client),
	}
}

// Connect brings up all configured providers concurrently: connect,
// handshake, and catalog fetch per provider. A provider that fails any
// step is logged and skipped; the remaining providers still serve.
// Catalogs merge in configured order, so on a duplicate tool name the
// later provider wins the route.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is closed")
	}
	o.mu.Unlock()

	type slot struct {
		client *Client
		tools  []ToolDescriptor
	}
	slots := make([]slot, len(o.specs))

	var wg sync.WaitGroup
	for i, spec := range o.specs {
		wg.Add(1)
		go func(i int, spec ProviderSpec) {
			defer wg.Done()

			client, tools, err := o.bringUp(ctx, spec)
			if err != nil {
				o.logger.Warn("provider failed to start, skipping",
					"provider", spec.Name,
					"error", err,
				)
				if client != nil {
					client.Close()
				}
				return
			}
			slots[i] = slot{client: client, tools: tools}
		}(i, spec)
	}
	wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()

	// Close may have run while bring-up was in flight. Registering the
	// clients now would strand them past the orchestrator's lifetime, so
	// tear them down instead.
	if o.closed {
		for _, s := range slots {
			if s.client != nil {
				s.client.Close()
			}
		}
		return fmt.Errorf("orchestrator closed during connect")
	}

	// Merge in configured order so duplicate handling is deterministic.
	for i, s := range slots {
		if s.client == nil {
			continue
		}
		o.clients = append(o.clients, s.client)
		o.timeout[s.client.Name()] = o.specs[i].CallTimeout

		for _, tool := range s.tools {
			if prev, ok := o.routes[tool.Name]; ok {
				o.logger.Warn("duplicate tool name, later provider wins",
					"tool", tool.Name,
					"previous_provider", prev.Name(),
					"provider", s.client.Name(),
				)
				for j := range o.catalog {
					if o.catalog[j].Name == tool.Name {
						o.catalog[j] = tool
						break
					}
				}
			} else {
				o.catalog = append(o.catalog, tool)
			}
			o.routes[tool.Name] = s.client
		}
	}

	o.logger.Info("providers connected",
		"providers", len(o.clients),
		"configured", len(o.specs),
		"tools", len(o.catalog),
	)
	return nil
}

// bringUp runs one provider through connect, initialize, and tools/list.
func (o *Orchestrator) bringUp(ctx context.Context, spec ProviderSpec) (*Client, []ToolDescriptor, error) {
	var transport Transport
	switch spec.Transport {
	case "stdio":
		transport = NewStdioTransport(StdioConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     spec.Env,
			Logger:  o.logger.With("provider", spec.Name),
		})
	case "http":
		transport = NewHTTPTransport(HTTPConfig{
			URL:       spec.URL,
			AuthToken: spec.AuthToken,
			Headers:   spec.Headers,
			Logger:    o.logger.With("provider", spec.Name),
		})
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", spec.Transport)
	}

	client := NewClient(spec.Name, transport, o.logger)

	if err := client.Connect(ctx); err != nil {
		return client, nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		return client, nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return client, nil, err
	}
	return client, tools, nil
}

// Tools returns a copy of the merged catalog.
func (o *Orchestrator) Tools() []ToolDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ToolDescriptor, len(o.catalog))
	copy(out, o.catalog)
	return out
}

// CallTool routes a call to the provider owning the named tool and
// bounds it with the provider's deadline. Hitting the deadline abandons
// the call; there is no retry.
func (o *Orchestrator) CallTool(ctx context.Context, tool string, args map[string]any) (string, error) {
	o.mu.Lock()
	client, ok := o.routes[tool]
	var timeout time.Duration
	if ok {
		timeout = o.timeout[client.Name()]
	}
	o.mu.Unlock()

	if !ok {
		return "", &UnknownToolError{Tool: tool}
	}
	if state := client.State(); state != StateReady {
		return "", &ProviderUnavailableError{Provider: client.Name(), Tool: tool, State: state}
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := client.CallTool(callCtx, tool, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &ToolTimeoutError{Provider: client.Name(), Tool: tool, Timeout: timeout}
		}
		return "", err
	}
	return result, nil
}

// Status reports every connected provider's state and tool count.
func (o *Orchestrator) Status() []ProviderStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]ProviderStatus, 0, len(o.clients))
	for _, c := range o.clients {
		out = append(out, ProviderStatus{
			Name:      c.Name(),
			State:     c.State().String(),
			ToolCount: len(c.Tools()),
		})
	}
	return out
}

// Close shuts down every provider. Errors are logged, not returned per
// provider; the first error is reported. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}
	o.closed = true

	var firstErr error
	for _, c := range o.clients {
		if err := c.Close(); err != nil {
			o.logger.Warn("error closing provider", "provider", c.Name(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
