package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeProvider serves a minimal MCP endpoint over HTTP for
// orchestrator tests.
type fakeProvider struct {
	name      string
	tools     []string
	callDelay time.Duration
	calls     []string

	// gate, when set, blocks initialize until the channel closes.
	gate chan struct{}
}

func (p *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if msg.ID == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		switch msg.Method {
		case "initialize":
			if p.gate != nil {
				<-p.gate
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":%q,"version":"0.1.0"},"capabilities":{}}}`, *msg.ID, p.name)
		case "tools/list":
			tools := make([]map[string]any, 0, len(p.tools))
			for _, name := range p.tools {
				tools = append(tools, map[string]any{"name": name, "description": "tool " + name})
			}
			result, _ := json.Marshal(map[string]any{"tools": tools})
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":%s}`, *msg.ID, result)
		case "tools/call":
			p.calls = append(p.calls, msg.Params.Name)
			if p.callDelay > 0 {
				time.Sleep(p.callDelay)
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"result from %s"}]}}`, *msg.ID, p.name)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"method not found"}}`, *msg.ID)
		}
	})
}

func specFor(t *testing.T, p *fakeProvider) ProviderSpec {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	return ProviderSpec{
		Name:        p.name,
		Transport:   "http",
		URL:         srv.URL,
		CallTimeout: 5 * time.Second,
	}
}

func TestOrchestratorConnectAndRoute(t *testing.T) {
	alpha := &fakeProvider{name: "alpha", tools: []string{"read_file", "write_file"}}
	beta := &fakeProvider{name: "beta", tools: []string{"search"}}

	o := NewOrchestrator([]ProviderSpec{specFor(t, alpha), specFor(t, beta)}, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer o.Close()

	tools := o.Tools()
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(tools))
	}

	got, err := o.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "result from beta" {
		t.Errorf("CallTool = %q", got)
	}
	if len(beta.calls) != 1 || beta.calls[0] != "search" {
		t.Errorf("beta received calls %v", beta.calls)
	}
	if len(alpha.calls) != 0 {
		t.Errorf("alpha received calls %v", alpha.calls)
	}
}

func TestOrchestratorDuplicateToolLastWins(t *testing.T) {
	first := &fakeProvider{name: "first", tools: []string{"search"}}
	second := &fakeProvider{name: "second", tools: []string{"search"}}

	o := NewOrchestrator([]ProviderSpec{specFor(t, first), specFor(t, second)}, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer o.Close()

	// One catalog entry, routed to the later provider.
	tools := o.Tools()
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	if tools[0].Provider != "second" {
		t.Errorf("catalog entry provider = %q, want second", tools[0].Provider)
	}

	got, err := o.CallTool(context.Background(), "search", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got != "result from second" {
		t.Errorf("CallTool = %q, want routed to second", got)
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	good := &fakeProvider{name: "good", tools: []string{"search"}}
	specs := []ProviderSpec{
		{
			Name:      "broken",
			Transport: "stdio",
			Command:   "/nonexistent/provider",
		},
		specFor(t, good),
	}

	o := NewOrchestrator(specs, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer o.Close()

	if len(o.Tools()) != 1 {
		t.Fatalf("got %d tools, want 1 from the surviving provider", len(o.Tools()))
	}

	status := o.Status()
	if len(status) != 1 || status[0].Name != "good" {
		t.Errorf("Status = %+v", status)
	}
}

func TestOrchestratorUnknownTool(t *testing.T) {
	o := NewOrchestrator(nil, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer o.Close()

	_, err := o.CallTool(context.Background(), "missing", nil)
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("error = %T (%v), want *UnknownToolError", err, err)
	}
	if unknown.Tool != "missing" {
		t.Errorf("Tool = %q", unknown.Tool)
	}
}

func TestOrchestratorCallTimeout(t *testing.T) {
	slow := &fakeProvider{name: "slow", tools: []string{"dig"}, callDelay: 2 * time.Second}
	spec := specFor(t, slow)
	spec.CallTimeout = 100 * time.Millisecond

	o := NewOrchestrator([]ProviderSpec{spec}, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer o.Close()

	start := time.Now()
	_, err := o.CallTool(context.Background(), "dig", nil)
	elapsed := time.Since(start)

	var timeout *ToolTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("error = %T (%v), want *ToolTimeoutError", err, err)
	}
	if timeout.Provider != "slow" || timeout.Tool != "dig" {
		t.Errorf("timeout error = %+v", timeout)
	}
	if elapsed > time.Second {
		t.Errorf("call took %s, should abandon at the deadline", elapsed)
	}
}

func TestOrchestratorCloseDuringConnect(t *testing.T) {
	// Close lands while the handshake is still in flight. The late
	// bring-up must not register clients on a closed orchestrator.
	p := &fakeProvider{name: "p", tools: []string{"t"}, gate: make(chan struct{})}
	o := NewOrchestrator([]ProviderSpec{specFor(t, p)}, nil)

	connectErr := make(chan error, 1)
	go func() { connectErr <- o.Connect(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(p.gate)

	if err := <-connectErr; err == nil {
		t.Fatal("Connect finishing after Close must report an error")
	}
	if tools := o.Tools(); len(tools) != 0 {
		t.Errorf("catalog has %d tools, want none after close", len(tools))
	}
	if status := o.Status(); len(status) != 0 {
		t.Errorf("Status = %+v, want no registered providers", status)
	}
}

func TestOrchestratorCloseIdempotent(t *testing.T) {
	p := &fakeProvider{name: "p", tools: []string{"t"}}
	o := NewOrchestrator([]ProviderSpec{specFor(t, p)}, nil)
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Calls after close fail as unavailable.
	_, err := o.CallTool(context.Background(), "t", nil)
	var unavailable *ProviderUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("error = %T (%v), want *ProviderUnavailableError", err, err)
	}
}
