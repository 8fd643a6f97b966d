// Relay is an orchestration gateway that puts tool providers behind a
// local model.
//
// It connects to MCP tool providers over stdio or streamable HTTP,
// merges their tool catalogs, and serves a chat API that runs a bounded
// tool-use loop against the configured model backend. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	relay serve              Start the API server
//	relay init [dir]         Write an example config file
//	relay version            Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/calderhq/relay/examples"
	"github.com/calderhq/relay/internal/agent"
	"github.com/calderhq/relay/internal/api"
	"github.com/calderhq/relay/internal/buildinfo"
	"github.com/calderhq/relay/internal/config"
	"github.com/calderhq/relay/internal/llm"
	"github.com/calderhq/relay/internal/mcp"
	"github.com/calderhq/relay/internal/session"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle stays testable.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals get in the way of calling run
// concurrently from tests, and the surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}
	if command == "" {
		command = "serve"
	}

	switch command {
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "init":
		return initConfig(stdout, cmdArgs)
	case "serve":
		return serve(ctx, stderr, configPath)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// initConfig writes the example config into dir (default ".") without
// overwriting an existing file.
func initConfig(stdout io.Writer, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `Relay %s

Usage:
  relay [flags] <command>

Commands:
  serve      Start the API server (default)
  init       Write an example config file to [dir]
  version    Print version and build information

Flags:
  -config <path>   Config file (default: search %v)
`, buildinfo.Version, config.DefaultSearchPaths())
	return nil
}

// serve wires the whole system together and runs until interrupted.
func serve(ctx context.Context, stderr io.Writer, configPath string) error {
	path, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", buildinfo.Version,
		"config", path,
		"model_provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session persistence.
	db, err := session.Open(cfg.Session.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := session.NewStore(db, cfg.Session.MaxTurns, logger)
	if err != nil {
		return err
	}

	// Tool providers. The orchestrator tolerates individual provider
	// failures; Close tears every provider down on any exit path.
	orch := mcp.NewOrchestrator(providerSpecs(cfg.Providers), logger)
	if err := orch.Connect(ctx); err != nil {
		return fmt.Errorf("connect providers: %w", err)
	}
	defer orch.Close()

	// Model backend.
	model, err := modelClient(cfg.Model)
	if err != nil {
		return err
	}

	loop := agent.New(agent.Config{
		Logger:        logger,
		LLM:           model,
		Router:        orch,
		Model:         cfg.Model.Name,
		MaxIterations: cfg.Agent.MaxIterations,
		Marker:        cfg.Agent.ToolMarker,
	})

	server := api.NewServer(api.Config{
		Logger:       logger,
		Loop:         loop,
		Store:        store,
		Providers:    orch,
		Model:        model,
		SystemPrompt: cfg.Agent.SystemPrompt,
		Marker:       cfg.Agent.ToolMarker,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	if err := server.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// providerSpecs maps config entries to orchestrator specs.
func providerSpecs(providers []config.ProviderConfig) []mcp.ProviderSpec {
	specs := make([]mcp.ProviderSpec, 0, len(providers))
	for _, p := range providers {
		specs = append(specs, mcp.ProviderSpec{
			Name:        p.Name,
			Transport:   p.Transport,
			Command:     p.Command,
			Args:        p.Args,
			Env:         p.Env,
			URL:         p.URL,
			AuthToken:   p.AuthToken,
			Headers:     p.Headers,
			CallTimeout: p.CallTimeout(),
		})
	}
	return specs
}

// modelClient builds the completion backend for the configured provider.
func modelClient(cfg config.ModelConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "ollama":
		return llm.NewOllamaClient(cfg.BaseURL), nil
	case "openrouter":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("model provider openrouter requires api_key")
		}
		return llm.NewOpenRouterClient(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q (valid: ollama, openrouter)", cfg.Provider)
	}
}
