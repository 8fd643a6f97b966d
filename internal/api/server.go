// Package api exposes the chat surface and health endpoint over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/calderhq/relay/internal/agent"
	"github.com/calderhq/relay/internal/buildinfo"
	"github.com/calderhq/relay/internal/llm"
	"github.com/calderhq/relay/internal/mcp"
	"github.com/calderhq/relay/internal/session"
)

// ProviderReporter exposes provider health for the healthz endpoint.
// Satisfied by mcp.Orchestrator.
type ProviderReporter interface {
	Status() []mcp.ProviderStatus
}

// Server handles chat requests by assembling history, running the
// agent loop, and persisting the exchange.
type Server struct {
	logger       *slog.Logger
	loop         *agent.Loop
	store        *session.Store
	providers    ProviderReporter
	model        llm.Client
	systemPrompt string
	marker       string

	httpServer *http.Server
}

// Config assembles a Server.
type Config struct {
	Logger    *slog.Logger
	Loop      *agent.Loop
	Store     *session.Store
	Providers ProviderReporter

	// Model, when set, is pinged by the healthz handler.
	Model llm.Client

	// SystemPrompt, when set, is prepended to every conversation.
	SystemPrompt string

	// Marker is the tool-use marker the loop appends; it is stripped
	// before responses are persisted so history stays clean.
	Marker string
}

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:       logger,
		loop:         cfg.Loop,
		store:        cfg.Store,
		providers:    cfg.Providers,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		marker:       cfg.Marker,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleClearSession)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	}
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID  string `json:"session_id"`
	Response   string `json:"response"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	ToolsUsed  bool   `json:"tools_used"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "session_id and message are required")
		return
	}

	ctx := r.Context()

	history, err := s.store.History(ctx, req.SessionID)
	if err != nil {
		s.logger.Error("failed to load history", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages := s.buildMessages(history, req.Message)

	result, err := s.loop.Run(ctx, messages)
	if err != nil {
		s.logger.Error("turn failed", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusBadGateway, "processing failed")
		return
	}

	// Persist after a successful turn. The marker stays out of history
	// so it never leaks into later model context.
	clean := strings.TrimSuffix(result.Content, s.marker)
	if err := s.store.AddTurn(ctx, req.SessionID, "user", req.Message); err != nil {
		s.logger.Error("failed to persist user turn", "session_id", req.SessionID, "error", err)
	} else if err := s.store.AddTurn(ctx, req.SessionID, "assistant", clean); err != nil {
		s.logger.Error("failed to persist assistant turn", "session_id", req.SessionID, "error", err)
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:  req.SessionID,
		Response:   result.Content,
		Iterations: result.Iterations,
		ToolCalls:  result.ToolCalls,
		ToolsUsed:  result.ToolsUsed,
	})
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Clear(r.Context(), id); err != nil {
		s.logger.Error("failed to clear session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to clear session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	var providers []mcp.ProviderStatus
	if s.providers != nil {
		providers = s.providers.Status()
	}

	modelStatus := "unconfigured"
	if s.model != nil {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.model.Ping(pingCtx); err != nil {
			s.logger.Warn("model backend unreachable", "error", err)
			modelStatus = "unreachable"
		} else {
			modelStatus = "ok"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"build":     buildinfo.Current(),
		"model":     modelStatus,
		"providers": providers,
	})
}

// buildMessages assembles the model conversation: system prompt,
// stored history, then the new user message.
func (s *Server) buildMessages(history []session.Turn, userMessage string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	if s.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: s.systemPrompt})
	}
	for _, turn := range history {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	return append(messages, llm.Message{Role: "user", Content: userMessage})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, context.Canceled) {
		slog.Default().Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
