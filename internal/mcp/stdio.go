package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGraceTimeout is how long a subprocess gets to exit after its
// stdin is closed before it is killed.
const stopGraceTimeout = 5 * time.Second

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with a provider running as a subprocess.
// JSON-RPC messages are newline-delimited on stdin/stdout; the
// subprocess's stderr is drained for diagnostics and never parsed for
// protocol data.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan readResult
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is spawned by Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// Start launches the subprocess. The subprocess lifecycle is
// independent of call contexts: it survives individual request
// timeouts and is only terminated by Close or a failed write/read.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil && t.cmd.ProcessState == nil {
		// Process is still running.
		return nil
	}

	t.logger.Info("starting provider subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging. It is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan readResult, 16)

	// One reader goroutine owns stdout for the life of the subprocess.
	// Send receives from the channel instead of reading the pipe, so an
	// abandoned request leaves the pipe intact.
	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20), t.lines) // 1 MiB buffer for large responses

	// Drain stderr in the background.
	go t.drainStderr(stderrPipe)

	t.logger.Info("provider subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("provider subprocess stderr", "line", scanner.Text())
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// readLoop forwards stdout lines to ch until the pipe errors, which
// happens when the subprocess exits or Close tears it down.
func (t *StdioTransport) readLoop(reader *bufio.Reader, ch chan readResult) {
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			select {
			case ch <- readResult{err: err}:
			default:
			}
			return
		}
		ch <- readResult{line: line}
	}
}

// Send writes a JSON-RPC request to stdin and waits for the matching
// response from the reader goroutine. The mutex serializes access
// since stdio is inherently sequential. When ctx expires the request
// is abandoned but the subprocess keeps running; a reply that arrives
// late is discarded by the id check on the next call.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return nil, fmt.Errorf("transport not started")
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, levelTrace, "stdio frame out", "frame", string(data))

	// Write request + newline delimiter.
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	// The subprocess may emit notifications, or stale replies to
	// abandoned requests, before the actual response. Loop until a
	// matching ID arrives.
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-t.lines:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from subprocess",
					"line", string(res.line),
				)
				continue
			}

			if resp.ID == req.ID {
				t.logger.Log(ctx, levelTrace, "stdio frame in", "frame", string(res.line))
				return &resp, nil
			}

			// Server-initiated notifications and late replies to
			// abandoned requests carry no matching ID.
			t.logger.Debug("skipping unmatched message from subprocess", "id", resp.ID)
		}
	}
}

// Notify writes a JSON-RPC notification to stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd == nil {
		return fmt.Errorf("transport not started")
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}

	return nil
}

// Close terminates the subprocess and releases resources. Closing a
// transport that was never started, or closing twice, is a no-op.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stop()
}

// stop requests graceful termination by closing stdin, then kills the
// subprocess after stopGraceTimeout. Caller must hold t.mu.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping provider subprocess", "pid", t.cmd.Process.Pid)

	// Close stdin to signal the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(stopGraceTimeout):
		t.logger.Warn("provider subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}

// cleanup resets the process state after a failure. Caller must hold t.mu.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
}
