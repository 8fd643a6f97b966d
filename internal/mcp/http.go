package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/calderhq/relay/internal/httpkit"
)

// sessionHeader carries the provider-assigned session identifier.
// Once a provider issues one, every subsequent request echoes it back
// so the provider can pin conversation state to the connection.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// URL is the provider endpoint. All requests are POSTed here.
	URL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Headers are additional headers applied to every request.
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with a provider over streamable HTTP.
// Requests are POSTed as JSON; responses arrive either as a plain JSON
// body or as a server-sent event stream, in which case the first
// complete response frame wins and the rest of the stream is discarded.
type HTTPTransport struct {
	config HTTPConfig
	logger *slog.Logger
	client *http.Client

	mu        sync.Mutex
	sessionID string
	closed    bool
}

// NewHTTPTransport creates a streamable HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		config: cfg,
		logger: logger,
		// Per-request deadlines come from the caller's context, so the
		// client itself carries no timeout.
		client: httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger)),
	}
}

// Start prepares the transport. No connection is established up front;
// streamable HTTP is request-scoped and the first real exchange is the
// initialize call.
func (t *HTTPTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}
	return nil
}

// Send POSTs a JSON-RPC request and decodes the response, following
// either the plain JSON or the SSE content type.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	t.logger.Log(ctx, levelTrace, "http frame out", "frame", string(body))

	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, detail)
	}

	t.captureSession(resp)

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.readEventStream(resp)
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, nil
}

// Notify POSTs a JSON-RPC notification. Providers acknowledge
// notifications with 202 Accepted (or 200); any body is discarded.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, detail)
	}

	t.captureSession(resp)
	return nil
}

// Close marks the transport closed. There is no persistent connection
// to tear down; subsequent sends fail fast. Close is idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	t.client.CloseIdleConnections()
	return nil
}

// post builds and executes a request with the protocol headers and the
// session identifier, if one has been assigned.
func (t *HTTPTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport closed")
	}
	session := t.sessionID
	t.mu.Unlock()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if t.config.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if session != "" {
		httpReq.Header.Set(sessionHeader, session)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post to %s: %w", t.config.URL, err)
	}
	return resp, nil
}

// captureSession records the session identifier from a response header.
func (t *HTTPTransport) captureSession(resp *http.Response) {
	id := resp.Header.Get(sessionHeader)
	if id == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessionID != id {
		t.logger.Debug("provider assigned session", "session_id", id)
		t.sessionID = id
	}
}

// readEventStream scans SSE data frames until a complete JSON-RPC
// response appears. Frames may hold a single object or a batch array;
// the first frame containing a result or error is the response.
func (t *HTTPTransport) readEventStream(resp *http.Response) (*Response, error) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Event names, comments, and blank separators.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		if rpcResp := decodeStreamFrame([]byte(data)); rpcResp != nil {
			return rpcResp, nil
		}
		t.logger.Debug("skipping non-response event frame", "frame", data)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

// decodeStreamFrame decodes one SSE data payload into a JSON-RPC
// response. Returns nil for frames that are not responses, such as
// server-side notifications interleaved in the stream.
func decodeStreamFrame(data []byte) *Response {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var batch []Response
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil
		}
		for i := range batch {
			if batch[i].Result != nil || batch[i].Error != nil {
				return &batch[i]
			}
		}
		return nil
	}

	var rpcResp Response
	if err := json.Unmarshal(trimmed, &rpcResp); err != nil {
		return nil
	}
	if rpcResp.Result == nil && rpcResp.Error == nil {
		return nil
	}
	return &rpcResp
}
