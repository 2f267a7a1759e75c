package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	nerve "github.com/nerveworks/nerve"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	defaultMaxDelay   = 30 * time.Second
)

// Client issues chat-completion requests against any OpenAI-compatible
// endpoint with retry on transient statuses (429, 500, 502, 503, 504).
// The HTTP transport is created lazily and guarded so only one pool
// exists even on concurrent first uses.
type Client struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	timeout    time.Duration
	debugDir   string
	logger     *slog.Logger

	httpOnce chan struct{} // 1-buffered init lock
	http     *http.Client
	// transport overrides the default transport in tests.
	transport http.RoundTripper
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHeader adds a header sent on every request.
func WithHeader(k, v string) ClientOption {
	return func(c *Client) { c.headers[k] = v }
}

// WithMaxRetries sets the retry attempt cap (default 3).
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay (default 1s). Each retry
// doubles it, capped by WithMaxDelay.
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.baseDelay = d }
}

// WithMaxDelay caps the backoff curve (default 30s).
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.maxDelay = d }
}

// WithClientTimeout sets the per-request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithDebugDir dumps each request and response body as JSON files named
// by trace id under dir.
func WithDebugDir(dir string) ClientOption {
	return func(c *Client) { c.debugDir = dir }
}

// WithClientLogger sets the structured logger for retry events.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTransport overrides the HTTP transport. Used by tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) { c.transport = rt }
}

// NewClient creates a chat client for baseURL. The /chat/completions
// path is appended automatically.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		headers:    make(map[string]string),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		httpOnce:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// TraceID derives a reproducible id from the request body. Identical
// bodies hash identically, so retried and replayed requests correlate.
func TraceID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

// client returns the lazily-built HTTP client.
func (c *Client) client() *http.Client {
	c.httpOnce <- struct{}{}
	defer func() { <-c.httpOnce }()
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout, Transport: c.transport}
	}
	return c.http
}

// Chat sends a chat-completion request, retrying transient failures
// with exponential backoff (base · 2^attempt, capped, Retry-After as a
// floor). Returns the parsed response, the retry count, and the trace
// id. Non-retryable statuses and non-HTTP errors short-circuit.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, int, string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, 0, "", fmt.Errorf("marshal request: %w", err)
	}
	traceID := TraceID(payload)
	c.debugDump(traceID+"-request.json", payload)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay(attempt-1, lastErr)
			c.logger.Warn("retrying transient error",
				"status", statusOf(lastErr),
				"attempt", attempt,
				"max_retries", c.maxRetries,
				"delay_ms", delay.Milliseconds(),
				"trace_id", traceID)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt - 1, traceID, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := c.send(ctx, payload)
		if err == nil {
			c.debugDumpResponse(traceID, resp)
			return resp, attempt, traceID, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, attempt, traceID, err
		}
	}
	c.logger.Error("all retry attempts exhausted",
		"attempts", c.maxRetries+1, "trace_id", traceID, "error", lastErr)
	return nil, c.maxRetries, traceID, lastErr
}

// send issues one POST and parses the body.
func (c *Client) send(ctx context.Context, payload []byte) (*ChatResponse, error) {
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, &nerve.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: nerve.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &chatResp, nil
}

// retryDelay computes base · 2^attempt capped at maxDelay, with the
// server's Retry-After as a floor when present.
func (c *Client) retryDelay(attempt int, err error) time.Duration {
	d := c.baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.maxDelay {
			d = c.maxDelay
			break
		}
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	var he *nerve.ErrHTTP
	if errors.As(err, &he) && he.RetryAfter > d {
		return he.RetryAfter
	}
	return d
}

// isRetryable reports whether err is a transient HTTP failure.
func isRetryable(err error) bool {
	var he *nerve.ErrHTTP
	if !errors.As(err, &he) {
		return false
	}
	switch he.Status {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func statusOf(err error) int {
	var he *nerve.ErrHTTP
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

func (c *Client) debugDump(name string, body []byte) {
	if c.debugDir == "" {
		return
	}
	_ = os.MkdirAll(c.debugDir, 0o755)
	_ = os.WriteFile(filepath.Join(c.debugDir, name), body, 0o644)
}

func (c *Client) debugDumpResponse(traceID string, resp *ChatResponse) {
	if c.debugDir == "" {
		return
	}
	body, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return
	}
	c.debugDump(traceID+"-response.json", body)
}
