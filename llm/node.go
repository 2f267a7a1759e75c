package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	nerve "github.com/nerveworks/nerve"
)

// Provider endpoints and defaults per flavor.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	GLMBaseURL        = "https://api.z.ai/api/paas/v4"

	defaultRequestTimeout = 2 * time.Minute
)

// Node is the stateless LLM node: each execute is one request to an
// OpenAI-compatible chat endpoint. Ephemeral from the protocol's point
// of view — it owns only a lazily-built HTTP pool. Execute never
// returns a Go error: every failure is classified into the result.
type Node struct {
	id       string
	provider string // "openrouter" or "glm"
	model    string
	client   *Client
	// defaults are provider-specific body defaults merged under the
	// caller's extra parameters.
	defaults map[string]any
}

// NodeOption configures an LLM node.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	baseURL  string
	timeout  time.Duration
	debugDir string
	thinking *bool
	retries  int
	headers  map[string]string
}

// WithBaseURL overrides the provider's default endpoint.
func WithBaseURL(u string) NodeOption {
	return func(c *nodeConfig) { c.baseURL = u }
}

// WithTimeout sets the per-request timeout (default 2m).
func WithTimeout(d time.Duration) NodeOption {
	return func(c *nodeConfig) { c.timeout = d }
}

// WithDebug dumps request/response bodies under dir.
func WithDebug(dir string) NodeOption {
	return func(c *nodeConfig) { c.debugDir = dir }
}

// WithThinking toggles GLM's reasoning mode. Ignored by OpenRouter.
func WithThinking(on bool) NodeOption {
	return func(c *nodeConfig) { c.thinking = &on }
}

// WithRetries sets the transient-failure retry cap.
func WithRetries(n int) NodeOption {
	return func(c *nodeConfig) { c.retries = n }
}

// WithNodeHeader adds a header to every request.
func WithNodeHeader(k, v string) NodeOption {
	return func(c *nodeConfig) {
		if c.headers == nil {
			c.headers = make(map[string]string)
		}
		c.headers[k] = v
	}
}

// NewOpenRouter creates a stateless node against the OpenRouter API.
func NewOpenRouter(id, apiKey, model string, opts ...NodeOption) *Node {
	cfg := applyNodeOptions(opts)
	if cfg.baseURL == "" {
		cfg.baseURL = OpenRouterBaseURL
	}
	return &Node{
		id:       id,
		provider: "openrouter",
		model:    model,
		client:   cfg.buildClient(apiKey),
		defaults: map[string]any{},
	}
}

// NewGLM creates a stateless node against the GLM API. Reasoning mode
// is injected as a body default and can be overridden per call.
func NewGLM(id, apiKey, model string, opts ...NodeOption) *Node {
	cfg := applyNodeOptions(opts)
	if cfg.baseURL == "" {
		cfg.baseURL = GLMBaseURL
	}
	defaults := map[string]any{}
	if cfg.thinking != nil {
		mode := "disabled"
		if *cfg.thinking {
			mode = "enabled"
		}
		defaults["thinking"] = map[string]any{"type": mode}
	}
	return &Node{
		id:       id,
		provider: "glm",
		model:    model,
		client:   cfg.buildClient(apiKey),
		defaults: defaults,
	}
}

func applyNodeOptions(opts []NodeOption) *nodeConfig {
	cfg := &nodeConfig{timeout: defaultRequestTimeout, retries: defaultMaxRetries}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *nodeConfig) buildClient(apiKey string) *Client {
	clientOpts := []ClientOption{
		WithClientTimeout(c.timeout),
		WithMaxRetries(c.retries),
	}
	if c.debugDir != "" {
		clientOpts = append(clientOpts, WithDebugDir(c.debugDir))
	}
	for k, v := range c.headers {
		clientOpts = append(clientOpts, WithHeader(k, v))
	}
	return NewClient(c.baseURL, apiKey, clientOpts...)
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Type() string { return n.provider }

// Model returns the configured model name.
func (n *Node) Model() string { return n.model }

// Client returns the underlying chat client. The chat node reuses it
// for its inner requests.
func (n *Node) Client() *Client { return n.client }

// BuildRequest converts an execute input into a chat request. Three
// shapes are accepted: a plain string (one user message), a message
// list, and a full request object with a "messages" key whose sibling
// parameters override the provider defaults.
func (n *Node) BuildRequest(input any) (ChatRequest, error) {
	req := ChatRequest{Model: n.model}
	if len(n.defaults) > 0 {
		req.Extra = make(map[string]any, len(n.defaults))
		for k, v := range n.defaults {
			req.Extra[k] = v
		}
	}

	switch v := input.(type) {
	case string:
		req.Messages = []Message{UserMessage(v)}
	case []Message:
		req.Messages = v
	case []any:
		msgs, err := coerceMessages(v)
		if err != nil {
			return req, err
		}
		req.Messages = msgs
	case map[string]any:
		rawMsgs, ok := v["messages"]
		if !ok {
			return req, fmt.Errorf("request object has no messages key")
		}
		list, ok := rawMsgs.([]any)
		if !ok {
			return req, fmt.Errorf("messages must be a list")
		}
		msgs, err := coerceMessages(list)
		if err != nil {
			return req, err
		}
		req.Messages = msgs
		for k, val := range v {
			if k == "messages" {
				continue
			}
			if req.Extra == nil {
				req.Extra = make(map[string]any)
			}
			req.Extra[k] = val
		}
	default:
		return req, fmt.Errorf("unsupported input type %T", input)
	}
	if len(req.Messages) == 0 {
		return req, fmt.Errorf("request has no messages")
	}
	return req, nil
}

// coerceMessages converts loosely-typed message maps (as decoded from
// JSON) into typed messages.
func coerceMessages(list []any) ([]Message, error) {
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	return msgs, nil
}

// Execute issues one chat request. The result carries the assistant
// content as output and usage, model, finish_reason, retries, and
// trace_id attributes.
func (n *Node) Execute(ctx context.Context, ec *nerve.ExecutionContext) nerve.Result {
	req, err := n.BuildRequest(ec.Input)
	if err != nil {
		return failInput(n, ec.Input, nerve.ErrInvalidRequest, err.Error())
	}
	if ec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ec.Timeout)
		defer cancel()
	}

	resp, retries, traceID, err := n.Chat(ctx, req, ec)
	if err != nil {
		res := failInput(n, ec.Input, nerve.ClassifyError(err), err.Error())
		res.Attributes["retries"] = retries
		res.Attributes["trace_id"] = traceID
		return res
	}

	res := nerve.Result{
		Success:  true,
		NodeType: n.Type(),
		NodeID:   n.id,
		Input:    ec.Input,
		Output:   resp.Content(),
		Attributes: map[string]any{
			"model":         resp.Model,
			"finish_reason": resp.FinishReason(),
			"retries":       retries,
			"trace_id":      traceID,
		},
	}
	if resp.Usage != nil {
		res.Attributes["usage"] = *resp.Usage
		ec.Budget.AddTokens(int64(resp.Usage.TotalTokens))
	}
	return res
}

// Chat issues the request through the retrying client, logging the
// trace entry keyed by the reproducible trace id.
func (n *Node) Chat(ctx context.Context, req ChatRequest, ec *nerve.ExecutionContext) (*ChatResponse, int, string, error) {
	resp, retries, traceID, err := n.client.Chat(ctx, req)
	if ec != nil && ec.RunLogger != nil {
		if err != nil {
			ec.RunLogger.Warn("llm_request_failed",
				"node", n.id, "provider", n.provider, "model", n.model,
				"trace_id", traceID, "retries", retries, "error", err)
		} else {
			ec.RunLogger.Debug("llm_request",
				"node", n.id, "provider", n.provider, "model", n.model,
				"trace_id", traceID, "retries", retries)
		}
	}
	return resp, retries, traceID, err
}

func (n *Node) Interrupt()  {}
func (n *Node) Stop() error { return nil }

func (n *Node) Info() nerve.NodeInfo {
	return nerve.NodeInfo{
		ID:         n.id,
		Type:       n.Type(),
		State:      nerve.StateReady,
		Persistent: false,
		Metadata:   map[string]any{"model": n.model},
	}
}

func failInput(n *Node, input any, errType, msg string) nerve.Result {
	return nerve.Result{
		NodeType:   n.Type(),
		NodeID:     n.id,
		Input:      input,
		Error:      msg,
		ErrorType:  errType,
		Attributes: map[string]any{},
	}
}

var _ nerve.Node = (*Node)(nil)
