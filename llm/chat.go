package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	nerve "github.com/nerveworks/nerve"
)

// defaultMaxToolRounds caps the tool-call loop of one chat turn.
const defaultMaxToolRounds = 8

// ToolExecutor resolves a tool name and arguments to a string result.
// Per-call errors are captured into tool-result messages, not fatal to
// the turn.
type ToolExecutor interface {
	// Tools returns the catalogue presented to the model.
	Tools() []Tool
	// ExecuteTool runs one tool call.
	ExecuteTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// ChatNode is the stateful LLM node: it wraps a stateless node and
// maintains a conversation message list, a system prompt, a tool
// catalogue, and a tool-call loop. Persistent.
type ChatNode struct {
	id    string
	inner *Node

	mu            sync.Mutex
	messages      []Message
	system        string
	executor      ToolExecutor
	maxToolRounds int
	toolChoice    any
	parallelTools *bool
	stopped       bool
}

// ChatOption configures a ChatNode.
type ChatOption func(*ChatNode)

// WithSystem sets the system prompt, sent as the first message of
// every request.
func WithSystem(prompt string) ChatOption {
	return func(n *ChatNode) { n.system = prompt }
}

// WithToolExecutor mounts the tool catalogue and executor.
func WithToolExecutor(ex ToolExecutor) ChatOption {
	return func(n *ChatNode) { n.executor = ex }
}

// WithMaxToolRounds caps the tool loop (default 8).
func WithMaxToolRounds(n int) ChatOption {
	return func(c *ChatNode) { c.maxToolRounds = n }
}

// WithToolChoice sets the request's tool_choice parameter ("auto",
// "required", or a specific function selector).
func WithToolChoice(v any) ChatOption {
	return func(n *ChatNode) { n.toolChoice = v }
}

// WithParallelToolCalls sets the request's parallel_tool_calls flag.
func WithParallelToolCalls(on bool) ChatOption {
	return func(n *ChatNode) { n.parallelTools = &on }
}

// NewChatNode creates a stateful chat node over a stateless inner node.
func NewChatNode(id string, inner *Node, opts ...ChatOption) *ChatNode {
	n := &ChatNode{id: id, inner: inner, maxToolRounds: defaultMaxToolRounds}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *ChatNode) ID() string   { return n.id }
func (n *ChatNode) Type() string { return "llm_chat" }

// Messages returns a copy of the conversation history.
func (n *ChatNode) Messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Message, len(n.messages))
	copy(out, n.messages)
	return out
}

// Clear empties the conversation history. The system prompt survives.
func (n *ChatNode) Clear() {
	n.mu.Lock()
	n.messages = nil
	n.mu.Unlock()
}

// Execute performs one chat turn: append the input as a user message,
// loop model calls and tool executions up to the round cap, and return
// the final assistant content. Concurrent executes on the same node are
// serialized by the caller; the internal mutex only protects the
// message list against readers.
func (n *ChatNode) Execute(ctx context.Context, ec *nerve.ExecutionContext) nerve.Result {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return n.fail(ec.Input, nerve.ErrNodeStopped, "chat node is stopped")
	}
	if ec.Input != nil {
		text, ok := ec.Input.(string)
		if !ok {
			n.mu.Unlock()
			return n.fail(ec.Input, nerve.ErrInvalidRequest, "chat input must be a string")
		}
		n.messages = append(n.messages, UserMessage(text))
	}
	n.mu.Unlock()

	_, span := startChatSpan(ctx, ec, n.id)
	defer span.End()

	var totalUsage Usage
	toolRounds := 0
	for round := 0; round < n.maxToolRounds; round++ {
		req := n.buildTurnRequest()
		resp, retries, traceID, err := n.inner.Chat(ctx, req, ec)
		if err != nil {
			res := n.fail(ec.Input, nerve.ClassifyError(err), err.Error())
			res.Attributes["retries"] = retries
			res.Attributes["trace_id"] = traceID
			span.Error(err)
			return res
		}
		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			ec.Budget.AddTokens(int64(resp.Usage.TotalTokens))
		}

		assistant := resp.AssistantMessage()
		n.mu.Lock()
		n.messages = append(n.messages, assistant)
		n.mu.Unlock()

		if len(assistant.ToolCalls) == 0 || n.executor == nil {
			res := nerve.Result{
				Success:  true,
				NodeType: n.Type(),
				NodeID:   n.id,
				Input:    ec.Input,
				Output:   assistant.Content,
				Attributes: map[string]any{
					"usage":         totalUsage,
					"model":         n.inner.Model(),
					"finish_reason": resp.FinishReason(),
					"tool_rounds":   toolRounds,
				},
			}
			return res
		}

		toolRounds++
		for _, tc := range assistant.ToolCalls {
			out, err := n.executor.ExecuteTool(ctx, tc.Function.Name, json.RawMessage(tc.Function.Arguments))
			if err != nil {
				out = fmt.Sprintf("tool error: %v", err)
				ec.RunLogger.Warn("tool_call_failed",
					"node", n.id, "tool", tc.Function.Name, "error", err)
			}
			n.mu.Lock()
			n.messages = append(n.messages, Message{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
			n.mu.Unlock()
		}
	}

	res := n.fail(ec.Input, nerve.ErrInternal, "max tool rounds reached")
	res.Attributes["usage"] = totalUsage
	res.Attributes["tool_rounds"] = toolRounds
	return res
}

// buildTurnRequest assembles the request for one loop iteration:
// system prompt first, the full history, and the tool catalogue.
func (n *ChatNode) buildTurnRequest() ChatRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := make([]Message, 0, len(n.messages)+1)
	if n.system != "" {
		msgs = append(msgs, SystemMessage(n.system))
	}
	msgs = append(msgs, n.messages...)

	req := ChatRequest{Model: n.inner.Model(), Messages: msgs}
	if n.executor != nil {
		req.Tools = n.executor.Tools()
		if n.toolChoice != nil {
			req.ToolChoice = n.toolChoice
		}
		req.ParallelToolCalls = n.parallelTools
	}
	if len(n.inner.defaults) > 0 {
		req.Extra = make(map[string]any, len(n.inner.defaults))
		for k, v := range n.inner.defaults {
			req.Extra[k] = v
		}
	}
	return req
}

func (n *ChatNode) Interrupt() {}

// Stop marks the node stopped; later executes fail with node_stopped.
func (n *ChatNode) Stop() error {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	return nil
}

func (n *ChatNode) Info() nerve.NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	state := nerve.StateReady
	if n.stopped {
		state = nerve.StateStopped
	}
	return nerve.NodeInfo{
		ID:         n.id,
		Type:       n.Type(),
		State:      state,
		Persistent: true,
		Metadata: map[string]any{
			"model":    n.inner.Model(),
			"provider": n.inner.Type(),
			"messages": len(n.messages),
		},
	}
}

// conversationFile is the serialized conversation schema for Save/Load.
type conversationFile struct {
	Version  int       `json:"version"`
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
}

// Save serializes the conversation (system prompt and messages) to
// path as indented JSON.
func (n *ChatNode) Save(path string) error {
	n.mu.Lock()
	file := conversationFile{Version: 1, System: n.system, Messages: n.messages}
	n.mu.Unlock()
	body, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return os.WriteFile(path, body, 0o644)
}

// Load replaces the conversation with the one serialized at path.
func (n *ChatNode) Load(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file conversationFile
	if err := json.Unmarshal(body, &file); err != nil {
		return fmt.Errorf("parse conversation: %w", err)
	}
	if file.Version != 1 {
		return fmt.Errorf("unsupported conversation version %d", file.Version)
	}
	n.mu.Lock()
	n.system = file.System
	n.messages = file.Messages
	n.mu.Unlock()
	return nil
}

func (n *ChatNode) fail(input any, errType, msg string) nerve.Result {
	return nerve.Result{
		NodeType:   n.Type(),
		NodeID:     n.id,
		Input:      input,
		Error:      msg,
		ErrorType:  errType,
		Attributes: map[string]any{},
	}
}

// startChatSpan opens a chat.turn span when the session has a tracer.
func startChatSpan(ctx context.Context, ec *nerve.ExecutionContext, nodeID string) (context.Context, nerve.Span) {
	if ec.Session == nil || ec.Session.Tracer() == nil {
		return ctx, noopSpan{}
	}
	return ec.Session.Tracer().Start(ctx, "chat.turn", nerve.StringAttr("node.id", nodeID))
}

type noopSpan struct{}

func (noopSpan) SetAttr(...nerve.SpanAttr)       {}
func (noopSpan) Event(string, ...nerve.SpanAttr) {}
func (noopSpan) Error(error)                     {}
func (noopSpan) End()                            {}

var _ nerve.Node = (*ChatNode)(nil)
