package nerve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultClaudeTimeout bounds one Claude turn. Agentic turns run long.
const defaultClaudeTimeout = 5 * time.Minute

// BackendFactory builds a terminal backend for a launch command. The
// claude node uses it both at creation and when forking.
type BackendFactory func(command string) (TerminalBackend, error)

// ClaudeTerminalNode wraps a terminal node running the Claude CLI. It
// serializes executes, pins the CLI session uuid in the launch command,
// and can fork the conversation into a sibling node.
type ClaudeTerminalNode struct {
	term        *TerminalNode
	command     string
	sessionUUID string
	factory     BackendFactory

	// execMu serializes turns; the CLI cannot take a second input
	// while a turn is in flight.
	execMu sync.Mutex
}

// ClaudeOption configures a ClaudeTerminalNode.
type ClaudeOption func(*claudeConfig)

type claudeConfig struct {
	timeout time.Duration
	meta    map[string]any
}

// WithClaudeTimeout overrides the default 5m turn timeout.
func WithClaudeTimeout(d time.Duration) ClaudeOption {
	return func(c *claudeConfig) { c.timeout = d }
}

func withClaudeMetadata(meta map[string]any) ClaudeOption {
	return func(c *claudeConfig) {
		for k, v := range meta {
			c.meta[k] = v
		}
	}
}

// NewClaudeTerminalNode creates a Claude node. The command must invoke
// the claude CLI; it is normalized to carry exactly one --session-id
// with a valid uuid (injected when absent) so the conversation can be
// resumed and forked later. The node is not started.
func NewClaudeTerminalNode(id string, session *Session, command string, parser Parser, factory BackendFactory, opts ...ClaudeOption) (*ClaudeTerminalNode, error) {
	if !strings.Contains(strings.ToLower(command), "claude") {
		return nil, fmt.Errorf("command %q does not invoke claude", command)
	}
	cfg := &claudeConfig{timeout: defaultClaudeTimeout, meta: map[string]any{}}
	for _, opt := range opts {
		opt(cfg)
	}

	normalized, sessionUUID := NormalizeSessionCommand(command)
	backend, err := factory(normalized)
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}

	meta := map[string]any{
		"command":      normalized,
		"session_uuid": sessionUUID,
	}
	for k, v := range cfg.meta {
		meta[k] = v
	}
	term := NewTerminalNode(id, session, backend,
		WithTerminalParser(parser),
		WithTerminalTimeout(cfg.timeout),
		WithTerminalMetadata(meta),
	)
	return &ClaudeTerminalNode{
		term:        term,
		command:     normalized,
		sessionUUID: sessionUUID,
		factory:     factory,
	}, nil
}

func (n *ClaudeTerminalNode) ID() string   { return n.term.ID() }
func (n *ClaudeTerminalNode) Type() string { return "claude_" + n.term.backend.Kind() }

// SessionUUID returns the CLI session uuid pinned in the command.
func (n *ClaudeTerminalNode) SessionUUID() string { return n.sessionUUID }

// Command returns the normalized launch command.
func (n *ClaudeTerminalNode) Command() string { return n.command }

// State returns the node's lifecycle state.
func (n *ClaudeTerminalNode) State() NodeState { return n.term.State() }

// Start launches the backend.
func (n *ClaudeTerminalNode) Start(ctx context.Context) error {
	return n.term.Start(ctx)
}

// Execute runs one turn. Turns are serialized: a concurrent execute
// blocks until the in-flight one completes.
func (n *ClaudeTerminalNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	n.execMu.Lock()
	defer n.execMu.Unlock()
	res := n.term.Execute(ctx, ec)
	res.NodeType = n.Type()
	return res
}

// ExecuteWhenReady waits up to readyTimeout for the CLI to show an idle
// prompt, then runs one turn. Used for inputs queued while the previous
// turn is still in flight.
func (n *ClaudeTerminalNode) ExecuteWhenReady(ctx context.Context, ec *ExecutionContext, readyTimeout time.Duration) Result {
	parser := n.term.effectiveParser(ec)
	if parser == nil {
		return failResult(n.Type(), n.ID(), ec.Input, ErrInvalidRequest, "no parser configured")
	}
	deadline := time.Now().Add(readyTimeout)
	consecutive := 0
	for {
		buf, err := n.term.backend.Buffer()
		if err != nil {
			return failResult(n.Type(), n.ID(), ec.Input, ErrInternal, fmt.Sprintf("read buffer: %v", err))
		}
		// Two consecutive positives, same as the post-write readiness
		// poll: a single idle sample mid-redraw is not an idle prompt.
		if parser.IsReady(buf) {
			consecutive++
			if consecutive >= 2 {
				break
			}
		} else {
			consecutive = 0
			if time.Now().After(deadline) {
				return failResult(n.Type(), n.ID(), ec.Input, ErrTimeout,
					fmt.Sprintf("terminal not ready after %s", readyTimeout))
			}
		}
		select {
		case <-ctx.Done():
			return failFromErr(n.Type(), n.ID(), ec.Input, ctx.Err())
		case <-ec.Cancel.Done():
			return failFromErr(n.Type(), n.ID(), ec.Input, ec.CheckCancelled())
		case <-time.After(n.term.backend.PollInterval()):
		}
	}
	return n.Execute(ctx, ec)
}

// Fork clones the conversation into a new node: the child resumes this
// node's CLI session with --fork-session under a fresh session uuid,
// and is registered in the same workspace session.
func (n *ClaudeTerminalNode) Fork(targetID string) (Node, error) {
	if err := ValidateID(targetID); err != nil {
		return nil, fmt.Errorf("%s: %w", ErrInvalidRequest, err)
	}
	base := ExtractBaseCommand(n.command)
	childUUID := NewSessionUUID()
	command := fmt.Sprintf("%s --resume %s --fork-session --session-id %s",
		base, n.sessionUUID, childUUID)

	backend, err := n.factory(command)
	if err != nil {
		return nil, fmt.Errorf("create fork backend: %w", err)
	}
	child := &ClaudeTerminalNode{
		term: NewTerminalNode(targetID, n.term.session, backend,
			WithTerminalParser(n.term.parser),
			WithTerminalTimeout(n.term.timeout),
			WithTerminalMetadata(map[string]any{
				"command":      command,
				"session_uuid": childUUID,
				"forked_from":  n.ID(),
				"forked_at":    NowMillis(),
			}),
		),
		command:     command,
		sessionUUID: childUUID,
		factory:     n.factory,
	}
	if err := child.Start(context.Background()); err != nil {
		return nil, err
	}
	if n.term.session != nil {
		if err := n.term.session.RegisterNode(child); err != nil {
			_ = child.Stop()
			return nil, err
		}
	}
	return child, nil
}

// WriteRaw passes data straight to the backend.
func (n *ClaudeTerminalNode) WriteRaw(data string) error { return n.term.WriteRaw(data) }

// ReadBuffer returns the current terminal buffer.
func (n *ClaudeTerminalNode) ReadBuffer() (string, error) { return n.term.ReadBuffer() }

// Interrupt sends Escape, the CLI's abort keystroke.
func (n *ClaudeTerminalNode) Interrupt() {
	_ = n.term.backend.Write("\x1b")
}

func (n *ClaudeTerminalNode) Stop() error { return n.term.Stop() }

func (n *ClaudeTerminalNode) Info() NodeInfo {
	info := n.term.Info()
	info.Type = n.Type()
	return info
}

// ToolDescription exposes the node as a chat tool.
func (n *ClaudeTerminalNode) ToolDescription() string {
	return "Send a prompt to an interactive Claude coding session and return its reply"
}

func (n *ClaudeTerminalNode) ToolParameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"input":{"type":"string","description":"The prompt to send"}},"required":["input"]}`)
}

func (n *ClaudeTerminalNode) ToolInput(args json.RawMessage) (any, error) {
	var payload struct {
		Input string `json:"input"`
	}
	if err := json.Unmarshal(args, &payload); err != nil {
		return nil, err
	}
	if payload.Input == "" {
		return nil, fmt.Errorf("input is required")
	}
	return payload.Input, nil
}

func (n *ClaudeTerminalNode) ToolResultText(r Result) string {
	if s, ok := r.Output.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", r.Output)
}

// NormalizeSessionCommand ensures the command carries exactly one
// --session-id with a valid uuid. The first occurrence keeps its
// position; a valid existing id is kept, a missing or malformed one is
// replaced with a fresh v4, and duplicate occurrences are dropped.
// Returns the normalized command and the session uuid.
func NormalizeSessionCommand(command string) (string, string) {
	tokens := strings.Fields(command)
	out := make([]string, 0, len(tokens)+2)
	var id string
	for i := 0; i < len(tokens); i++ {
		if tokens[i] != "--session-id" {
			out = append(out, tokens[i])
			continue
		}
		var val string
		if i+1 < len(tokens) && isFlagValue(tokens[i+1]) {
			val = tokens[i+1]
			i++
		}
		if id != "" {
			continue
		}
		if _, err := uuid.Parse(val); err == nil {
			id = val
		} else {
			id = NewSessionUUID()
		}
		out = append(out, "--session-id", id)
	}
	if id == "" {
		id = NewSessionUUID()
		out = append(out, "--session-id", id)
	}
	return strings.Join(out, " "), id
}

// ExtractBaseCommand strips session bookkeeping flags (--session-id X,
// --resume [X], --fork-session) from a claude command, leaving the
// invocation itself. Other tokens, including shell operators, survive.
func ExtractBaseCommand(command string) string {
	tokens := strings.Fields(command)
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "--session-id":
			if i+1 < len(tokens) && isFlagValue(tokens[i+1]) {
				i++
			}
		case "--resume":
			if i+1 < len(tokens) && isFlagValue(tokens[i+1]) {
				i++
			}
		case "--fork-session":
		default:
			out = append(out, tokens[i])
		}
	}
	return strings.Join(out, " ")
}

// isFlagValue reports whether the token is a plain value rather than
// another flag or a shell operator.
func isFlagValue(tok string) bool {
	if strings.HasPrefix(tok, "-") {
		return false
	}
	switch tok {
	case "&&", "||", "|", ";", ">", ">>", "<":
		return false
	}
	return true
}

var (
	_ Node          = (*ClaudeTerminalNode)(nil)
	_ ReadyExecutor = (*ClaudeTerminalNode)(nil)
	_ Forker        = (*ClaudeTerminalNode)(nil)
	_ ToolCapable   = (*ClaudeTerminalNode)(nil)
)
