package nerve

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// NodeState is the lifecycle state of a persistent node. Ephemeral
// nodes are implicitly READY for their whole lifetime.
type NodeState string

const (
	StateStarting NodeState = "starting"
	StateReady    NodeState = "ready"
	StateBusy     NodeState = "busy"
	StateStopped  NodeState = "stopped"
)

// NodeInfo is the JSON-serializable snapshot of a node.
type NodeInfo struct {
	ID         string         `json:"id"`
	Type       string         `json:"node_type"`
	State      NodeState      `json:"state"`
	Persistent bool           `json:"persistent"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Node is the uniform contract every variant implements. Execute never
// returns a Go error: failures are classified into the Result. The only
// things that escape are cancellation and budget violations, surfaced
// through the ExecutionContext by the engines.
type Node interface {
	// ID returns the node's session-unique identifier.
	ID() string
	// Type returns the variant tag (e.g. "bash", "llm_chat", "graph").
	Type() string
	// Execute runs one operation against the node.
	Execute(ctx context.Context, ec *ExecutionContext) Result
	// Interrupt is a fast best-effort abort of the in-flight execute.
	Interrupt()
	// Stop releases backend resources. No-op for ephemeral nodes.
	Stop() error
	// Info returns the node snapshot.
	Info() NodeInfo
}

// StreamingNode is an optional capability for nodes that can emit
// incremental output chunks. The graph engine streams these as
// step_chunk events. Check via type assertion.
type StreamingNode interface {
	Node
	// ExecuteStream runs like Execute but sends chunks into ch as they
	// are produced. The node closes ch before returning.
	ExecuteStream(ctx context.Context, ec *ExecutionContext, ch chan<- string) Result
}

// ReadyExecutor is an optional capability for nodes that can wait for
// their backend to become idle before accepting input. The command
// plane routes EXECUTE_INPUT through it when present.
type ReadyExecutor interface {
	Node
	ExecuteWhenReady(ctx context.Context, ec *ExecutionContext, readyTimeout time.Duration) Result
}

// Forker is an optional capability for nodes that can clone their
// backend session into a sibling node (ClaudeTerminalNode).
type Forker interface {
	Node
	Fork(targetID string) (Node, error)
}

// ToolCapable is the facet a node exposes to be mounted as a chat tool.
// A ChatNode configured with a tool-capable node composes the pieces to
// present it to the upstream LLM.
type ToolCapable interface {
	// ToolDescription is the human-readable capability description.
	ToolDescription() string
	// ToolParameters is the JSON Schema for the tool's arguments.
	ToolParameters() json.RawMessage
	// ToolInput converts tool-call arguments into an execute input.
	ToolInput(args json.RawMessage) (any, error)
	// ToolResultText renders an execute result as the tool output.
	ToolResultText(r Result) string
}

// nodeState is a mutex-guarded NodeState shared by persistent variants.
type nodeState struct {
	mu sync.Mutex
	s  NodeState
}

func (n *nodeState) get() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.s == "" {
		return StateReady
	}
	return n.s
}

func (n *nodeState) set(s NodeState) {
	n.mu.Lock()
	n.s = s
	n.mu.Unlock()
}

// compareAndSwap sets the state to next iff it currently equals want.
func (n *nodeState) compareAndSwap(want, next NodeState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	cur := n.s
	if cur == "" {
		cur = StateReady
	}
	if cur != want {
		return false
	}
	n.s = next
	return true
}
