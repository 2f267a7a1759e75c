package llm

import (
	"context"
	"encoding/json"
	"fmt"

	nerve "github.com/nerveworks/nerve"
)

// NodeTools adapts tool-capable session nodes into a ToolExecutor so a
// chat node can drive them. Each mounted node contributes one tool
// named after its node id; the node's ToolCapable facet supplies the
// description, parameter schema, and the argument/result conversions.
type NodeTools struct {
	session *nerve.Session
	nodeIDs []string
}

// NewNodeTools builds a ToolExecutor over the named session nodes.
// Nodes that do not expose the ToolCapable facet are rejected.
func NewNodeTools(session *nerve.Session, nodeIDs ...string) (*NodeTools, error) {
	for _, id := range nodeIDs {
		node := session.GetNode(id)
		if node == nil {
			return nil, &nerve.NotFoundError{Kind: "node", ID: id}
		}
		if _, ok := node.(nerve.ToolCapable); !ok {
			return nil, fmt.Errorf("node %q is not tool-capable", id)
		}
	}
	return &NodeTools{session: session, nodeIDs: nodeIDs}, nil
}

// Tools returns the catalogue presented to the model.
func (t *NodeTools) Tools() []Tool {
	out := make([]Tool, 0, len(t.nodeIDs))
	for _, id := range t.nodeIDs {
		node := t.session.GetNode(id)
		tc, ok := node.(nerve.ToolCapable)
		if !ok {
			continue
		}
		params := tc.ToolParameters()
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        id,
				Description: tc.ToolDescription(),
				Parameters:  params,
			},
		})
	}
	return out
}

// ExecuteTool resolves the named node, converts the arguments through
// its facet, executes it, and renders the result as the tool output.
func (t *NodeTools) ExecuteTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	node := t.session.GetNode(name)
	if node == nil {
		return "", &nerve.NotFoundError{Kind: "node", ID: name}
	}
	tc, ok := node.(nerve.ToolCapable)
	if !ok {
		return "", fmt.Errorf("node %q is not tool-capable", name)
	}
	input, err := tc.ToolInput(args)
	if err != nil {
		return "", fmt.Errorf("tool %s: bad arguments: %w", name, err)
	}
	res := node.Execute(ctx, nerve.NewExecutionContext(t.session, input))
	if !res.Success {
		return "", fmt.Errorf("tool %s: %s", name, res.Error)
	}
	return tc.ToolResultText(res), nil
}

var _ ToolExecutor = (*NodeTools)(nil)
