package nerve

import (
	"context"
	"fmt"
)

// NodeFunc is the function wrapped by a FunctionNode. It receives the
// execution context and returns the step output.
type NodeFunc func(ec *ExecutionContext) (any, error)

// FunctionNode wraps a pure function of the execution context.
// Ephemeral; used as a building block and as graph steps.
type FunctionNode struct {
	id string
	fn NodeFunc
}

// NewFunctionNode creates a FunctionNode.
func NewFunctionNode(id string, fn NodeFunc) *FunctionNode {
	return &FunctionNode{id: id, fn: fn}
}

func (n *FunctionNode) ID() string   { return n.id }
func (n *FunctionNode) Type() string { return "function" }

// Execute applies the wrapped function. Thrown errors and panics are
// wrapped as internal_error; the function never suspends.
func (n *FunctionNode) Execute(_ context.Context, ec *ExecutionContext) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = failResult(n.Type(), n.id, ec.Input, ErrInternal, fmt.Sprintf("function panic: %v", p))
		}
	}()
	out, err := n.fn(ec)
	if err != nil {
		return failResult(n.Type(), n.id, ec.Input, ErrInternal, err.Error())
	}
	return okResult(n.Type(), n.id, ec.Input, out)
}

func (n *FunctionNode) Interrupt()  {}
func (n *FunctionNode) Stop() error { return nil }

func (n *FunctionNode) Info() NodeInfo {
	return NodeInfo{ID: n.id, Type: n.Type(), State: StateReady, Persistent: false}
}

// IdentityNode returns its input unchanged. Ephemeral.
type IdentityNode struct {
	id string
	// staticOutput, when set, replaces the context input. Used as a
	// constant source and as a graph fallback node.
	staticOutput any
	hasStatic    bool
}

// NewIdentityNode creates an IdentityNode echoing its input.
func NewIdentityNode(id string) *IdentityNode {
	return &IdentityNode{id: id}
}

// NewConstNode creates an IdentityNode that always outputs v.
func NewConstNode(id string, v any) *IdentityNode {
	return &IdentityNode{id: id, staticOutput: v, hasStatic: true}
}

func (n *IdentityNode) ID() string   { return n.id }
func (n *IdentityNode) Type() string { return "identity" }

func (n *IdentityNode) Execute(_ context.Context, ec *ExecutionContext) Result {
	out := ec.Input
	if n.hasStatic {
		out = n.staticOutput
	}
	return okResult(n.Type(), n.id, ec.Input, out)
}

func (n *IdentityNode) Interrupt()  {}
func (n *IdentityNode) Stop() error { return nil }

func (n *IdentityNode) Info() NodeInfo {
	return NodeInfo{ID: n.id, Type: n.Type(), State: StateReady, Persistent: false}
}
