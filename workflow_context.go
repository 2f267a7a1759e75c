package nerve

import (
	"context"
	"fmt"
)

// WorkflowContext is the live capability passed into a workflow
// function. It resolves nodes, graphs, and nested workflows in the
// owning session, suspends on gates, and appends custom events.
type WorkflowContext struct {
	run     *WorkflowRun
	session *Session

	// Input and Params are the values the run was started with.
	Input  any
	Params map[string]any

	// state is the run-scoped mutable scratch map. Nested workflow
	// invocations get their own.
	state map[string]any
}

// RunID returns the owning run's id.
func (wc *WorkflowContext) RunID() string { return wc.run.id }

// Session returns the owning session.
func (wc *WorkflowContext) Session() *Session { return wc.session }

// Get reads a key from the run's scratch state.
func (wc *WorkflowContext) Get(key string) (any, bool) {
	wc.run.mu.Lock()
	defer wc.run.mu.Unlock()
	v, ok := wc.state[key]
	return v, ok
}

// Set writes a key into the run's scratch state.
func (wc *WorkflowContext) Set(key string, value any) {
	wc.run.mu.Lock()
	wc.state[key] = value
	wc.run.mu.Unlock()
}

// Emit appends a user-defined event to the run's event log.
func (wc *WorkflowContext) Emit(eventType string, data map[string]any) {
	wc.run.appendEvent(eventType, data)
}

// checkCancelled surfaces run cancellation as an error.
func (wc *WorkflowContext) checkCancelled() error {
	if wc.run.cancelToken.Cancelled() {
		return fmt.Errorf("workflow run %s: %w", wc.run.id, context.Canceled)
	}
	return nil
}

// execContext builds an execution context sharing the run's session,
// logger, and cancellation token.
func (wc *WorkflowContext) execContext(input any) *ExecutionContext {
	ec := NewExecutionContext(wc.session, input, WithRunID(wc.run.id))
	ec.Cancel = wc.run.cancelToken
	return ec
}

// Run resolves nodeID in the session and executes it with the given
// input. Emits node_started / node_completed / node_error events.
func (wc *WorkflowContext) Run(ctx context.Context, nodeID string, input any) (Result, error) {
	if err := wc.checkCancelled(); err != nil {
		return Result{}, err
	}
	node := wc.session.GetNode(nodeID)
	if node == nil {
		return Result{}, &NotFoundError{Kind: "node", ID: nodeID}
	}
	wc.run.appendEvent(EventNodeStarted, map[string]any{"node_id": nodeID})
	res := node.Execute(ctx, wc.execContext(input))
	if res.Success {
		wc.run.appendEvent(EventNodeCompleted, map[string]any{"node_id": nodeID})
	} else {
		wc.run.appendEvent(EventNodeError, map[string]any{
			"node_id": nodeID, "error": res.Error, "error_type": res.ErrorType})
	}
	return res, nil
}

// RunGraph resolves graphID in the session and executes it. Emits
// graph_started / graph_completed / graph_error events.
func (wc *WorkflowContext) RunGraph(ctx context.Context, graphID string, input any) (Result, error) {
	if err := wc.checkCancelled(); err != nil {
		return Result{}, err
	}
	g := wc.session.GetGraph(graphID)
	if g == nil {
		return Result{}, &NotFoundError{Kind: "graph", ID: graphID}
	}
	wc.run.appendEvent(EventGraphStarted, map[string]any{"graph_id": graphID})
	res, err := g.Run(ctx, wc.execContext(input))
	if err != nil {
		wc.run.appendEvent(EventGraphError, map[string]any{"graph_id": graphID, "error": err.Error()})
		return res, err
	}
	if res.Success {
		wc.run.appendEvent(EventGraphCompleted, map[string]any{"graph_id": graphID})
	} else {
		wc.run.appendEvent(EventGraphError, map[string]any{
			"graph_id": graphID, "error": res.Error, "error_type": res.ErrorType})
	}
	return res, nil
}

// RunWorkflow resolves a nested workflow, runs it to completion with
// the parent's cancellation token and event sink, and propagates its
// result or error. Emits nested_workflow_* events on the parent.
func (wc *WorkflowContext) RunWorkflow(ctx context.Context, workflowID string, input any, params map[string]any) (any, error) {
	if err := wc.checkCancelled(); err != nil {
		return nil, err
	}
	nested := wc.session.GetWorkflow(workflowID)
	if nested == nil {
		return nil, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	wc.run.appendEvent(EventNestedStarted, map[string]any{"workflow_id": workflowID})

	child := newWorkflowRun(nested, input, params, wc.run.callback)
	// The child shares the parent's cancel token so Cancel on the
	// parent reaches nested gates and node executions.
	child.cancelToken = wc.run.cancelToken
	if s := wc.session; s != nil {
		s.mu.Lock()
		s.runs[child.ID()] = child
		s.mu.Unlock()
	}
	child.Start()

	result, err := child.Wait(ctx)
	if err != nil {
		wc.run.appendEvent(EventNestedError, map[string]any{
			"workflow_id": workflowID, "run_id": child.ID(), "error": err.Error()})
		return nil, fmt.Errorf("nested workflow %s: %w", workflowID, err)
	}
	wc.run.appendEvent(EventNestedCompleted, map[string]any{
		"workflow_id": workflowID, "run_id": child.ID()})
	return result, nil
}

// Gate suspends the run until an external answer arrives via
// WorkflowRun.AnswerGate. With a non-empty choice set, answers outside
// it are rejected before the gate completes. Cancellation closes the
// answer channel, which surfaces here as an error.
func (wc *WorkflowContext) Gate(ctx context.Context, prompt string, choices []string) (any, error) {
	if err := wc.checkCancelled(); err != nil {
		return nil, err
	}
	gate := &PendingGate{Prompt: prompt, Choices: choices, answer: make(chan any, 1)}

	wc.run.mu.Lock()
	wc.run.gate = gate
	wc.run.mu.Unlock()
	wc.run.setState(RunWaiting)
	wc.run.appendEvent(EventGateWaiting, map[string]any{"prompt": prompt, "choices": choices})

	var answer any
	var ok bool
	select {
	case answer, ok = <-gate.answer:
	case <-ctx.Done():
		wc.clearGate(gate)
		return nil, ctx.Err()
	}

	wc.resumeFromGate()
	if !ok {
		return nil, fmt.Errorf("gate %q: %w", prompt, context.Canceled)
	}
	return answer, nil
}

// clearGate removes the pending gate if it is still the given one.
func (wc *WorkflowContext) clearGate(gate *PendingGate) {
	wc.run.mu.Lock()
	if wc.run.gate == gate {
		wc.run.gate = nil
	}
	wc.run.mu.Unlock()
	wc.resumeFromGate()
}

// resumeFromGate moves a waiting run back to running, through setState
// so the transition lands in the event log like every other one.
func (wc *WorkflowContext) resumeFromGate() {
	if wc.run.State() == RunWaiting {
		wc.run.setState(RunRunning)
	}
}
