package nerve

import (
	"context"
	"time"
)

// Step event types emitted by Graph.ExecuteStream.
const (
	StepEventStart    = "step_start"
	StepEventChunk    = "step_chunk"
	StepEventComplete = "step_complete"
	StepEventError    = "step_error"
)

// StepEvent is one streamed graph-execution event.
type StepEvent struct {
	Type      string         `json:"type"`
	StepID    string         `json:"step_id"`
	NodeID    string         `json:"node_id"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ExecuteStream runs the graph like Run, emitting step lifecycle events
// into ch as they happen. Nodes implementing StreamingNode contribute
// step_chunk events; others yield a single step_complete on success.
// ch is closed before returning.
func (g *Graph) ExecuteStream(ctx context.Context, ec *ExecutionContext, ch chan<- StepEvent) (Result, error) {
	defer close(ch)

	if errs := g.Validate(); len(errs) > 0 {
		return failResult(g.Type(), g.id, ec.Input, ErrInvalidRequest, errs[0].Error()), nil
	}
	order, err := g.topoSort()
	if err != nil {
		return failResult(g.Type(), g.id, ec.Input, ErrInvalidRequest, err.Error()), nil
	}

	ec.Trace.SetStatus("running", "")
	ec.RunLogger.Info("graph_start", "graph", g.id, "steps", len(order), "exec_id", ec.ExecID, "stream", true)

	results := make(map[string]Result, len(order))
	executed := make([]string, 0, len(order))
	emit := func(ev StepEvent) {
		select {
		case ch <- ev:
		case <-ec.Cancel.Done():
		}
	}
	res, runErr := g.runStepsEmit(ctx, ec, order, results, &executed, emit)

	g.setCurrent(nil, nil)
	switch {
	case runErr != nil:
		ec.Trace.SetStatus("failed", runErr.Error())
		ec.RunLogger.Warn("graph_failed", "graph", g.id, "reason", runErr.Error(), "exec_id", ec.ExecID)
	case res.Success:
		ec.Trace.SetStatus("completed", "")
		ec.RunLogger.Info("graph_complete", "graph", g.id, "steps", len(executed), "exec_id", ec.ExecID)
	default:
		ec.Trace.SetStatus("failed", res.Error)
		ec.RunLogger.Warn("graph_failed", "graph", g.id, "error", res.Error, "error_type", res.ErrorType)
	}
	return res, runErr
}
