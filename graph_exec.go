package nerve

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// stepFailure carries a failed step result through the retry loop as an
// error so policy disposition can inspect it.
type stepFailure struct {
	result Result
}

func (e *stepFailure) Error() string {
	return fmt.Sprintf("step failed (%s): %s", e.result.ErrorType, e.result.Error)
}

// Run validates and executes the graph in topological order, honoring
// per-step policies, budget, and cancellation. The returned error is
// non-nil only for cancellation and budget violations; every other
// failure is classified into the Result.
func (g *Graph) Run(ctx context.Context, ec *ExecutionContext) (Result, error) {
	if errs := g.Validate(); len(errs) > 0 {
		return failResult(g.Type(), g.id, ec.Input, ErrInvalidRequest, errs[0].Error()), nil
	}
	order, err := g.topoSort()
	if err != nil {
		return failResult(g.Type(), g.id, ec.Input, ErrInvalidRequest, err.Error()), nil
	}

	ctx, span := startSpan(ctx, g.session, "graph.execute",
		StringAttr("graph.id", g.id), IntAttr("graph.steps", len(order)))
	defer span.End()

	log := ec.RunLogger
	ec.Trace.SetStatus("running", "")
	log.Info("graph_start", "graph", g.id, "steps", len(order), "exec_id", ec.ExecID)

	results := make(map[string]Result, len(order))
	executed := make([]string, 0, len(order))
	res, runErr := g.runSteps(ctx, ec, order, results, &executed)

	g.setCurrent(nil, nil)
	if runErr != nil {
		reason := runErr.Error()
		ec.Trace.SetStatus("failed", reason)
		span.Error(runErr)
		log.Warn("graph_failed", "graph", g.id, "reason", reason, "exec_id", ec.ExecID)
		return res, runErr
	}
	if res.Success {
		ec.Trace.SetStatus("completed", "")
		log.Info("graph_complete", "graph", g.id, "steps", len(executed), "exec_id", ec.ExecID)
	} else {
		ec.Trace.SetStatus("failed", res.Error)
		span.Error(errors.New(res.Error))
		log.Warn("graph_failed", "graph", g.id,
			"error", res.Error, "error_type", res.ErrorType, "exec_id", ec.ExecID)
	}
	return res, nil
}

// runSteps drives the topological loop shared by Run and Stream. emit
// is nil for non-streaming execution.
func (g *Graph) runSteps(ctx context.Context, ec *ExecutionContext, order []string, results map[string]Result, executed *[]string) (Result, error) {
	return g.runStepsEmit(ctx, ec, order, results, executed, nil)
}

func (g *Graph) runStepsEmit(ctx context.Context, ec *ExecutionContext, order []string, results map[string]Result, executed *[]string, emit func(StepEvent)) (Result, error) {
	for _, stepID := range order {
		if err := ec.CheckCancelled(); err != nil {
			return g.buildResult(ec, results, *executed), err
		}
		if err := ec.CheckBudget(); err != nil {
			return g.buildResult(ec, results, *executed), err
		}

		s := g.steps[stepID]
		node, err := g.resolveNode(s)
		if err != nil {
			results[stepID] = failResult("unknown", stepID, nil, ErrInternal, err.Error())
			*executed = append(*executed, stepID)
			return g.buildResult(ec, results, *executed), nil
		}

		input, err := g.stepInput(s, ec, results)
		if err != nil {
			results[stepID] = failResult(node.Type(), node.ID(), nil, ErrInternal,
				fmt.Sprintf("step %q input_fn: %v", stepID, err))
			*executed = append(*executed, stepID)
			return g.buildResult(ec, results, *executed), nil
		}

		stepCtx := ec.WithInput(input).WithUpstream(upstreamResults(s, results))
		if s.Parser != nil {
			stepCtx = stepCtx.WithParser(s.Parser)
		}

		if emit != nil {
			emit(StepEvent{Type: StepEventStart, StepID: stepID, NodeID: node.ID(), Timestamp: time.Now()})
		}

		start := time.Now()
		g.setCurrent(node, ec.Cancel)
		stepRes, stepErr := g.runPolicied(ctx, s, node, stepCtx, emit, stepID)
		g.setCurrent(nil, nil)
		ec.Budget.AddStep()

		end := time.Now()
		st := StepTrace{
			StepID:     stepID,
			NodeID:     node.ID(),
			NodeType:   node.Type(),
			Input:      input,
			Output:     stepRes.Output,
			StartTime:  start,
			EndTime:    end,
			DurationMS: end.Sub(start).Milliseconds(),
		}
		if !stepRes.Success {
			st.Error = stepRes.Error
		}
		ec.Trace.Add(st)

		results[stepID] = stepRes
		*executed = append(*executed, stepID)

		if emit != nil {
			if stepRes.Success {
				emit(StepEvent{Type: StepEventComplete, StepID: stepID, NodeID: node.ID(),
					Data: map[string]any{"output": stepRes.Output}, Timestamp: time.Now()})
			} else {
				emit(StepEvent{Type: StepEventError, StepID: stepID, NodeID: node.ID(),
					Data: map[string]any{"error": stepRes.Error, "error_type": stepRes.ErrorType}, Timestamp: time.Now()})
			}
		}

		if stepErr != nil {
			// Cancellation or budget violation escapes to the caller.
			return g.buildResult(ec, results, *executed), stepErr
		}
		if !stepRes.Success {
			// Fail disposition: abort the graph; remaining steps never start.
			return g.buildResult(ec, results, *executed), nil
		}
	}
	return g.buildResult(ec, results, *executed), nil
}

// runPolicied executes one step under its error policy: up to
// RetryCount+1 attempts with exponential backoff, then the configured
// disposition (fail, skip, or fallback).
func (g *Graph) runPolicied(ctx context.Context, s *Step, node Node, stepCtx *ExecutionContext, emit func(StepEvent), stepID string) (Result, error) {
	policy := ErrorPolicy{}
	if s.Policy != nil {
		policy = *s.Policy
	}
	log := stepCtx.RunLogger

	var lastRes Result
	for attempt := 0; attempt < policy.MaxAttempts(); attempt++ {
		res, err := g.attempt(ctx, node, stepCtx, policy.Timeout, emit, stepID)
		if err != nil {
			return res, err
		}
		if res.Success {
			return res, nil
		}
		lastRes = res
		if policy.ShouldRetry(attempt) {
			delay := policy.DelayForAttempt(attempt)
			log.Warn("step_retry",
				"graph", g.id, "step", s.ID,
				"attempt", attempt+1, "max_attempts", policy.MaxAttempts(),
				"delay_ms", delay.Milliseconds(),
				"error_type", res.ErrorType, "error", res.Error)
			select {
			case <-stepCtx.Cancel.Done():
				return res, stepCtx.CheckCancelled()
			case <-time.After(delay):
			}
		}
	}

	switch policy.Disposition() {
	case OnErrorSkip:
		log.Info("step_skipped", "graph", g.id, "step", s.ID, "error_type", lastRes.ErrorType)
		skipped := okResult(node.Type(), node.ID(), stepCtx.Input, policy.FallbackValue)
		skipped.Attributes["skipped"] = true
		skipped.Attributes["skipped_error"] = lastRes.Error
		return skipped, nil
	case OnErrorFallback:
		if policy.FallbackNode == nil {
			return lastRes, nil
		}
		log.Info("step_fallback_start", "graph", g.id, "step", s.ID, "fallback", policy.FallbackNode.ID())
		fbRes, err := g.attempt(ctx, policy.FallbackNode, stepCtx, policy.Timeout, emit, stepID)
		if err != nil {
			return fbRes, err
		}
		if fbRes.Success {
			log.Info("step_fallback_complete", "graph", g.id, "step", s.ID, "fallback", policy.FallbackNode.ID())
			fbRes.Attributes["fallback"] = true
			fbRes.Attributes["fallback_for"] = lastRes.Error
			return fbRes, nil
		}
		log.Warn("step_fallback_failed", "graph", g.id, "step", s.ID,
			"fallback", policy.FallbackNode.ID(), "error", fbRes.Error)
		return fbRes, nil
	default:
		return lastRes, nil
	}
}

// attempt races one node execution against the per-attempt timeout and
// the shared cancel token. A timed-out or cancelled node is interrupted.
func (g *Graph) attempt(ctx context.Context, node Node, stepCtx *ExecutionContext, timeout time.Duration, emit func(StepEvent), stepID string) (Result, error) {
	attemptCtx, cancel := attemptContext(ctx, timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		if emit != nil {
			if sn, ok := node.(StreamingNode); ok {
				chunks := make(chan string, 16)
				go func() {
					for chunk := range chunks {
						emit(StepEvent{Type: StepEventChunk, StepID: stepID, NodeID: node.ID(),
							Data: map[string]any{"chunk": chunk}, Timestamp: time.Now()})
					}
				}()
				done <- sn.ExecuteStream(attemptCtx, stepCtx, chunks)
				return
			}
		}
		done <- node.Execute(attemptCtx, stepCtx)
	}()

	select {
	case res := <-done:
		if err := stepCtx.CheckCancelled(); err != nil {
			return res, err
		}
		return res, nil
	case <-stepCtx.Cancel.Done():
		node.Interrupt()
		// Let the execute goroutine finish against the cancelled context;
		// its result is discarded.
		return failResult(node.Type(), node.ID(), stepCtx.Input, ErrExecution, "execution cancelled"),
			stepCtx.CheckCancelled()
	case <-attemptCtx.Done():
		node.Interrupt()
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return failResult(node.Type(), node.ID(), stepCtx.Input, ErrTimeout,
				fmt.Sprintf("step timed out after %s", timeout)), nil
		}
		return failResult(node.Type(), node.ID(), stepCtx.Input, ErrExecution, "execution cancelled"),
			stepCtx.CheckCancelled()
	}
}

// buildResult lifts step results into the standardized graph result:
// success is the conjunction over steps, the first failing step's error
// and error_type are lifted, and the final step's output becomes the
// graph-level output.
func (g *Graph) buildResult(ec *ExecutionContext, results map[string]Result, executed []string) Result {
	steps := make(map[string]any, len(results))
	for id, r := range results {
		steps[id] = r
	}

	res := Result{
		Success:  true,
		NodeType: g.Type(),
		NodeID:   g.id,
		Input:    ec.Input,
		Attributes: map[string]any{
			"steps":           steps,
			"execution_order": executed,
		},
	}
	for _, id := range executed {
		r := results[id]
		if !r.Success && res.Success {
			res.Success = false
			res.Error = r.Error
			res.ErrorType = r.ErrorType
		}
	}
	if len(executed) > 0 {
		final := executed[len(executed)-1]
		res.Attributes["final_step_id"] = final
		if res.Success {
			res.Output = results[final].Output
		}
	}
	return res
}

// Execute satisfies the node contract so a graph can serve as a step of
// another graph. Cancellation and budget violations are folded into the
// result; the outer engine observes them independently through the
// shared token and budget.
func (g *Graph) Execute(ctx context.Context, ec *ExecutionContext) Result {
	res, err := g.Run(ctx, ec)
	if err != nil {
		return failResult(g.Type(), g.id, ec.Input, ClassifyError(err), err.Error())
	}
	return res
}
