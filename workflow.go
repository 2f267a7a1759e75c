package nerve

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WorkflowFn is the imperative body of a workflow. It may call nodes,
// graphs, and sub-workflows through the WorkflowContext and suspend on
// gates. Returning an error fails the run.
type WorkflowFn func(ctx context.Context, wc *WorkflowContext) (any, error)

// Workflow is an immutable registration of an imperative function bound
// to a session.
type Workflow struct {
	id      string
	session *Session
	fn      WorkflowFn
}

// NewWorkflow creates a workflow. The function is immutable once
// registered.
func NewWorkflow(id string, session *Session, fn WorkflowFn) *Workflow {
	return &Workflow{id: id, session: session, fn: fn}
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string { return w.id }

// Session returns the owning session.
func (w *Workflow) Session() *Session { return w.session }

// RunState is the lifecycle state of a workflow run.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunWaiting   RunState = "waiting"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Standard workflow event types. User-defined types are emitted via
// WorkflowContext.Emit.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventStateChanged      = "state_changed"
	EventGateWaiting       = "gate_waiting"
	EventGateAnswered      = "gate_answered"
	EventNodeStarted       = "node_started"
	EventNodeCompleted     = "node_completed"
	EventNodeError         = "node_error"
	EventGraphStarted      = "graph_started"
	EventGraphCompleted    = "graph_completed"
	EventGraphError        = "graph_error"
	EventNestedStarted     = "nested_workflow_started"
	EventNestedCompleted   = "nested_workflow_completed"
	EventNestedError       = "nested_workflow_error"
)

// Event is one entry in a run's ordered event log.
type Event struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventCallback receives run events as they are appended. Callbacks run
// on the workflow goroutine and must not block.
type EventCallback func(runID string, ev Event)

// PendingGate describes a gate a run is suspended on.
type PendingGate struct {
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
	// answer is a one-shot channel; AnswerGate posts into it, Cancel
	// closes it so the suspended function observes cancellation.
	answer chan any
}

// RunInfo is the JSON-serializable snapshot of a workflow run.
type RunInfo struct {
	ID          string       `json:"run_id"`
	WorkflowID  string       `json:"workflow_id"`
	State       RunState     `json:"state"`
	Input       any          `json:"input,omitempty"`
	Result      any          `json:"result,omitempty"`
	Error       string       `json:"error,omitempty"`
	PendingGate *PendingGate `json:"pending_gate,omitempty"`
	Events      []Event      `json:"events"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     *time.Time   `json:"end_time,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
}

// WorkflowRun tracks one execution of a workflow. All methods are safe
// for concurrent use.
type WorkflowRun struct {
	id       string
	workflow *Workflow
	input    any
	params   map[string]any
	callback EventCallback

	mu      sync.Mutex
	state   RunState
	result  any
	err     error
	events  []Event
	gate    *PendingGate
	started time.Time
	ended   *time.Time

	cancelToken *CancelToken
	cancelFn    context.CancelFunc
	done        chan struct{}
	startOnce   sync.Once
}

func newWorkflowRun(wf *Workflow, input any, params map[string]any, callback EventCallback) *WorkflowRun {
	if params == nil {
		params = make(map[string]any)
	}
	return &WorkflowRun{
		id:          NewRunID(),
		workflow:    wf,
		input:       input,
		params:      params,
		callback:    callback,
		state:       RunPending,
		started:     time.Now(),
		cancelToken: NewCancelToken(),
		done:        make(chan struct{}),
	}
}

// ID returns the run's UUID.
func (r *WorkflowRun) ID() string { return r.id }

// State returns the current run state.
func (r *WorkflowRun) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done returns a channel closed when the run reaches a terminal state.
func (r *WorkflowRun) Done() <-chan struct{} { return r.done }

// setState transitions the run and appends a state_changed event.
func (r *WorkflowRun) setState(next RunState) {
	r.mu.Lock()
	prev := r.state
	r.state = next
	r.mu.Unlock()
	if prev != next {
		r.appendEvent(EventStateChanged, map[string]any{"from": string(prev), "to": string(next)})
	}
}

// appendEvent appends an event with a monotonic sequence number and
// notifies the callback.
func (r *WorkflowRun) appendEvent(evType string, data map[string]any) {
	r.mu.Lock()
	ev := Event{Seq: len(r.events), Type: evType, Data: data, Timestamp: time.Now()}
	r.events = append(r.events, ev)
	cb := r.callback
	r.mu.Unlock()
	if cb != nil {
		cb(r.id, ev)
	}
	if s := r.workflow.session; s != nil && s.runStore != nil {
		if err := s.runStore.AppendEvent(context.Background(), r.id, ev); err != nil {
			s.logger.Warn("run_event_archive_failed", "run", r.id, "error", err)
		}
	}
}

// Start launches the workflow function on its own goroutine. Safe to
// call once; later calls are no-ops.
func (r *WorkflowRun) Start() {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		r.cancelFn = cancel
		r.mu.Unlock()
		go r.run(ctx)
	})
}

func (r *WorkflowRun) run(ctx context.Context) {
	session := r.workflow.session
	log := nopLogger
	if session != nil {
		log = session.Logger()
	}

	defer func() {
		if p := recover(); p != nil {
			r.finish(nil, fmt.Errorf("workflow panic: %v", p))
			log.Error("workflow_panic", "workflow", r.workflow.id, "run", r.id, "panic", fmt.Sprintf("%v", p))
		}
	}()

	ctx, span := startSpan(ctx, session, "workflow.run",
		StringAttr("workflow.id", r.workflow.id), StringAttr("run.id", r.id))
	defer span.End()

	r.setState(RunRunning)
	r.appendEvent(EventWorkflowStarted, map[string]any{"workflow_id": r.workflow.id})
	log.Info("workflow_started", "workflow", r.workflow.id, "run", r.id)

	wc := &WorkflowContext{
		run:     r,
		session: session,
		Input:   r.input,
		Params:  r.params,
		state:   make(map[string]any),
	}
	result, err := r.workflow.fn(ctx, wc)
	if err != nil {
		span.Error(err)
	}
	r.finish(result, err)

	switch r.State() {
	case RunCompleted:
		log.Info("workflow_completed", "workflow", r.workflow.id, "run", r.id)
	case RunCancelled:
		log.Info("workflow_cancelled", "workflow", r.workflow.id, "run", r.id)
	default:
		log.Warn("workflow_failed", "workflow", r.workflow.id, "run", r.id, "error", err)
	}
	if session != nil {
		session.archiveRun(r)
	}
}

// finish records the terminal outcome exactly once.
func (r *WorkflowRun) finish(result any, err error) {
	r.mu.Lock()
	if r.state.IsTerminal() {
		r.mu.Unlock()
		return
	}
	now := time.Now()
	r.ended = &now
	r.gate = nil
	cancelled := r.cancelToken.Cancelled()
	switch {
	case err != nil && cancelled:
		r.err = err
		r.state = RunCancelled
	case err != nil:
		r.err = err
		r.state = RunFailed
	default:
		r.result = result
		r.state = RunCompleted
	}
	state := r.state
	r.mu.Unlock()

	switch state {
	case RunCompleted:
		r.appendEvent(EventWorkflowCompleted, map[string]any{"result": result})
	case RunCancelled:
		r.appendEvent(EventWorkflowFailed, map[string]any{"error": err.Error(), "cancelled": true})
	default:
		r.appendEvent(EventWorkflowFailed, map[string]any{"error": err.Error()})
	}
	close(r.done)
}

// Wait blocks until the run reaches a terminal state and returns its
// result, or its captured error, or ctx.Err() when ctx expires first.
func (r *WorkflowRun) Wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation: the run's token is set and a pending
// gate's answer channel is closed so the suspended function observes
// cancellation. Idempotent.
func (r *WorkflowRun) Cancel() {
	r.cancelToken.Cancel()
	r.mu.Lock()
	gate := r.gate
	r.gate = nil
	cancelFn := r.cancelFn
	r.mu.Unlock()
	if gate != nil {
		close(gate.answer)
	}
	if cancelFn != nil {
		cancelFn()
	}
}

// AnswerGate validates and completes the pending gate. An answer
// outside the gate's choice set is rejected and the gate stays pending;
// a second answer after completion is rejected.
func (r *WorkflowRun) AnswerGate(value any) error {
	r.mu.Lock()
	gate := r.gate
	if gate == nil {
		r.mu.Unlock()
		return fmt.Errorf("run %s has no pending gate", r.id)
	}
	if len(gate.Choices) > 0 {
		valid := false
		if s, ok := value.(string); ok {
			for _, c := range gate.Choices {
				if c == s {
					valid = true
					break
				}
			}
		}
		if !valid {
			r.mu.Unlock()
			return fmt.Errorf("answer %v is not one of %v", value, gate.Choices)
		}
	}
	r.gate = nil
	r.mu.Unlock()

	gate.answer <- value
	r.appendEvent(EventGateAnswered, map[string]any{"prompt": gate.Prompt, "answer": value})
	return nil
}

// PendingGate returns a copy of the gate the run is suspended on, or
// nil when the run is not waiting.
func (r *WorkflowRun) PendingGate() *PendingGate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gate == nil {
		return nil
	}
	cp := *r.gate
	cp.answer = nil
	return &cp
}

// Info exports a JSON-serializable snapshot of the run.
func (r *WorkflowRun) Info() RunInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := RunInfo{
		ID:         r.id,
		WorkflowID: r.workflow.id,
		State:      r.state,
		Input:      r.input,
		Result:     r.result,
		StartTime:  r.started,
		EndTime:    r.ended,
		Events:     make([]Event, len(r.events)),
	}
	copy(info.Events, r.events)
	if r.err != nil {
		info.Error = r.err.Error()
	}
	if r.gate != nil {
		cp := *r.gate
		cp.answer = nil
		info.PendingGate = &cp
	}
	end := time.Now()
	if r.ended != nil {
		end = *r.ended
	}
	info.DurationMS = end.Sub(r.started).Milliseconds()
	return info
}
