package nerve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// --- Cancellation ---

// CancelToken is a one-shot, level-triggered cancellation signal shared
// between a context and every context derived from it.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an unset token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel sets the token. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been set.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is set. Composable with
// select for racing node execution against cancellation.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// --- Budget ---

// Budget accumulates step, token, and elapsed-time counters with
// optional caps. Shared by reference across derived contexts so nested
// graphs and workflows draw from the same allowance.
type Budget struct {
	mu      sync.Mutex
	started time.Time
	steps   int64
	tokens  int64

	// Caps; zero means unlimited.
	MaxSteps  int64
	MaxTokens int64
	MaxTime   time.Duration
}

// NewBudget creates a budget with its clock started now.
func NewBudget() *Budget {
	return &Budget{started: time.Now()}
}

// AddStep records one executed step.
func (b *Budget) AddStep() {
	b.mu.Lock()
	b.steps++
	b.mu.Unlock()
}

// AddTokens records LLM token consumption.
func (b *Budget) AddTokens(n int64) {
	b.mu.Lock()
	b.tokens += n
	b.mu.Unlock()
}

// Steps returns the accumulated step count.
func (b *Budget) Steps() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

// Tokens returns the accumulated token count.
func (b *Budget) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Check returns a BudgetExceededError if any cap is already violated.
func (b *Budget) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MaxSteps > 0 && b.steps >= b.MaxSteps {
		return &BudgetExceededError{Resource: "steps", Used: b.steps, Cap: b.MaxSteps}
	}
	if b.MaxTokens > 0 && b.tokens >= b.MaxTokens {
		return &BudgetExceededError{Resource: "tokens", Used: b.tokens, Cap: b.MaxTokens}
	}
	if b.MaxTime > 0 {
		elapsed := time.Since(b.started)
		if elapsed >= b.MaxTime {
			return &BudgetExceededError{Resource: "time", Used: elapsed.Milliseconds(), Cap: b.MaxTime.Milliseconds()}
		}
	}
	return nil
}

// --- Trace ---

// StepTrace records the execution of a single graph step.
type StepTrace struct {
	StepID     string    `json:"step_id"`
	NodeID     string    `json:"node_id"`
	NodeType   string    `json:"node_type"`
	Input      any       `json:"input"`
	Output     any       `json:"output"`
	Error      string    `json:"error,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMS int64     `json:"duration_ms"`
}

// Trace accumulates step records and a coarse status for a graph or
// workflow execution. All methods are safe for concurrent use.
type Trace struct {
	mu     sync.Mutex
	steps  []StepTrace
	status string // "pending", "running", "completed", "failed"
	reason string
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{status: "pending"}
}

// Add appends a step record.
func (t *Trace) Add(st StepTrace) {
	t.mu.Lock()
	t.steps = append(t.steps, st)
	t.mu.Unlock()
}

// Steps returns a copy of the recorded steps.
func (t *Trace) Steps() []StepTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StepTrace, len(t.steps))
	copy(out, t.steps)
	return out
}

// SetStatus records the coarse execution status with an optional reason.
func (t *Trace) SetStatus(status, reason string) {
	t.mu.Lock()
	t.status = status
	t.reason = reason
	t.mu.Unlock()
}

// Status returns the coarse status and reason.
func (t *Trace) Status() (string, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.reason
}

// --- Execution context ---

// ExecutionContext is the immutable request-scoped bundle passed into
// every Execute call. Derivation helpers return new contexts sharing
// the same cancellation token, budget, and trace, so parents and
// children observe the same signals.
type ExecutionContext struct {
	Session  *Session
	Input    any
	Upstream map[string]Result
	Parser   Parser
	Timeout  time.Duration

	Cancel *CancelToken
	Budget *Budget
	Trace  *Trace

	RunLogger *slog.Logger
	RunID     string
	ExecID    string
}

// ContextOption configures a new ExecutionContext.
type ContextOption func(*ExecutionContext)

// WithTimeout sets the per-execute timeout.
func WithTimeout(d time.Duration) ContextOption {
	return func(ec *ExecutionContext) { ec.Timeout = d }
}

// WithContextParser sets the parser used by terminal nodes.
func WithContextParser(p Parser) ContextOption {
	return func(ec *ExecutionContext) { ec.Parser = p }
}

// WithRunLogger sets the structured logger correlating this execution.
func WithRunLogger(l *slog.Logger) ContextOption {
	return func(ec *ExecutionContext) { ec.RunLogger = l }
}

// WithBudget replaces the default unlimited budget.
func WithBudget(b *Budget) ContextOption {
	return func(ec *ExecutionContext) { ec.Budget = b }
}

// WithRunID sets the logging correlation id for the run.
func WithRunID(id string) ContextOption {
	return func(ec *ExecutionContext) { ec.RunID = id }
}

// NewExecutionContext creates a context with a fresh cancel token,
// budget, and trace. session may be nil for detached tests.
func NewExecutionContext(session *Session, input any, opts ...ContextOption) *ExecutionContext {
	ec := &ExecutionContext{
		Session: session,
		Input:   input,
		Cancel:  NewCancelToken(),
		Budget:  NewBudget(),
		Trace:   NewTrace(),
		ExecID:  NewRunID(),
	}
	for _, opt := range opts {
		opt(ec)
	}
	if ec.RunLogger == nil {
		if session != nil {
			ec.RunLogger = session.Logger()
		} else {
			ec.RunLogger = nopLogger
		}
	}
	return ec
}

// WithInput derives a context with a different input.
func (ec *ExecutionContext) WithInput(input any) *ExecutionContext {
	d := *ec
	d.Input = input
	return &d
}

// WithUpstream derives a context carrying upstream step results.
func (ec *ExecutionContext) WithUpstream(upstream map[string]Result) *ExecutionContext {
	d := *ec
	d.Upstream = upstream
	return &d
}

// WithParser derives a context with a parser override.
func (ec *ExecutionContext) WithParser(p Parser) *ExecutionContext {
	d := *ec
	d.Parser = p
	return &d
}

// CheckCancelled returns context.Canceled (wrapped) once the shared
// token has been set.
func (ec *ExecutionContext) CheckCancelled() error {
	if ec.Cancel != nil && ec.Cancel.Cancelled() {
		return fmt.Errorf("execution cancelled: %w", context.Canceled)
	}
	return nil
}

// CheckBudget returns a BudgetExceededError if any cap is violated.
func (ec *ExecutionContext) CheckBudget() error {
	if ec.Budget == nil {
		return nil
	}
	return ec.Budget.Check()
}

// nopLogger discards all output. Used when no logger is configured.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
