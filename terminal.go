package nerve

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TerminalBackend is the collaborator owning a terminal process or
// pane. Implementations live in the term package; the core only
// depends on this contract.
type TerminalBackend interface {
	// Kind identifies the backend family ("subprocess", "wezterm").
	// Terminal nodes pick the input submission sequence from it.
	Kind() string
	// Start launches or attaches the backend.
	Start(ctx context.Context) error
	// Stop terminates the backend and releases its resources.
	Stop() error
	// Write sends raw bytes to the terminal's input.
	Write(data string) error
	// Buffer returns the current output buffer. Subprocess backends
	// return a monotonically-growing buffer; wezterm queries the pane
	// fresh on every call.
	Buffer() (string, error)
	// ReadTail returns the last n lines of the buffer.
	ReadTail(n int) (string, error)
	// PollInterval is the backend's natural readiness polling cadence.
	PollInterval() time.Duration
}

// readyConfirmDelay is the settle sleep after two consecutive positive
// readiness samples, guarding against a prompt redraw mid-parse.
const readyConfirmDelay = 200 * time.Millisecond

// defaultTerminalTimeout bounds one terminal execute.
const defaultTerminalTimeout = 2 * time.Minute

// TerminalNode drives an interactive terminal through a backend and a
// parser. Persistent: it owns the backend process or pane.
type TerminalNode struct {
	id      string
	session *Session
	backend TerminalBackend
	parser  Parser
	timeout time.Duration
	state   nodeState
	meta    map[string]any
}

// TerminalOption configures a TerminalNode.
type TerminalOption func(*TerminalNode)

// WithTerminalParser sets the node's default parser.
func WithTerminalParser(p Parser) TerminalOption {
	return func(n *TerminalNode) { n.parser = p }
}

// WithTerminalTimeout overrides the default 2m execute timeout.
func WithTerminalTimeout(d time.Duration) TerminalOption {
	return func(n *TerminalNode) { n.timeout = d }
}

// WithTerminalMetadata merges extra metadata into the node snapshot.
func WithTerminalMetadata(meta map[string]any) TerminalOption {
	return func(n *TerminalNode) {
		for k, v := range meta {
			n.meta[k] = v
		}
	}
}

// NewTerminalNode creates a terminal node over a backend. Call Start
// before executing.
func NewTerminalNode(id string, session *Session, backend TerminalBackend, opts ...TerminalOption) *TerminalNode {
	n := &TerminalNode{
		id:      id,
		session: session,
		backend: backend,
		timeout: defaultTerminalTimeout,
		meta:    map[string]any{"backend": backend.Kind()},
	}
	for _, opt := range opts {
		opt(n)
	}
	n.state.set(StateStarting)
	return n
}

func (n *TerminalNode) ID() string { return n.id }

func (n *TerminalNode) Type() string {
	return "terminal_" + n.backend.Kind()
}

// Backend returns the owned backend.
func (n *TerminalNode) Backend() TerminalBackend { return n.backend }

// Parser returns the node's default parser, or nil.
func (n *TerminalNode) Parser() Parser { return n.parser }

// State returns the node's lifecycle state.
func (n *TerminalNode) State() NodeState { return n.state.get() }

// Start launches the backend and moves the node to READY.
func (n *TerminalNode) Start(ctx context.Context) error {
	if err := n.backend.Start(ctx); err != nil {
		n.state.set(StateStopped)
		return fmt.Errorf("start terminal %s: %w", n.id, err)
	}
	n.state.set(StateReady)
	return nil
}

// Execute writes the input to the terminal, polls the parser for
// readiness (two consecutive positive samples), and parses the
// new-since-send buffer slice into the result.
func (n *TerminalNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	return n.execute(ctx, ec, nil)
}

// ExecuteStream runs like Execute but emits newly-appeared buffer text
// into ch while polling. ch is closed before returning.
func (n *TerminalNode) ExecuteStream(ctx context.Context, ec *ExecutionContext, ch chan<- string) Result {
	defer close(ch)
	return n.execute(ctx, ec, ch)
}

func (n *TerminalNode) execute(ctx context.Context, ec *ExecutionContext, stream chan<- string) Result {
	input, ok := ec.Input.(string)
	if !ok {
		return failResult(n.Type(), n.id, ec.Input, ErrInvalidRequest, "terminal input must be a string")
	}
	if n.state.get() == StateStopped {
		return failResult(n.Type(), n.id, ec.Input, ErrNodeStopped, "terminal node is stopped")
	}
	parser := n.effectiveParser(ec)
	if parser == nil {
		return failResult(n.Type(), n.id, ec.Input, ErrInvalidRequest, "no parser configured")
	}
	timeout := n.timeout
	if ec.Timeout > 0 {
		timeout = ec.Timeout
	}

	// Capture the pre-send buffer so repeated executions never
	// re-interpret old output.
	pre, err := n.backend.Buffer()
	if err != nil {
		return failResult(n.Type(), n.id, ec.Input, ErrInternal, fmt.Sprintf("read buffer: %v", err))
	}
	offset := len(pre)
	start := time.Now()

	if !n.state.compareAndSwap(StateReady, StateBusy) {
		// BUSY or STARTING; the write proceeds anyway — serialization
		// is the wrapper's concern (ClaudeTerminalNode holds a mutex).
		n.state.set(StateBusy)
	}
	defer n.state.set(StateReady)

	if err := n.submit(parser, input); err != nil {
		return failResult(n.Type(), n.id, ec.Input, ErrInternal, fmt.Sprintf("write input: %v", err))
	}

	slice, err := n.pollReady(ctx, ec, parser, offset, timeout, stream)
	if err != nil {
		res := failFromErr(n.Type(), n.id, ec.Input, err)
		n.appendHistory(input, nil, pre, start)
		return res
	}

	parsed := parser.Parse(slice)
	res := okResult(n.Type(), n.id, ec.Input, parsed.LastText())
	res.Attributes["sections"] = parsed.Sections
	res.Attributes["raw"] = parsed.Raw
	res.Attributes["duration_ms"] = time.Since(start).Milliseconds()
	n.appendHistory(input, parsed.Sections, pre, start)
	return res
}

// submit writes the input using the parser-specific sequencing: the
// claude screen wants INSERT-mode keystrokes then Escape then Enter on
// a subprocess terminal, plain text plus carriage return on an external
// pane, and a newline-terminated line everywhere else.
func (n *TerminalNode) submit(parser Parser, input string) error {
	if parser.Name() == "claude" {
		if n.backend.Kind() == "subprocess" {
			for _, chunk := range []string{"i", input, "\x1b", "\r"} {
				if err := n.backend.Write(chunk); err != nil {
					return err
				}
			}
			return nil
		}
		return n.backend.Write(input + "\r")
	}
	return n.backend.Write(input + "\n")
}

// pollReady samples parser.IsReady until two consecutive positives,
// then sleeps briefly and returns the new-since-send buffer slice.
func (n *TerminalNode) pollReady(ctx context.Context, ec *ExecutionContext, parser Parser, offset int, timeout time.Duration, stream chan<- string) (string, error) {
	interval := n.backend.PollInterval()
	deadline := time.Now().Add(timeout)
	consecutive := 0
	streamed := offset

	for {
		if err := ec.CheckCancelled(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", context.DeadlineExceeded
		}

		buf, err := n.backend.Buffer()
		if err != nil {
			return "", err
		}
		if stream != nil && len(buf) > streamed {
			select {
			case stream <- buf[streamed:]:
			default:
			}
			streamed = len(buf)
		}

		if parser.IsReady(buf) {
			consecutive++
			if consecutive >= 2 {
				time.Sleep(readyConfirmDelay)
				final, err := n.backend.Buffer()
				if err != nil {
					return "", err
				}
				if offset > len(final) {
					// Pane was cleared or scrolled; fall back to the
					// whole buffer rather than slicing past the end.
					offset = 0
				}
				return final[offset:], nil
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ec.Cancel.Done():
			return "", ec.CheckCancelled()
		case <-time.After(interval):
		}
	}
}

// appendHistory writes the send record when the session logs history.
func (n *TerminalNode) appendHistory(input string, sections []Section, preBuffer string, start time.Time) {
	if n.session == nil {
		return
	}
	hw := n.session.HistoryWriter(n.id)
	if hw == nil {
		return
	}
	rec := HistoryRecord{
		TsStart: start.UnixMilli(),
		TsEnd:   time.Now().UnixMilli(),
		Op:      HistOpSend,
		Input:   input,
	}
	if sections != nil {
		rec.Response = sections
	}
	if preBuffer != "" {
		lines := strings.Split(preBuffer, "\n")
		if len(lines) > 50 {
			lines = lines[len(lines)-50:]
		}
		rec.Lines = lines
	}
	hw.Append(rec)
}

// WriteRaw passes data straight to the backend (WRITE_DATA command).
func (n *TerminalNode) WriteRaw(data string) error {
	if n.state.get() == StateStopped {
		return fmt.Errorf("terminal %s is stopped", n.id)
	}
	return n.backend.Write(data)
}

// ReadBuffer returns the current buffer (GET_BUFFER command).
func (n *TerminalNode) ReadBuffer() (string, error) {
	return n.backend.Buffer()
}

// Interrupt sends an interrupt keystroke to the backend.
func (n *TerminalNode) Interrupt() {
	_ = n.backend.Write("\x03")
}

// Stop terminates the backend. Idempotent.
func (n *TerminalNode) Stop() error {
	if n.state.get() == StateStopped {
		return nil
	}
	n.state.set(StateStopped)
	return n.backend.Stop()
}

func (n *TerminalNode) Info() NodeInfo {
	meta := make(map[string]any, len(n.meta))
	for k, v := range n.meta {
		meta[k] = v
	}
	return NodeInfo{
		ID:         n.id,
		Type:       n.Type(),
		State:      n.state.get(),
		Persistent: true,
		Metadata:   meta,
	}
}

func (n *TerminalNode) effectiveParser(ec *ExecutionContext) Parser {
	if ec.Parser != nil {
		return ec.Parser
	}
	return n.parser
}

var _ StreamingNode = (*TerminalNode)(nil)
