package nerve

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// defaultBashTimeout bounds a single shell invocation.
const defaultBashTimeout = 30 * time.Second

// BashNode runs one shell invocation per execute. Ephemeral: no state
// survives between calls beyond the configured working directory.
type BashNode struct {
	id      string
	cwd     string
	timeout time.Duration

	mu      sync.Mutex
	running *exec.Cmd
}

// BashOption configures a BashNode.
type BashOption func(*BashNode)

// WithBashCwd sets the working directory for every invocation.
func WithBashCwd(dir string) BashOption {
	return func(n *BashNode) { n.cwd = dir }
}

// WithBashTimeout overrides the default 30s invocation timeout.
func WithBashTimeout(d time.Duration) BashOption {
	return func(n *BashNode) { n.timeout = d }
}

// NewBashNode creates a BashNode.
func NewBashNode(id string, opts ...BashOption) *BashNode {
	n := &BashNode{id: id, timeout: defaultBashTimeout}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *BashNode) ID() string   { return n.id }
func (n *BashNode) Type() string { return "bash" }

// Execute runs the input string as `sh -c <input>` with the configured
// timeout. attributes carries stdout, stderr, and exit_code.
func (n *BashNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	command, ok := ec.Input.(string)
	if !ok || command == "" {
		return failResult(n.Type(), n.id, ec.Input, ErrInvalidRequest, "bash input must be a non-empty string")
	}

	timeout := n.timeout
	if ec.Timeout > 0 {
		timeout = ec.Timeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = n.cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	n.mu.Lock()
	n.running = cmd
	n.mu.Unlock()
	err := cmd.Run()
	n.mu.Lock()
	n.running = nil
	n.mu.Unlock()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		res := failResult(n.Type(), n.id, ec.Input, ErrTimeout,
			fmt.Sprintf("command timed out after %s", timeout))
		res.Attributes["stdout"] = stdout.String()
		res.Attributes["stderr"] = stderr.String()
		res.Attributes["exit_code"] = exitCode
		return res
	}
	if err != nil {
		res := failResult(n.Type(), n.id, ec.Input, ErrExecution,
			fmt.Sprintf("exit: %v", err))
		res.Attributes["stdout"] = stdout.String()
		res.Attributes["stderr"] = stderr.String()
		res.Attributes["exit_code"] = exitCode
		return res
	}

	res := okResult(n.Type(), n.id, ec.Input, stdout.String())
	res.Attributes["stdout"] = stdout.String()
	res.Attributes["stderr"] = stderr.String()
	res.Attributes["exit_code"] = exitCode
	return res
}

// Interrupt kills the in-flight subprocess, if any.
func (n *BashNode) Interrupt() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running != nil && n.running.Process != nil {
		_ = n.running.Process.Kill()
	}
}

func (n *BashNode) Stop() error { return nil }

func (n *BashNode) Info() NodeInfo {
	return NodeInfo{ID: n.id, Type: n.Type(), State: StateReady, Persistent: false,
		Metadata: map[string]any{"cwd": n.cwd, "timeout_ms": n.timeout.Milliseconds()}}
}
