// Package term implements the terminal backends consumed by terminal
// nodes: a managed subprocess with piped stdio and a wezterm pane
// driven through the wezterm CLI.
package term

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	nerve "github.com/nerveworks/nerve"
)

// subprocessPollInterval is the readiness polling cadence for owned
// subprocesses; the buffer is in-memory so sampling is cheap.
const subprocessPollInterval = 300 * time.Millisecond

// Subprocess runs the terminal program as a child process with piped
// stdio. Output accumulates in a growing in-memory buffer; Buffer
// returns the whole accumulation.
type Subprocess struct {
	command string
	dir     string
	env     []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	buf     strings.Builder
	started bool
	stopped bool
	readErr error
}

// SubprocessOption configures a Subprocess.
type SubprocessOption func(*Subprocess)

// WithSubprocessLogger sets the backend's logger.
func WithSubprocessLogger(l *slog.Logger) SubprocessOption {
	return func(s *Subprocess) { s.logger = l }
}

// WithSubprocessDir sets the child's working directory.
func WithSubprocessDir(dir string) SubprocessOption {
	return func(s *Subprocess) { s.dir = dir }
}

// WithSubprocessEnv appends K=V entries to the child's environment.
func WithSubprocessEnv(env []string) SubprocessOption {
	return func(s *Subprocess) { s.env = env }
}

// NewSubprocess creates a subprocess backend for a shell command. The
// process is launched by Start.
func NewSubprocess(command string, opts ...SubprocessOption) *Subprocess {
	s := &Subprocess{
		command: command,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Subprocess) Kind() string { return "subprocess" }

func (s *Subprocess) PollInterval() time.Duration { return subprocessPollInterval }

// Start launches the child under `sh -c` and begins draining its
// combined output into the buffer.
func (s *Subprocess) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("subprocess already started")
	}
	if s.stopped {
		return fmt.Errorf("subprocess is stopped")
	}

	cmd := exec.Command("sh", "-c", s.command)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", s.command, err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.started = true
	s.logger.Debug("subprocess_started", "command", s.command, "pid", cmd.Process.Pid)

	go s.drain(stdout)
	return nil
}

// drain appends child output to the buffer until EOF.
func (s *Subprocess) drain(r io.Reader) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
		}
		if err != nil {
			if err != io.EOF {
				s.mu.Lock()
				s.readErr = err
				s.mu.Unlock()
				s.logger.Warn("subprocess_read_failed", "command", s.command, "error", err)
			}
			return
		}
	}
}

// Write sends raw bytes to the child's stdin.
func (s *Subprocess) Write(data string) error {
	s.mu.Lock()
	stdin := s.stdin
	stopped := s.stopped
	s.mu.Unlock()
	if stopped || stdin == nil {
		return fmt.Errorf("subprocess is not running")
	}
	_, err := io.WriteString(stdin, data)
	return err
}

// Buffer returns the full accumulated output.
func (s *Subprocess) Buffer() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return s.buf.String(), s.readErr
	}
	return s.buf.String(), nil
}

// ReadTail returns the last n lines of the buffer.
func (s *Subprocess) ReadTail(n int) (string, error) {
	buf, err := s.Buffer()
	if err != nil {
		return "", err
	}
	lines := strings.Split(buf, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Stop kills the child and closes its stdin. Idempotent.
func (s *Subprocess) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill subprocess: %w", err)
		}
		go func(cmd *exec.Cmd) { _ = cmd.Wait() }(s.cmd)
	}
	s.logger.Debug("subprocess_stopped", "command", s.command)
	return nil
}

var _ nerve.TerminalBackend = (*Subprocess)(nil)
