package term

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	nerve "github.com/nerveworks/nerve"
)

// weztermPollInterval is the readiness polling cadence for wezterm
// panes; every sample shells out to the wezterm CLI, so it is coarser
// than the subprocess cadence.
const weztermPollInterval = 2 * time.Second

// Wezterm drives a pane of a running wezterm instance through its CLI.
// The pane is either spawned by Start or pre-existing (Attach). Buffer
// queries the pane's visible scrollback fresh on every call.
type Wezterm struct {
	command string
	logger  *slog.Logger

	mu       sync.Mutex
	paneID   int
	attached bool
	started  bool
	stopped  bool
}

// WeztermOption configures a Wezterm backend.
type WeztermOption func(*Wezterm)

// WithWeztermLogger sets the backend's logger.
func WithWeztermLogger(l *slog.Logger) WeztermOption {
	return func(w *Wezterm) { w.logger = l }
}

// NewWezterm creates a backend that spawns a new pane running command.
func NewWezterm(command string, opts ...WeztermOption) *Wezterm {
	w := &Wezterm{
		command: command,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Attach creates a backend over an existing pane. Start validates the
// pane but spawns nothing; Stop leaves the pane running.
func Attach(paneID int, opts ...WeztermOption) *Wezterm {
	w := &Wezterm{
		paneID:   paneID,
		attached: true,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Wezterm) Kind() string { return "wezterm" }

func (w *Wezterm) PollInterval() time.Duration { return weztermPollInterval }

// PaneID returns the pane this backend drives.
func (w *Wezterm) PaneID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paneID
}

// Start spawns the pane, or for an attached backend verifies the pane
// answers a get-text probe.
func (w *Wezterm) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("wezterm backend already started")
	}
	if w.stopped {
		return fmt.Errorf("wezterm backend is stopped")
	}

	if w.attached {
		probe := exec.CommandContext(ctx, "wezterm", "cli", "get-text",
			"--pane-id", strconv.Itoa(w.paneID))
		if out, err := probe.CombinedOutput(); err != nil {
			return fmt.Errorf("attach pane %d: %v: %s", w.paneID, err, strings.TrimSpace(string(out)))
		}
		w.started = true
		w.logger.Debug("wezterm_attached", "pane_id", w.paneID)
		return nil
	}

	spawn := exec.CommandContext(ctx, "wezterm", "cli", "spawn", "--", "sh", "-c", w.command)
	out, err := spawn.Output()
	if err != nil {
		return fmt.Errorf("spawn pane: %w", err)
	}
	paneID, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return fmt.Errorf("parse spawned pane id %q: %w", strings.TrimSpace(string(out)), err)
	}
	w.paneID = paneID
	w.started = true
	w.logger.Debug("wezterm_spawned", "pane_id", paneID, "command", w.command)
	return nil
}

// Write sends raw text to the pane without paste bracketing, so
// control characters arrive as keystrokes.
func (w *Wezterm) Write(data string) error {
	w.mu.Lock()
	paneID, stopped, started := w.paneID, w.stopped, w.started
	w.mu.Unlock()
	if stopped || !started {
		return fmt.Errorf("wezterm backend is not running")
	}
	cmd := exec.Command("wezterm", "cli", "send-text", "--no-paste",
		"--pane-id", strconv.Itoa(paneID))
	cmd.Stdin = strings.NewReader(data)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("send-text pane %d: %v: %s", paneID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Buffer returns the pane's current text, queried fresh.
func (w *Wezterm) Buffer() (string, error) {
	w.mu.Lock()
	paneID, stopped, started := w.paneID, w.stopped, w.started
	w.mu.Unlock()
	if stopped || !started {
		return "", fmt.Errorf("wezterm backend is not running")
	}
	out, err := exec.Command("wezterm", "cli", "get-text",
		"--pane-id", strconv.Itoa(paneID)).Output()
	if err != nil {
		return "", fmt.Errorf("get-text pane %d: %w", paneID, err)
	}
	return string(out), nil
}

// ReadTail returns the last n lines of the pane text.
func (w *Wezterm) ReadTail(n int) (string, error) {
	buf, err := w.Buffer()
	if err != nil {
		return "", err
	}
	lines := strings.Split(buf, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// Stop kills a spawned pane; an attached pane is left running.
func (w *Wezterm) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	if w.attached || !w.started {
		return nil
	}
	out, err := exec.Command("wezterm", "cli", "kill-pane",
		"--pane-id", strconv.Itoa(w.paneID)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("kill-pane %d: %v: %s", w.paneID, err, strings.TrimSpace(string(out)))
	}
	w.logger.Debug("wezterm_killed", "pane_id", w.paneID)
	return nil
}

var _ nerve.TerminalBackend = (*Wezterm)(nil)
