package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	nerve "github.com/nerveworks/nerve"
)

const (
	// defaultExecuteTimeout bounds one execute command end to end.
	defaultExecuteTimeout = 2 * time.Minute
	// defaultExtendedTimeout applies to nodes hosting long-running
	// sessions (claude terminals), which legitimately run for many
	// minutes per turn.
	defaultExtendedTimeout = 30 * time.Minute
	// drainTimeout bounds the graceful-stop wait for in-flight commands.
	drainTimeout = 10 * time.Second
)

// CodeRunner evaluates a code block in a per-session scratch scope.
// The daemon ships without an implementation; EXECUTE_PYTHON fails with
// invalid_request_error until one is configured.
type CodeRunner interface {
	Run(ctx context.Context, session *nerve.Session, code string) (any, error)
}

// NodeBuilder constructs a node for a backend tag that needs an
// external collaborator (suggestion, mcp).
type NodeBuilder func(session *nerve.Session, nodeID string, params map[string]any) (nerve.Node, error)

// Daemon hosts sessions and serves the command protocol over unix,
// TCP, and HTTP transports.
type Daemon struct {
	name   string
	logger *slog.Logger

	executeTimeout  time.Duration
	extendedTimeout time.Duration

	codeRunner CodeRunner
	builders   map[string]NodeBuilder
	llmKeys    map[string]string
	sessOpts   []nerve.SessionOption

	mu           sync.Mutex
	sessions     map[string]*nerve.Session
	sessionOrder []string
	listeners    []net.Listener
	httpSrv      *http.Server
	files        []string
	stopping     bool

	inflight sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithLogger sets the daemon's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithExecuteTimeout overrides the baseline execute-command timeout.
func WithExecuteTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		if t > 0 {
			d.executeTimeout = t
		}
	}
}

// WithExtendedTimeout overrides the long-session execute timeout.
func WithExtendedTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		if t > 0 {
			d.extendedTimeout = t
		}
	}
}

// WithCodeRunner mounts the EXECUTE_PYTHON collaborator.
func WithCodeRunner(r CodeRunner) Option {
	return func(d *Daemon) { d.codeRunner = r }
}

// WithNodeBuilder registers a collaborator-backed CREATE_NODE tag
// (suggestion, mcp).
func WithNodeBuilder(tag string, b NodeBuilder) Option {
	return func(d *Daemon) { d.builders[tag] = b }
}

// WithLLMKey sets the fallback API key for a provider, used when a
// CREATE_NODE request omits api_key.
func WithLLMKey(provider, key string) Option {
	return func(d *Daemon) { d.llmKeys[provider] = key }
}

// WithSessionOptions sets the options applied to every session the
// daemon creates (history, tracer, run store).
func WithSessionOptions(opts ...nerve.SessionOption) Option {
	return func(d *Daemon) { d.sessOpts = opts }
}

// New creates a daemon with one session named "default".
func New(name string, opts ...Option) *Daemon {
	d := &Daemon{
		name:            name,
		logger:          slog.New(slog.DiscardHandler),
		executeTimeout:  defaultExecuteTimeout,
		extendedTimeout: defaultExtendedTimeout,
		builders:        make(map[string]NodeBuilder),
		llmKeys:         make(map[string]string),
		sessions:        make(map[string]*nerve.Session),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.addSession("default")
	return d
}

// Name returns the daemon instance name.
func (d *Daemon) Name() string { return d.name }

// Done returns a channel closed when the daemon has fully stopped.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) addSession(name string) *nerve.Session {
	opts := append([]nerve.SessionOption{nerve.WithSessionLogger(d.logger)}, d.sessOpts...)
	s := nerve.NewSession(name, d.name, opts...)
	d.mu.Lock()
	d.sessions[name] = s
	d.sessionOrder = append(d.sessionOrder, name)
	d.mu.Unlock()
	return s
}

// Session returns the named session, creating it on first reference.
// An empty name resolves to the default session.
func (d *Daemon) Session(name string) *nerve.Session {
	d.mu.Lock()
	if name == "" {
		name = d.sessionOrder[0]
	}
	if s, ok := d.sessions[name]; ok {
		d.mu.Unlock()
		return s
	}
	d.mu.Unlock()
	if err := nerve.ValidateID(name); err != nil {
		return nil
	}
	return d.addSession(name)
}

// SessionNames returns session names in creation order.
func (d *Daemon) SessionNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sessionOrder))
	copy(out, d.sessionOrder)
	return out
}

// Start opens the configured listeners and writes the bookkeeping
// files. unix enables the unix socket; tcpAddr/httpAddr enable those
// listeners when non-empty. Fails when a daemon of the same name is
// already running.
func (d *Daemon) Start(unix bool, tcpAddr, httpAddr string) error {
	if pid, alive := PidAlive(d.name); alive {
		return fmt.Errorf("daemon %q already running (pid %d)", d.name, pid)
	}
	if err := d.writePid(); err != nil {
		return err
	}

	if unix {
		path := SocketPath(d.name)
		_ = os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err != nil {
			d.removeFiles()
			return fmt.Errorf("listen unix %s: %w", path, err)
		}
		d.trackListener(ln, path)
		go d.serve(ln)
		d.logger.Info("listening", "transport", "unix", "path", path)
	}
	if tcpAddr != "" {
		ln, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			d.Stop()
			return fmt.Errorf("listen tcp %s: %w", tcpAddr, err)
		}
		sidecar := PidPath(d.name) + ".tcp"
		if err := os.WriteFile(sidecar, []byte(ln.Addr().String()), 0o644); err != nil {
			ln.Close()
			d.Stop()
			return fmt.Errorf("write tcp sidecar: %w", err)
		}
		d.trackListener(ln, sidecar)
		go d.serve(ln)
		d.logger.Info("listening", "transport", "tcp", "addr", ln.Addr().String())
	}
	if httpAddr != "" {
		if err := d.startHTTP(httpAddr); err != nil {
			d.Stop()
			return err
		}
	}
	return nil
}

func (d *Daemon) trackListener(ln net.Listener, file string) {
	d.mu.Lock()
	d.listeners = append(d.listeners, ln)
	if file != "" {
		d.files = append(d.files, file)
	}
	d.mu.Unlock()
}

// Stop shuts the daemon down: listeners close, in-flight commands get
// a drain window, sessions stop, bookkeeping files disappear.
// Idempotent.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		listeners := d.listeners
		d.listeners = nil
		httpSrv := d.httpSrv
		d.httpSrv = nil
		sessions := make([]*nerve.Session, 0, len(d.sessions))
		for _, name := range d.sessionOrder {
			sessions = append(sessions, d.sessions[name])
		}
		d.mu.Unlock()

		for _, ln := range listeners {
			_ = ln.Close()
		}
		if httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			_ = httpSrv.Shutdown(ctx)
			cancel()
		}

		drained := make(chan struct{})
		go func() {
			d.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(drainTimeout):
			d.logger.Warn("drain_timeout", "daemon", d.name)
		}

		for _, s := range sessions {
			s.Stop()
		}
		d.removeFiles()
		d.logger.Info("daemon_stopped", "daemon", d.name)
		close(d.done)
	})
}

func (d *Daemon) isStopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopping
}

// --- Bookkeeping files ---

// SocketPath returns the unix socket path for a daemon name.
func SocketPath(name string) string {
	return "/tmp/nerve-" + name + ".sock"
}

// PidPath returns the pid file path for a daemon name.
func PidPath(name string) string {
	return "/tmp/nerve-" + name + ".pid"
}

// TCPAddr reads the tcp sidecar for a daemon name, "" when absent.
func TCPAddr(name string) string {
	return readSidecar(PidPath(name) + ".tcp")
}

// HTTPAddr reads the http sidecar for a daemon name, "" when absent.
func HTTPAddr(name string) string {
	return readSidecar(PidPath(name) + ".http")
}

func readSidecar(path string) string {
	body, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// PidAlive reads the pid file for name and reports whether that
// process still exists.
func PidAlive(name string) (int, bool) {
	body, err := os.ReadFile(PidPath(name))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 probes existence without delivering anything.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

func (d *Daemon) writePid() error {
	path := PidPath(d.name)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	d.mu.Lock()
	d.files = append(d.files, path)
	d.mu.Unlock()
	return nil
}

func (d *Daemon) removeFiles() {
	d.mu.Lock()
	files := d.files
	d.files = nil
	d.mu.Unlock()
	for _, f := range files {
		_ = os.Remove(f)
	}
}
