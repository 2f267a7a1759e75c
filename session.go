package nerve

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Session is the registry and lifecycle scope for nodes, graphs,
// workflows, and workflow runs. Node and graph ids share one namespace;
// workflow and run ids live in their own. All methods are safe for
// concurrent use.
type Session struct {
	name           string
	serverName     string
	historyEnabled bool
	historyBaseDir string
	logger         *slog.Logger
	tracer         Tracer
	runStore       RunStore

	mu        sync.Mutex
	nodes     map[string]Node
	graphs    map[string]*Graph
	workflows map[string]*Workflow
	runs      map[string]*WorkflowRun
	// nodeOrder remembers registration order; shutdown walks it in
	// reverse so wrappers tear down before their inner nodes.
	nodeOrder []string
	history   map[string]*HistoryWriter
	stopped   bool
}

// SessionOption configures a new Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session-wide structured logger.
func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// WithHistory enables per-node JSONL history under baseDir.
func WithHistory(baseDir string) SessionOption {
	return func(s *Session) {
		s.historyEnabled = true
		s.historyBaseDir = baseDir
	}
}

// WithTracer sets the tracing facade used by graph, workflow, and chat
// executions in this session.
func WithTracer(t Tracer) SessionOption {
	return func(s *Session) { s.tracer = t }
}

// WithRunStore sets the archive store that receives workflow run
// snapshots and events as they complete.
func WithRunStore(rs RunStore) SessionOption {
	return func(s *Session) { s.runStore = rs }
}

// NewSession creates a session hosted by the named daemon instance.
func NewSession(name, serverName string, opts ...SessionOption) *Session {
	s := &Session{
		name:       name,
		serverName: serverName,
		nodes:      make(map[string]Node),
		graphs:     make(map[string]*Graph),
		workflows:  make(map[string]*Workflow),
		runs:       make(map[string]*WorkflowRun),
		history:    make(map[string]*HistoryWriter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Name returns the session name.
func (s *Session) Name() string { return s.name }

// ServerName returns the daemon instance hosting the session.
func (s *Session) ServerName() string { return s.serverName }

// Logger returns the session-wide structured logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Tracer returns the configured tracing facade, or nil.
func (s *Session) Tracer() Tracer { return s.tracer }

// HistoryEnabled reports whether per-node history logging is on.
func (s *Session) HistoryEnabled() bool { return s.historyEnabled }

// RegisterNode adds a node to the session. Fails when the id is invalid
// or collides with an existing node or graph.
func (s *Session) RegisterNode(node Node) error {
	id := node.ID()
	if err := ValidateID(id); err != nil {
		s.logger.Warn("register_node_failed", "session", s.name, "node", id, "error", err)
		return fmt.Errorf("register node: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; ok {
		s.logger.Warn("register_node_failed", "session", s.name, "node", id, "error", "id collision")
		return fmt.Errorf("register node: id %q already taken by a node", id)
	}
	if _, ok := s.graphs[id]; ok {
		s.logger.Warn("register_node_failed", "session", s.name, "node", id, "error", "id collision")
		return fmt.Errorf("register node: id %q already taken by a graph", id)
	}
	s.nodes[id] = node
	s.nodeOrder = append(s.nodeOrder, id)
	s.logger.Info("node_registered", "session", s.name, "node", id, "type", node.Type())
	return nil
}

// RegisterGraph adds a graph to the session. Graph ids share the node
// namespace.
func (s *Session) RegisterGraph(g *Graph) error {
	id := g.ID()
	if err := ValidateID(id); err != nil {
		s.logger.Warn("register_graph_failed", "session", s.name, "graph", id, "error", err)
		return fmt.Errorf("register graph: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; ok {
		return fmt.Errorf("register graph: id %q already taken by a node", id)
	}
	if _, ok := s.graphs[id]; ok {
		return fmt.Errorf("register graph: id %q already taken by a graph", id)
	}
	s.graphs[id] = g
	s.logger.Info("graph_registered", "session", s.name, "graph", id, "steps", len(g.stepOrder))
	return nil
}

// RegisterWorkflow adds a workflow. Workflow ids have their own
// namespace.
func (s *Session) RegisterWorkflow(wf *Workflow) error {
	id := wf.ID()
	if err := ValidateID(id); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; ok {
		return fmt.Errorf("register workflow: id %q already taken", id)
	}
	s.workflows[id] = wf
	s.logger.Info("workflow_registered", "session", s.name, "workflow", id)
	return nil
}

// GetNode returns the node with the given id, or nil.
func (s *Session) GetNode(id string) Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[id]
}

// GetGraph returns the graph with the given id, or nil.
func (s *Session) GetGraph(id string) *Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphs[id]
}

// GetWorkflow returns the workflow with the given id, or nil.
func (s *Session) GetWorkflow(id string) *Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workflows[id]
}

// GetRun returns the workflow run with the given id, or nil.
func (s *Session) GetRun(id string) *WorkflowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// ListNodes returns node snapshots in registration order.
func (s *Session) ListNodes() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeInfo, 0, len(s.nodes))
	for _, id := range s.nodeOrder {
		if node, ok := s.nodes[id]; ok {
			out = append(out, node.Info())
		}
	}
	return out
}

// ListGraphs returns registered graph ids.
func (s *Session) ListGraphs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.graphs))
	for id := range s.graphs {
		out = append(out, id)
	}
	return out
}

// ListWorkflows returns registered workflow ids.
func (s *Session) ListWorkflows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workflows))
	for id := range s.workflows {
		out = append(out, id)
	}
	return out
}

// ListRuns returns snapshots of every workflow run.
func (s *Session) ListRuns() []RunInfo {
	s.mu.Lock()
	runs := make([]*WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()
	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Info())
	}
	return out
}

// Counts returns registry sizes for the PING reply.
func (s *Session) Counts() (nodes, graphs, workflows, runs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes), len(s.graphs), len(s.workflows), len(s.runs)
}

// DeleteNode stops and removes a node. Idempotent: deleting an unknown
// id is a no-op.
func (s *Session) DeleteNode(id string) {
	s.mu.Lock()
	node, ok := s.nodes[id]
	if ok {
		delete(s.nodes, id)
		for i, nid := range s.nodeOrder {
			if nid == id {
				s.nodeOrder = append(s.nodeOrder[:i], s.nodeOrder[i+1:]...)
				break
			}
		}
	}
	hw := s.history[id]
	delete(s.history, id)
	s.mu.Unlock()

	if !ok {
		return
	}
	if err := node.Stop(); err != nil {
		s.logger.Warn("node_stop_failed", "session", s.name, "node", id, "error", err)
	}
	if hw != nil {
		hw.Close()
	}
	s.logger.Info("node_deleted", "session", s.name, "node", id)
}

// ExecuteWorkflow resolves the workflow, creates a run, and starts it.
// The optional callback receives every run event as it is appended.
func (s *Session) ExecuteWorkflow(workflowID string, input any, params map[string]any, callback EventCallback) (*WorkflowRun, error) {
	wf := s.GetWorkflow(workflowID)
	if wf == nil {
		return nil, &NotFoundError{Kind: "workflow", ID: workflowID}
	}
	run := newWorkflowRun(wf, input, params, callback)
	s.mu.Lock()
	s.runs[run.ID()] = run
	s.mu.Unlock()
	s.logger.Info("workflow_run_created", "session", s.name, "workflow", workflowID, "run", run.ID())
	run.Start()
	return run, nil
}

// HistoryWriter returns the append-only history writer for a node,
// creating it on first use. Returns nil when history is disabled.
func (s *Session) HistoryWriter(nodeID string) *HistoryWriter {
	if !s.historyEnabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hw, ok := s.history[nodeID]; ok {
		return hw
	}
	hw, err := NewHistoryWriter(s.historyBaseDir, s.serverName, s.name, nodeID)
	if err != nil {
		s.logger.Warn("history_open_failed", "session", s.name, "node", nodeID, "error", err)
		return nil
	}
	s.history[nodeID] = hw
	return hw
}

// Stop cancels every workflow run, then stops persistent nodes in
// reverse registration order. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	runs := make([]*WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	order := make([]string, len(s.nodeOrder))
	copy(order, s.nodeOrder)
	writers := make([]*HistoryWriter, 0, len(s.history))
	for _, hw := range s.history {
		writers = append(writers, hw)
	}
	s.mu.Unlock()

	for _, r := range runs {
		if !r.State().IsTerminal() {
			r.Cancel()
		}
	}
	for i := len(order) - 1; i >= 0; i-- {
		node := s.GetNode(order[i])
		if node == nil || !node.Info().Persistent {
			continue
		}
		if err := node.Stop(); err != nil {
			s.logger.Warn("node_stop_failed", "session", s.name, "node", order[i], "error", err)
		} else {
			s.logger.Info("node_stopped", "session", s.name, "node", order[i])
		}
	}
	for _, hw := range writers {
		hw.Close()
	}
	s.logger.Info("session_stopped", "session", s.name)
}

// archiveRun persists a completed run snapshot when a RunStore is
// configured. Called by the run goroutine on completion.
func (s *Session) archiveRun(run *WorkflowRun) {
	if s.runStore == nil {
		return
	}
	info := run.Info()
	if err := s.runStore.SaveRun(context.Background(), info); err != nil {
		s.logger.Warn("run_archive_failed", "session", s.name, "run", info.ID, "error", err)
	}
}
