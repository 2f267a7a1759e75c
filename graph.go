package nerve

import (
	"context"
	"fmt"
	"time"
)

// Step is a graph vertex: a node (or a node-id lookup deferred to
// execute time), its input, its dependency edges, and an optional error
// policy and parser override.
type Step struct {
	ID      string
	Node    Node
	NodeRef string
	// Input is the static step input. Mutually exclusive with InputFn.
	Input    any
	HasInput bool
	// InputFn derives the input from a map of upstream step outputs
	// merged with {"input": <graph-level input>}.
	InputFn   func(upstream map[string]any) (any, error)
	DependsOn []string
	Policy    *ErrorPolicy
	Parser    Parser
}

// Graph is a validated DAG of steps executed in topological order with
// per-step retry, timeout, and fallback policies. A Graph satisfies the
// Node contract, so a step may reference a graph.
type Graph struct {
	id          string
	session     *Session
	maxParallel int
	stepOrder   []string
	steps       map[string]*Step

	// In-flight execution state, guarded by exec.mu in graph_exec.go.
	exec execState
}

// GraphOption configures a new Graph.
type GraphOption func(*Graph)

// WithMaxParallel declares the graph's parallelism capability. The
// scheduler executes steps strictly in topological order regardless;
// the knob is carried as metadata. Values below 1 are clamped to 1.
func WithMaxParallel(n int) GraphOption {
	return func(g *Graph) {
		if n < 1 {
			n = 1
		}
		g.maxParallel = n
	}
}

// NewGraph creates an empty graph. session may be nil when every step
// carries a direct node reference; only AddStepRef resolution needs it.
func NewGraph(id string, session *Session, opts ...GraphOption) *Graph {
	g := &Graph{
		id:          id,
		session:     session,
		maxParallel: 1,
		steps:       make(map[string]*Step),
		exec:        execState{mu: make(chan struct{}, 1)},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) ID() string   { return g.id }
func (g *Graph) Type() string { return "graph" }

// MaxParallel returns the declared parallelism capability.
func (g *Graph) MaxParallel() int { return g.maxParallel }

// StepIDs returns the step ids in insertion order.
func (g *Graph) StepIDs() []string {
	out := make([]string, len(g.stepOrder))
	copy(out, g.stepOrder)
	return out
}

// GetStep returns the step with the given id, or nil.
func (g *Graph) GetStep(id string) *Step { return g.steps[id] }

// StepOption configures a step added via AddStep or AddStepRef.
type StepOption func(*Step)

// WithStepInput sets the static step input.
func WithStepInput(v any) StepOption {
	return func(s *Step) {
		s.Input = v
		s.HasInput = true
	}
}

// WithInputFn sets the dynamic input function. The map passed to fn
// contains each upstream step's output keyed by step id, plus "input"
// bound to the graph-level input.
func WithInputFn(fn func(upstream map[string]any) (any, error)) StepOption {
	return func(s *Step) { s.InputFn = fn }
}

// DependsOn appends dependency edges.
func DependsOn(ids ...string) StepOption {
	return func(s *Step) { s.DependsOn = append(s.DependsOn, ids...) }
}

// WithPolicy sets the per-step error policy.
func WithPolicy(p ErrorPolicy) StepOption {
	return func(s *Step) { s.Policy = &p }
}

// WithStepParser sets a parser override applied to the step's context.
func WithStepParser(p Parser) StepOption {
	return func(s *Step) { s.Parser = p }
}

// AddStep adds a step holding a direct node reference. Returns a handle
// usable for fluent chaining.
func (g *Graph) AddStep(node Node, stepID string, opts ...StepOption) *StepHandle {
	s := &Step{ID: stepID, Node: node}
	for _, opt := range opts {
		opt(s)
	}
	g.insert(s)
	return &StepHandle{graph: g, ids: []string{stepID}}
}

// AddStepRef adds a step that resolves nodeID in the session at execute
// time. A lookup miss fails the step with internal_error.
func (g *Graph) AddStepRef(nodeID, stepID string, opts ...StepOption) *StepHandle {
	s := &Step{ID: stepID, NodeRef: nodeID}
	for _, opt := range opts {
		opt(s)
	}
	g.insert(s)
	return &StepHandle{graph: g, ids: []string{stepID}}
}

func (g *Graph) insert(s *Step) {
	if _, exists := g.steps[s.ID]; exists {
		// Duplicate ids are surfaced by Validate; the later insert wins
		// so the error is attributable.
		g.steps[s.ID] = s
		return
	}
	g.steps[s.ID] = s
	g.stepOrder = append(g.stepOrder, s.ID)
}

// Chain wires the named steps into a linear chain: each step depends on
// the one before it. Unknown ids are surfaced by Validate.
func (g *Graph) Chain(ids ...string) *Graph {
	for i := 1; i < len(ids); i++ {
		if s, ok := g.steps[ids[i]]; ok {
			s.DependsOn = append(s.DependsOn, ids[i-1])
		}
	}
	return g
}

// StepHandle supports fluent dependency wiring between already-added
// steps. Then(b) makes every step in b depend on every step in the
// receiver (cartesian for multi-id handles) and returns b for chaining:
//
//	g.AddStep(a, "a").Then(g.AddStep(b, "b")).Then(g.AddStep(c, "c"))
type StepHandle struct {
	graph *Graph
	ids   []string
}

// IDs returns the step ids the handle covers.
func (h *StepHandle) IDs() []string { return h.ids }

// Then wires next to depend on the receiver and returns next.
func (h *StepHandle) Then(next *StepHandle) *StepHandle {
	for _, to := range next.ids {
		if s, ok := h.graph.steps[to]; ok {
			s.DependsOn = append(s.DependsOn, h.ids...)
		}
	}
	return next
}

// Group merges handles so a fan-in or fan-out edge set can be expressed:
//
//	nerve.Group(a, b).Then(c)   // c depends on both a and b
//	a.Then(nerve.Group(b, c))   // b and c both depend on a
func Group(handles ...*StepHandle) *StepHandle {
	if len(handles) == 0 {
		return &StepHandle{}
	}
	merged := &StepHandle{graph: handles[0].graph}
	for _, h := range handles {
		merged.ids = append(merged.ids, h.ids...)
	}
	return merged
}

// Validate collects every construction error: empty step id, static and
// dynamic input both set, missing node reference, self-dependency,
// unknown dependency, and dependency cycles.
func (g *Graph) Validate() []error {
	var errs []error
	for _, id := range g.stepOrder {
		s := g.steps[id]
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("graph %s: step with empty id", g.id))
			continue
		}
		if s.HasInput && s.InputFn != nil {
			errs = append(errs, fmt.Errorf("graph %s: step %q sets both input and input_fn", g.id, s.ID))
		}
		if s.Node == nil && s.NodeRef == "" {
			errs = append(errs, fmt.Errorf("graph %s: step %q has neither a node nor a node reference", g.id, s.ID))
		}
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, fmt.Errorf("graph %s: step %q depends on itself", g.id, s.ID))
				continue
			}
			if _, ok := g.steps[dep]; !ok {
				errs = append(errs, fmt.Errorf("graph %s: step %q depends on unknown step %q", g.id, s.ID, dep))
			}
		}
	}
	if _, err := g.topoSort(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

// ExecutionOrder returns the topological step sequence, with ties broken
// by insertion order, or the first validation error.
func (g *Graph) ExecutionOrder() ([]string, error) {
	if errs := g.Validate(); len(errs) > 0 {
		return nil, errs[0]
	}
	return g.topoSort()
}

// topoSort runs Kahn's algorithm over the dependency edges. The ready
// set is scanned in insertion order so ties are broken deterministically.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string)
	for _, id := range g.stepOrder {
		s := g.steps[id]
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == id || seen[dep] {
				continue
			}
			if _, ok := g.steps[dep]; !ok {
				continue
			}
			seen[dep] = true
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	order := make([]string, 0, len(g.steps))
	done := make(map[string]bool, len(g.steps))
	for len(order) < len(g.stepOrder) {
		progressed := false
		for _, id := range g.stepOrder {
			if done[id] || inDegree[id] > 0 {
				continue
			}
			done[id] = true
			order = append(order, id)
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("graph %s: cycle detected in step dependencies", g.id)
		}
	}
	return order, nil
}

// CollectPersistentNodes walks the step tree, descending into nested
// graphs, and returns every persistent node exactly once. Sessions use
// it to start and stop graph-owned backends in order.
func (g *Graph) CollectPersistentNodes() []Node {
	seen := make(map[Node]bool)
	var out []Node
	g.collectPersistent(seen, &out)
	return out
}

func (g *Graph) collectPersistent(seen map[Node]bool, out *[]Node) {
	for _, id := range g.stepOrder {
		s := g.steps[id]
		node := s.Node
		if node == nil && s.NodeRef != "" && g.session != nil {
			node = g.session.GetNode(s.NodeRef)
		}
		if node == nil || seen[node] {
			continue
		}
		seen[node] = true
		if sub, ok := node.(*Graph); ok {
			sub.collectPersistent(seen, out)
			continue
		}
		if node.Info().Persistent {
			*out = append(*out, node)
		}
		if p := s.Policy; p != nil && p.FallbackNode != nil && !seen[p.FallbackNode] {
			seen[p.FallbackNode] = true
			if p.FallbackNode.Info().Persistent {
				*out = append(*out, p.FallbackNode)
			}
		}
	}
}

// Stop is a no-op: graphs borrow nodes from the session and own nothing.
func (g *Graph) Stop() error { return nil }

// Info returns the graph snapshot. Graphs are ephemeral from the node
// protocol's point of view: they hold no backend resources.
func (g *Graph) Info() NodeInfo {
	return NodeInfo{
		ID:         g.id,
		Type:       g.Type(),
		State:      StateReady,
		Persistent: false,
		Metadata: map[string]any{
			"steps":        len(g.stepOrder),
			"max_parallel": g.maxParallel,
		},
	}
}

// resolveNode returns the step's node, looking up NodeRef in the
// session when the step was added by reference.
func (g *Graph) resolveNode(s *Step) (Node, error) {
	if s.Node != nil {
		return s.Node, nil
	}
	if g.session == nil {
		return nil, fmt.Errorf("graph %s: step %q references node %q but the graph has no session", g.id, s.ID, s.NodeRef)
	}
	node := g.session.GetNode(s.NodeRef)
	if node == nil {
		return nil, fmt.Errorf("graph %s: step %q references unknown node %q", g.id, s.ID, s.NodeRef)
	}
	return node, nil
}

// stepInput computes the effective input for a step. Precedence:
// InputFn over static input over the default wiring — a step with one
// dependency inherits that step's output, a root step inherits the
// graph-level input, and a fan-in step receives a map of upstream
// outputs keyed by step id.
func (g *Graph) stepInput(s *Step, ec *ExecutionContext, results map[string]Result) (any, error) {
	if s.InputFn != nil {
		upstream := make(map[string]any, len(results)+1)
		for id, r := range results {
			upstream[id] = r.Output
		}
		upstream["input"] = ec.Input
		return s.InputFn(upstream)
	}
	if s.HasInput {
		return s.Input, nil
	}
	switch len(s.DependsOn) {
	case 0:
		return ec.Input, nil
	case 1:
		return results[s.DependsOn[0]].Output, nil
	default:
		merged := make(map[string]any, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			merged[dep] = results[dep].Output
		}
		return merged, nil
	}
}

// upstreamResults narrows the full result map to the step's declared
// dependencies for the step context.
func upstreamResults(s *Step, results map[string]Result) map[string]Result {
	up := make(map[string]Result, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		if r, ok := results[dep]; ok {
			up[dep] = r
		}
	}
	return up
}

// execState tracks the in-flight execution so Interrupt can reach it.
type execState struct {
	mu      chan struct{} // 1-buffered; acts as the interrupt lock
	current Node
	cancel  *CancelToken
}

func (g *Graph) setCurrent(node Node, cancel *CancelToken) {
	g.execLock()
	g.exec.current = node
	g.exec.cancel = cancel
	g.execUnlock()
}

func (g *Graph) execLock() { g.exec.mu <- struct{}{} }

func (g *Graph) execUnlock() { <-g.exec.mu }

// Interrupt cancels the in-flight execution's token and interrupts the
// currently executing node. Steps not yet started never start.
func (g *Graph) Interrupt() {
	g.execLock()
	cancel, current := g.exec.cancel, g.exec.current
	g.execUnlock()
	if cancel != nil {
		cancel.Cancel()
	}
	if current != nil {
		current.Interrupt()
	}
}

// runtimeTimeout bounds a single policy attempt with the step timeout
// when set; otherwise the attempt runs unbounded.
func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
