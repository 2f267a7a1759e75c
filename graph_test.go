package nerve

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func doubleNode(id string) *FunctionNode {
	return NewFunctionNode(id, func(ec *ExecutionContext) (any, error) {
		n, ok := ec.Input.(int)
		if !ok {
			return nil, fmt.Errorf("want int, got %T", ec.Input)
		}
		return n * 2, nil
	})
}

func addNode(id string, delta int) *FunctionNode {
	return NewFunctionNode(id, func(ec *ExecutionContext) (any, error) {
		n, ok := ec.Input.(int)
		if !ok {
			return nil, fmt.Errorf("want int, got %T", ec.Input)
		}
		return n + delta, nil
	})
}

func renderNode(id string) *FunctionNode {
	return NewFunctionNode(id, func(ec *ExecutionContext) (any, error) {
		return fmt.Sprintf("%v", ec.Input), nil
	})
}

// failingNode fails a set number of times before succeeding, counting
// attempts.
type failingNode struct {
	id       string
	failures int
	attempts int
}

func (n *failingNode) ID() string   { return n.id }
func (n *failingNode) Type() string { return "failing" }
func (n *failingNode) Execute(_ context.Context, ec *ExecutionContext) Result {
	n.attempts++
	if n.attempts <= n.failures {
		return failResult(n.Type(), n.id, ec.Input, ErrAPI, fmt.Sprintf("attempt %d failed", n.attempts))
	}
	return okResult(n.Type(), n.id, ec.Input, "recovered")
}
func (n *failingNode) Interrupt()     {}
func (n *failingNode) Stop() error    { return nil }
func (n *failingNode) Info() NodeInfo { return NodeInfo{ID: n.id, Type: n.Type(), State: StateReady} }

// blockingNode blocks until interrupted.
type blockingNode struct {
	id      string
	release chan struct{}
}

func newBlockingNode(id string) *blockingNode {
	return &blockingNode{id: id, release: make(chan struct{})}
}

func (n *blockingNode) ID() string   { return n.id }
func (n *blockingNode) Type() string { return "blocking" }
func (n *blockingNode) Execute(ctx context.Context, ec *ExecutionContext) Result {
	select {
	case <-n.release:
	case <-ctx.Done():
	}
	return failResult(n.Type(), n.id, ec.Input, ErrExecution, "interrupted")
}
func (n *blockingNode) Interrupt() {
	select {
	case <-n.release:
	default:
		close(n.release)
	}
}
func (n *blockingNode) Stop() error    { return nil }
func (n *blockingNode) Info() NodeInfo { return NodeInfo{ID: n.id, Type: n.Type(), State: StateReady} }

func TestGraphChainComputesPipeline(t *testing.T) {
	g := NewGraph("calc", nil)
	g.AddStep(doubleNode("double"), "double")
	g.AddStep(addNode("add10", 10), "add10")
	g.AddStep(renderNode("render"), "render")
	g.Chain("double", "add10", "render")

	res, err := g.Run(context.Background(), NewExecutionContext(nil, 5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("graph failed: %s (%s)", res.Error, res.ErrorType)
	}
	if res.Output != "20" {
		t.Errorf("output = %v, want %q", res.Output, "20")
	}
	order, _ := res.Attributes["execution_order"].([]string)
	want := []string{"double", "add10", "render"}
	if len(order) != len(want) {
		t.Fatalf("execution_order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("execution_order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestGraphThenChaining(t *testing.T) {
	g := NewGraph("fluent", nil)
	g.AddStep(doubleNode("a"), "a").
		Then(g.AddStep(addNode("b", 1), "b")).
		Then(g.AddStep(renderNode("c"), "c"))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, 3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != "7" {
		t.Errorf("output = %v, want %q", res.Output, "7")
	}
}

func TestGraphExecutionOrderInsertionTieBreak(t *testing.T) {
	g := NewGraph("ties", nil)
	g.AddStep(NewIdentityNode("c"), "c")
	g.AddStep(NewIdentityNode("a"), "a")
	g.AddStep(NewIdentityNode("b"), "b")

	order, err := g.ExecutionOrder()
	if err != nil {
		t.Fatalf("execution order: %v", err)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestGraphValidateCollectsAllErrors(t *testing.T) {
	g := NewGraph("bad", nil)
	g.AddStep(NewIdentityNode("a"), "a",
		WithStepInput(1),
		WithInputFn(func(map[string]any) (any, error) { return nil, nil }),
		DependsOn("missing"))
	g.AddStep(NewIdentityNode("b"), "b", DependsOn("b"))

	errs := g.Validate()
	if len(errs) < 3 {
		t.Fatalf("got %d validation errors, want at least 3: %v", len(errs), errs)
	}
}

func TestGraphValidateCycle(t *testing.T) {
	g := NewGraph("cycle", nil)
	g.AddStep(NewIdentityNode("a"), "a", DependsOn("b"))
	g.AddStep(NewIdentityNode("b"), "b", DependsOn("a"))

	if errs := g.Validate(); len(errs) == 0 {
		t.Fatal("expected a cycle error")
	}
	if _, err := g.ExecutionOrder(); err == nil {
		t.Fatal("execution order should fail on a cyclic graph")
	}
}

func TestGraphRetryExhaustsAttempts(t *testing.T) {
	node := &failingNode{id: "flaky", failures: 100}
	g := NewGraph("retry", nil)
	g.AddStep(node, "s", WithPolicy(ErrorPolicy{
		RetryCount:  2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if node.attempts != 3 {
		t.Errorf("attempts = %d, want 3", node.attempts)
	}
	if res.Success {
		t.Error("graph should fail when retries are exhausted")
	}
	if res.ErrorType != ErrAPI {
		t.Errorf("error_type = %q, want %q (first failing step lifted)", res.ErrorType, ErrAPI)
	}
}

func TestGraphRetryRecovers(t *testing.T) {
	node := &failingNode{id: "flaky", failures: 2}
	g := NewGraph("retry", nil)
	g.AddStep(node, "s", WithPolicy(ErrorPolicy{
		RetryCount:  3,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("graph failed: %s", res.Error)
	}
	if res.Output != "recovered" {
		t.Errorf("output = %v, want %q", res.Output, "recovered")
	}
	if node.attempts != 3 {
		t.Errorf("attempts = %d, want 3", node.attempts)
	}
}

func TestGraphSkipDisposition(t *testing.T) {
	g := NewGraph("skip", nil)
	g.AddStep(&failingNode{id: "broken", failures: 100}, "broken", WithPolicy(ErrorPolicy{
		OnError:       OnErrorSkip,
		FallbackValue: "default",
	}))
	g.AddStep(renderNode("render"), "render", DependsOn("broken"))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("graph failed: %s", res.Error)
	}
	if res.Output != "default" {
		t.Errorf("output = %v, want %q (fallback value flowed downstream)", res.Output, "default")
	}
	steps := res.Attributes["steps"].(map[string]any)
	broken := steps["broken"].(Result)
	if broken.Attributes["skipped"] != true {
		t.Error("skipped step should carry the skipped attribute")
	}
}

func TestGraphFallbackDisposition(t *testing.T) {
	g := NewGraph("fb", nil)
	g.AddStep(&failingNode{id: "broken", failures: 100}, "s", WithPolicy(ErrorPolicy{
		OnError:      OnErrorFallback,
		FallbackNode: NewConstNode("backup", "from-backup"),
	}))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("graph failed: %s", res.Error)
	}
	if res.Output != "from-backup" {
		t.Errorf("output = %v, want %q", res.Output, "from-backup")
	}
}

func TestGraphFailStopsDownstream(t *testing.T) {
	ran := false
	g := NewGraph("abort", nil)
	g.AddStep(&failingNode{id: "broken", failures: 100}, "broken")
	g.AddStep(NewFunctionNode("after", func(ec *ExecutionContext) (any, error) {
		ran = true
		return nil, nil
	}), "after", DependsOn("broken"))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success {
		t.Error("graph should fail")
	}
	if ran {
		t.Error("downstream step ran after an upstream fail disposition")
	}
	order := res.Attributes["execution_order"].([]string)
	if len(order) != 1 {
		t.Errorf("execution_order = %v, want only the failing step", order)
	}
}

func TestGraphFanInReceivesUpstreamMap(t *testing.T) {
	var got map[string]any
	g := NewGraph("fanin", nil)
	a := g.AddStep(NewConstNode("a", 1), "a")
	b := g.AddStep(NewConstNode("b", 2), "b")
	Group(a, b).Then(g.AddStep(NewFunctionNode("sum", func(ec *ExecutionContext) (any, error) {
		m, ok := ec.Input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("want map input, got %T", ec.Input)
		}
		got = m
		return m["a"].(int) + m["b"].(int), nil
	}), "sum"))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != 3 {
		t.Errorf("output = %v, want 3", res.Output)
	}
	if len(got) != 2 {
		t.Errorf("fan-in input = %v, want outputs of both upstreams", got)
	}
}

func TestGraphInputFnOverridesWiring(t *testing.T) {
	g := NewGraph("fn", nil)
	g.AddStep(NewConstNode("a", 21), "a")
	g.AddStep(doubleNode("b"), "b", DependsOn("a"), WithInputFn(func(up map[string]any) (any, error) {
		return up["a"].(int) - 1, nil
	}))

	res, err := g.Run(context.Background(), NewExecutionContext(nil, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != 40 {
		t.Errorf("output = %v, want 40", res.Output)
	}
}

func TestGraphNestedGraphStep(t *testing.T) {
	inner := NewGraph("inner", nil)
	inner.AddStep(doubleNode("d"), "d")

	outer := NewGraph("outer", nil)
	outer.AddStep(inner, "nested")
	outer.AddStep(addNode("plus", 1), "plus", DependsOn("nested"))

	res, err := outer.Run(context.Background(), NewExecutionContext(nil, 4))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != 9 {
		t.Errorf("output = %v, want 9", res.Output)
	}
}

func TestGraphInterruptCancelsRun(t *testing.T) {
	node := newBlockingNode("stuck")
	g := NewGraph("cancelled", nil)
	g.AddStep(node, "stuck")
	g.AddStep(NewIdentityNode("after"), "after", DependsOn("stuck"))

	ec := NewExecutionContext(nil, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), ec)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	g.Interrupt()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("expected a cancellation error")
		}
		if !strings.Contains(err.Error(), "cancelled") {
			t.Errorf("err = %v, want cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("graph did not return after interrupt")
	}
}

func TestGraphInterruptBeforeRun(t *testing.T) {
	g := NewGraph("idle", nil)
	g.AddStep(NewIdentityNode("a"), "a")

	// Interrupting a graph that never executed is a no-op, including
	// when racing a first Run.
	g.Interrupt()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.Interrupt()
	}()
	go func() {
		defer wg.Done()
		if _, err := g.Run(context.Background(), NewExecutionContext(nil, "x")); err != nil {
			// A racing interrupt may legitimately cancel the run.
			if !strings.Contains(err.Error(), "cancelled") {
				t.Errorf("run err = %v", err)
			}
		}
	}()
	wg.Wait()
}

func TestGraphBudgetStops(t *testing.T) {
	g := NewGraph("budget", nil)
	g.AddStep(NewIdentityNode("a"), "a")
	g.AddStep(NewIdentityNode("b"), "b", DependsOn("a"))

	budget := NewBudget()
	budget.MaxSteps = 1
	ec := NewExecutionContext(nil, "x", WithBudget(budget))

	_, err := g.Run(context.Background(), ec)
	if err == nil {
		t.Fatal("expected a budget error")
	}
	var be *BudgetExceededError
	if !asBudgetErr(err, &be) {
		t.Fatalf("err = %T %v, want BudgetExceededError", err, err)
	}
	if be.Resource != "steps" {
		t.Errorf("resource = %q, want steps", be.Resource)
	}
}

func asBudgetErr(err error, target **BudgetExceededError) bool {
	for err != nil {
		if be, ok := err.(*BudgetExceededError); ok {
			*target = be
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestGraphStreamEmitsStepEvents(t *testing.T) {
	g := NewGraph("stream", nil)
	g.AddStep(doubleNode("a"), "a")
	g.AddStep(renderNode("b"), "b", DependsOn("a"))

	ch := make(chan StepEvent, 16)
	res, err := g.ExecuteStream(context.Background(), NewExecutionContext(nil, 2), ch)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Output != "4" {
		t.Errorf("output = %v, want %q", res.Output, "4")
	}

	var types []string
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []string{StepEventStart, StepEventComplete, StepEventStart, StepEventComplete}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestGraphStepRefResolvesThroughSession(t *testing.T) {
	s := NewSession("test", "srv")
	if err := s.RegisterNode(doubleNode("doubler")); err != nil {
		t.Fatalf("register: %v", err)
	}
	g := NewGraph("refs", s)
	g.AddStepRef("doubler", "d")

	res, err := g.Run(context.Background(), NewExecutionContext(s, 6))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Output != 12 {
		t.Errorf("output = %v, want 12", res.Output)
	}
}

func TestGraphStepRefMissFails(t *testing.T) {
	s := NewSession("test", "srv")
	g := NewGraph("refs", s)
	g.AddStepRef("ghost", "d")

	res, err := g.Run(context.Background(), NewExecutionContext(s, nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure on unknown node reference")
	}
	if res.ErrorType != ErrInternal {
		t.Errorf("error_type = %q, want %q", res.ErrorType, ErrInternal)
	}
}

func TestGraphResultInvariant(t *testing.T) {
	g := NewGraph("inv", nil)
	g.AddStep(doubleNode("a"), "a")
	res, err := g.Run(context.Background(), NewExecutionContext(nil, 1))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if verr := ValidateResult(res); verr != nil {
		t.Errorf("result shape invariant violated: %v", verr)
	}
	steps := res.Attributes["steps"].(map[string]any)
	for id, v := range steps {
		if verr := ValidateResult(v.(Result)); verr != nil {
			t.Errorf("step %s result shape invariant violated: %v", id, verr)
		}
	}
}
