package nerve

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func waitForState(t *testing.T, run *WorkflowRun, want RunState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if run.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("run state = %q, want %q", run.State(), want)
}

func TestWorkflowRunCompletes(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("greet", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return "hello " + wc.Input.(string), nil
	})
	if err := s.RegisterWorkflow(wf); err != nil {
		t.Fatalf("register: %v", err)
	}

	run, err := s.ExecuteWorkflow("greet", "world", nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	result, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != "hello world" {
		t.Errorf("result = %v, want %q", result, "hello world")
	}
	if run.State() != RunCompleted {
		t.Errorf("state = %q, want %q", run.State(), RunCompleted)
	}

	info := run.Info()
	if info.EndTime == nil {
		t.Error("end_time should be set on a terminal run")
	}
	var types []string
	for _, ev := range info.Events {
		types = append(types, ev.Type)
	}
	if types[0] != EventStateChanged || types[1] != EventWorkflowStarted {
		t.Errorf("leading events = %v", types[:2])
	}
	if types[len(types)-1] != EventWorkflowCompleted {
		t.Errorf("final event = %q, want %q", types[len(types)-1], EventWorkflowCompleted)
	}
}

func TestWorkflowRunFails(t *testing.T) {
	s := NewSession("test", "srv")
	wantErr := errors.New("boom")
	wf := NewWorkflow("broken", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return nil, wantErr
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("broken", nil, nil, nil)
	_, err := run.Wait(context.Background())
	if !errors.Is(err, wantErr) {
		t.Fatalf("wait err = %v, want %v", err, wantErr)
	}
	if run.State() != RunFailed {
		t.Errorf("state = %q, want %q", run.State(), RunFailed)
	}
}

func TestWorkflowGateAnswerValidation(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("approve", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		answer, err := wc.Gate(ctx, "proceed?", []string{"yes", "no"})
		if err != nil {
			return nil, err
		}
		return "answered " + answer.(string), nil
	})
	s.RegisterWorkflow(wf)

	run, err := s.ExecuteWorkflow("approve", nil, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForState(t, run, RunWaiting)

	gate := run.PendingGate()
	if gate == nil {
		t.Fatal("expected a pending gate")
	}
	if gate.Prompt != "proceed?" {
		t.Errorf("prompt = %q", gate.Prompt)
	}

	// Out-of-set answers are rejected and the gate stays pending.
	if err := run.AnswerGate("maybe"); err == nil {
		t.Fatal("answer outside the choice set should be rejected")
	}
	if run.State() != RunWaiting {
		t.Errorf("state after rejected answer = %q, want %q", run.State(), RunWaiting)
	}
	if run.PendingGate() == nil {
		t.Fatal("gate should remain pending after a rejected answer")
	}

	if err := run.AnswerGate("yes"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	result, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != "answered yes" {
		t.Errorf("result = %v, want %q", result, "answered yes")
	}

	// Answering a completed gate fails.
	if err := run.AnswerGate("no"); err == nil {
		t.Error("second answer should be rejected")
	}
}

func TestWorkflowGateEmitsStateTransitions(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("hold", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return wc.Gate(ctx, "go?", nil)
	})
	s.RegisterWorkflow(wf)

	run, err := s.ExecuteWorkflow("hold", nil, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	waitForState(t, run, RunWaiting)
	if err := run.AnswerGate("go"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	// The gate suspend and resume both go through the event log.
	var transitions []string
	for _, ev := range run.Info().Events {
		if ev.Type == EventStateChanged {
			transitions = append(transitions, ev.Data["from"].(string)+">"+ev.Data["to"].(string))
		}
	}
	want := []string{"pending>running", "running>waiting", "waiting>running"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestWorkflowCancelReleasesGate(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("stuck", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		_, err := wc.Gate(ctx, "never answered", nil)
		return nil, err
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("stuck", nil, nil, nil)
	waitForState(t, run, RunWaiting)

	run.Cancel()
	_, err := run.Wait(context.Background())
	if err == nil {
		t.Fatal("expected a cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in the chain", err)
	}
	if run.State() != RunCancelled {
		t.Errorf("state = %q, want %q", run.State(), RunCancelled)
	}
	run.Cancel() // idempotent
}

func TestWorkflowRunsNodeAndGraph(t *testing.T) {
	s := NewSession("test", "srv")
	if err := s.RegisterNode(doubleNode("doubler")); err != nil {
		t.Fatalf("register node: %v", err)
	}
	g := NewGraph("render", s)
	g.AddStep(renderNode("r"), "r")
	if err := s.RegisterGraph(g); err != nil {
		t.Fatalf("register graph: %v", err)
	}

	wf := NewWorkflow("pipeline", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		res, err := wc.Run(ctx, "doubler", wc.Input)
		if err != nil {
			return nil, err
		}
		gres, err := wc.RunGraph(ctx, "render", res.Output)
		if err != nil {
			return nil, err
		}
		return gres.Output, nil
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("pipeline", 8, nil, nil)
	result, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != "16" {
		t.Errorf("result = %v, want %q", result, "16")
	}

	var types []string
	for _, ev := range run.Info().Events {
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	for _, want := range []string{EventNodeStarted, EventNodeCompleted, EventGraphStarted, EventGraphCompleted} {
		if !strings.Contains(joined, want) {
			t.Errorf("events %v missing %q", types, want)
		}
	}
}

func TestWorkflowUnknownNodeIsNotFound(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("miss", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		_, err := wc.Run(ctx, "ghost", nil)
		return nil, err
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("miss", nil, nil, nil)
	_, err := run.Wait(context.Background())
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if nf.Kind != "node" || nf.ID != "ghost" {
		t.Errorf("not found = %s %s", nf.Kind, nf.ID)
	}
}

func TestNestedWorkflowSharesCancellation(t *testing.T) {
	s := NewSession("test", "srv")
	inner := NewWorkflow("inner", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		_, err := wc.Gate(ctx, "inner gate", nil)
		return nil, err
	})
	s.RegisterWorkflow(inner)
	outer := NewWorkflow("outer", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return wc.RunWorkflow(ctx, "inner", nil, nil)
	})
	s.RegisterWorkflow(outer)

	run, _ := s.ExecuteWorkflow("outer", nil, nil, nil)

	// Wait for the nested run to suspend on its gate.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.ListRuns()) == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	run.Cancel()
	_, err := run.Wait(context.Background())
	if err == nil {
		t.Fatal("expected cancellation to propagate through the nested run")
	}
	if run.State() != RunCancelled {
		t.Errorf("state = %q, want %q", run.State(), RunCancelled)
	}
}

func TestNestedWorkflowResult(t *testing.T) {
	s := NewSession("test", "srv")
	inner := NewWorkflow("inner", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return wc.Input.(int) + 1, nil
	})
	s.RegisterWorkflow(inner)
	outer := NewWorkflow("outer", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return wc.RunWorkflow(ctx, "inner", 41, nil)
	})
	s.RegisterWorkflow(outer)

	run, _ := s.ExecuteWorkflow("outer", nil, nil, nil)
	result, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != 42 {
		t.Errorf("result = %v, want 42", result)
	}
}

func TestWorkflowEventSeqMonotonic(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("emitter", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		wc.Emit("custom_a", map[string]any{"n": 1})
		wc.Emit("custom_b", nil)
		return nil, nil
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("emitter", nil, nil, nil)
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	events := run.Info().Events
	for i, ev := range events {
		if ev.Seq != i {
			t.Errorf("event[%d].Seq = %d", i, ev.Seq)
		}
	}
}

func TestWorkflowStateScratch(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("scratch", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		wc.Set("k", "v")
		got, ok := wc.Get("k")
		if !ok {
			return nil, errors.New("key not found")
		}
		return got, nil
	})
	s.RegisterWorkflow(wf)

	run, _ := s.ExecuteWorkflow("scratch", nil, nil, nil)
	result, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result != "v" {
		t.Errorf("result = %v, want %q", result, "v")
	}
}

func TestWorkflowCallbackReceivesEvents(t *testing.T) {
	s := NewSession("test", "srv")
	wf := NewWorkflow("cb", s, func(ctx context.Context, wc *WorkflowContext) (any, error) {
		return "done", nil
	})
	s.RegisterWorkflow(wf)

	got := make(chan Event, 32)
	run, _ := s.ExecuteWorkflow("cb", nil, nil, func(runID string, ev Event) {
		got <- ev
	})
	if _, err := run.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	seen := false
	for {
		select {
		case ev := <-got:
			if ev.Type == EventWorkflowCompleted {
				seen = true
			}
			continue
		default:
		}
		break
	}
	if !seen {
		t.Error("callback never observed workflow_completed")
	}
}
