package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	nerve "github.com/nerveworks/nerve"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id string, state nerve.RunState) nerve.RunInfo {
	start := time.Now().Add(-time.Second).Truncate(time.Millisecond)
	return nerve.RunInfo{
		ID:         id,
		WorkflowID: "deploy",
		State:      state,
		Input:      "go",
		StartTime:  start,
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info := sampleRun("run-1", nerve.RunRunning)
	if err := s.SaveRun(ctx, info); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "run-1" || got.WorkflowID != "deploy" || got.State != nerve.RunRunning {
		t.Errorf("got = %+v", got)
	}
	if got.Input != "go" {
		t.Errorf("input = %v", got.Input)
	}
}

func TestSaveRunUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	info := sampleRun("run-1", nerve.RunRunning)
	s.SaveRun(ctx, info)

	end := time.Now().Truncate(time.Millisecond)
	info.State = nerve.RunCompleted
	info.Result = "shipped"
	info.EndTime = &end
	if err := s.SaveRun(ctx, info); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != nerve.RunCompleted || got.Result != "shipped" {
		t.Errorf("got = %+v", got)
	}
	if got.EndTime == nil {
		t.Error("end time missing after upsert")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "ghost")
	var nf *nerve.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "run" || nf.ID != "ghost" {
		t.Errorf("err = %v", err)
	}
}

func TestAppendEventOverlay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.SaveRun(ctx, sampleRun("run-1", nerve.RunRunning))

	now := time.Now().Truncate(time.Millisecond)
	events := []nerve.Event{
		{Seq: 0, Type: nerve.EventStateChanged, Data: map[string]any{"state": "running"}, Timestamp: now},
		{Seq: 1, Type: nerve.EventWorkflowStarted, Timestamp: now},
	}
	for _, ev := range events {
		if err := s.AppendEvent(ctx, "run-1", ev); err != nil {
			t.Fatalf("append %d: %v", ev.Seq, err)
		}
	}
	// Replaying a sequence number is ignored, not an error.
	if err := s.AppendEvent(ctx, "run-1", nerve.Event{Seq: 1, Type: "duplicate", Timestamp: now}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Events) != 2 {
		t.Fatalf("events = %+v", got.Events)
	}
	if got.Events[0].Type != nerve.EventStateChanged || got.Events[0].Data["state"] != "running" {
		t.Errorf("event 0 = %+v", got.Events[0])
	}
	if got.Events[1].Type != nerve.EventWorkflowStarted || got.Events[1].Data != nil {
		t.Errorf("event 1 = %+v", got.Events[1])
	}
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleRun("run-a", nerve.RunCompleted)
	a.StartTime = time.Now().Add(-3 * time.Second)
	b := sampleRun("run-b", nerve.RunCompleted)
	b.StartTime = time.Now().Add(-2 * time.Second)
	c := sampleRun("run-c", nerve.RunRunning)
	c.WorkflowID = "other"
	c.StartTime = time.Now().Add(-time.Second)
	for _, info := range []nerve.RunInfo{a, b, c} {
		if err := s.SaveRun(ctx, info); err != nil {
			t.Fatalf("save %s: %v", info.ID, err)
		}
	}

	// Newest first across all workflows.
	all, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Errorf("all = %v", runIDs(all))
	}

	// Workflow filter.
	deploys, err := s.ListRuns(ctx, "deploy", 0)
	if err != nil {
		t.Fatalf("list deploy: %v", err)
	}
	if len(deploys) != 2 || deploys[0].ID != "run-b" {
		t.Errorf("deploys = %v", runIDs(deploys))
	}

	// Limit.
	capped, err := s.ListRuns(ctx, "", 1)
	if err != nil {
		t.Fatalf("list capped: %v", err)
	}
	if len(capped) != 1 || capped[0].ID != "run-c" {
		t.Errorf("capped = %v", runIDs(capped))
	}
}

func runIDs(infos []nerve.RunInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}
