package nerve

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestHistoryWriterAppendsSequenced(t *testing.T) {
	base := t.TempDir()
	hw, err := NewHistoryWriter(base, "srv", "main", "shell")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer hw.Close()

	if seq := hw.Append(HistoryRecord{Op: HistOpSend, Input: "ls"}); seq != 0 {
		t.Errorf("first seq = %d, want 0", seq)
	}
	if seq := hw.Append(HistoryRecord{Op: HistOpRead}); seq != 1 {
		t.Errorf("second seq = %d, want 1", seq)
	}

	wantPath := filepath.Join(base, "srv", "main", "shell.jsonl")
	if hw.Path() != wantPath {
		t.Errorf("path = %q, want %q", hw.Path(), wantPath)
	}

	f, err := os.Open(wantPath)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	var recs []HistoryRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec HistoryRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Op != HistOpSend || recs[0].Input != "ls" || recs[0].Seq != 0 {
		t.Errorf("record 0 = %+v", recs[0])
	}
	if recs[1].Op != HistOpRead || recs[1].Seq != 1 {
		t.Errorf("record 1 = %+v", recs[1])
	}
}

func TestHistoryWriterClosedDrops(t *testing.T) {
	hw, err := NewHistoryWriter(t.TempDir(), "srv", "main", "shell")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hw.Close()
	hw.Close() // idempotent
	if seq := hw.Append(HistoryRecord{Op: HistOpSend}); seq != -1 {
		t.Errorf("append after close = %d, want -1", seq)
	}
}

func TestSessionHistoryDisabled(t *testing.T) {
	s := NewSession("main", "srv")
	if hw := s.HistoryWriter("shell"); hw != nil {
		t.Error("history writer should be nil when history is disabled")
	}
}

func TestTerminalExecuteWritesHistory(t *testing.T) {
	base := t.TempDir()
	s := NewSession("main", "srv", WithHistory(base))

	backend := newFakeBackend("subprocess", "banner\nDONE\n", "cmd-output\nDONE\n")
	n := NewTerminalNode("shell", s, backend, WithTerminalParser(markerParser{name: "plain"}))
	n.Start(context.Background())

	res := n.Execute(context.Background(), NewExecutionContext(nil, "run"))
	if !res.Success {
		t.Fatalf("execute: %s", res.Error)
	}

	data, err := os.ReadFile(filepath.Join(base, "srv", "main", "shell.jsonl"))
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	var rec HistoryRecord
	if err := json.Unmarshal(data[:len(data)-1], &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Op != HistOpSend || rec.Input != "run" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Lines) == 0 {
		t.Error("record should capture the pre-send buffer lines")
	}
	if rec.TsEnd < rec.TsStart {
		t.Errorf("ts_end %d before ts_start %d", rec.TsEnd, rec.TsStart)
	}
}
