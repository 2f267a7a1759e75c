package nerve

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// History operation tags, one per record.
const (
	HistOpSend       = "send"
	HistOpSendStream = "send_stream"
	HistOpWrite      = "write"
	HistOpRun        = "run"
	HistOpRead       = "read"
	HistOpInterrupt  = "interrupt"
	HistOpDelete     = "delete"
)

// HistoryRecord is one append-only JSONL line in a node's history file.
// Records are monotonically sequenced per node.
type HistoryRecord struct {
	Seq     int    `json:"seq"`
	TsStart int64  `json:"ts_start"`
	TsEnd   int64  `json:"ts_end"`
	Op      string `json:"op"`
	Input   string `json:"input,omitempty"`
	// Response carries the parsed sections for send operations and the
	// raw payload for read/write.
	Response any `json:"response,omitempty"`
	// Lines is the pre-send terminal buffer snapshot, when captured.
	Lines []string `json:"lines,omitempty"`
	// PrecedingBufferSeq links a send record to the read record whose
	// buffer preceded it.
	PrecedingBufferSeq int `json:"preceding_buffer_seq,omitempty"`
}

// HistoryWriter appends one JSONL record per node operation to
// <base>/<server>/<session>/<node>.jsonl. Writes are flushed per record
// and serialized by an internal mutex.
type HistoryWriter struct {
	mu   sync.Mutex
	f    *os.File
	seq  int
	path string
}

// NewHistoryWriter opens (creating directories as needed) the history
// file for a node in append mode.
func NewHistoryWriter(baseDir, server, session, nodeID string) (*HistoryWriter, error) {
	dir := filepath.Join(baseDir, server, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	path := filepath.Join(dir, nodeID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("history file: %w", err)
	}
	return &HistoryWriter{f: f, path: path}, nil
}

// Path returns the backing file path.
func (h *HistoryWriter) Path() string { return h.path }

// Append writes one record, assigning the next sequence number. The
// assigned sequence is returned so callers can link records.
func (h *HistoryWriter) Append(rec HistoryRecord) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return -1
	}
	rec.Seq = h.seq
	h.seq++
	line, err := json.Marshal(rec)
	if err != nil {
		return -1
	}
	line = append(line, '\n')
	if _, err := h.f.Write(line); err != nil {
		return -1
	}
	return rec.Seq
}

// Close flushes and closes the file. Later appends are dropped.
func (h *HistoryWriter) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f != nil {
		_ = h.f.Close()
		h.f = nil
	}
}
