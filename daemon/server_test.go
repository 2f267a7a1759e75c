package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"sync"
	"testing"
)

// startUnix serves the newline-JSON protocol on a socket under a temp
// dir, bypassing the /tmp bookkeeping files.
func startUnix(t *testing.T, d *Daemon) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go d.serve(ln)
	return path
}

func TestClientRoundTrip(t *testing.T) {
	d := New("test")
	path := startUnix(t, d)

	c, err := Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	counts, err := c.Ping()
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	// Counts cross the wire as JSON numbers.
	if counts["nodes"] != float64(0) {
		t.Errorf("nodes = %v (%T)", counts["nodes"], counts["nodes"])
	}

	resp, err := c.Call(CmdCreateNode, map[string]any{"node_id": "runner", "backend": "bash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !resp.Success {
		t.Fatalf("create failed: %s", resp.Error)
	}

	resp, err = c.ExecuteInput("runner", "echo over-the-wire", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success || resp.Data["output"] != "over-the-wire\n" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	d := New("test")
	path := startUnix(t, d)

	// Two clients issuing interleaved commands against one daemon.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := Dial("unix", path)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer c.Close()
			for j := 0; j < 10; j++ {
				if _, err := c.Ping(); err != nil {
					t.Errorf("ping: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestServerRejectsMalformedFrame(t *testing.T) {
	d := New("test")
	path := startUnix(t, d)

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Success || resp.Data["error_type"] != "invalid_request_error" {
		t.Errorf("resp = %+v", resp)
	}
}
