package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// maxFrameBytes bounds one newline-JSON frame.
const maxFrameBytes = 16 << 20

// serve accepts connections on a newline-JSON listener until it closes.
func (d *Daemon) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !d.isStopping() {
				d.logger.Warn("accept_failed", "error", err)
			}
			return
		}
		go d.serveConn(conn)
	}
}

// serveConn reads request frames and writes reply frames. Commands on
// one connection run concurrently; replies are serialized by a write
// lock and correlated by the echoed id.
func (d *Daemon) serveConn(conn net.Conn) {
	defer conn.Close()
	var writeMu sync.Mutex
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			d.writeFrame(conn, &writeMu, errResponsef("", "invalid_request_error", "malformed frame: %v", err))
			continue
		}
		go func(req Request) {
			// A handler panic must not take the daemon down with it.
			defer func() {
				if p := recover(); p != nil {
					d.logger.Error("command_panic", "type", req.Type, "panic", p)
					d.writeFrame(conn, &writeMu, errResponse(req.ID, "internal_error", "internal error"))
				}
			}()
			resp := d.Dispatch(context.Background(), req)
			d.writeFrame(conn, &writeMu, resp)
		}(req)
	}
}

func (d *Daemon) writeFrame(conn net.Conn, mu *sync.Mutex, resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		d.logger.Warn("encode_response_failed", "error", err)
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := conn.Write(append(body, '\n')); err != nil {
		d.logger.Warn("write_response_failed", "error", err)
	}
}

// startHTTP opens the HTTP transport: the command envelope as a JSON
// POST body at /api/command, plus /api/shutdown and /health.
func (d *Daemon) startHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest,
				errResponsef("", "invalid_request_error", "malformed body: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, d.Dispatch(r.Context(), req))
	})
	mux.HandleFunc("/api/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, okResponse("", map[string]any{"stopping": true}))
		go d.Stop()
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "name": d.name})
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	sidecar := PidPath(d.name) + ".http"
	if err := os.WriteFile(sidecar, []byte(ln.Addr().String()), 0o644); err != nil {
		ln.Close()
		return fmt.Errorf("write http sidecar: %w", err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	d.mu.Lock()
	d.httpSrv = srv
	d.files = append(d.files, sidecar)
	d.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Warn("http_serve_failed", "error", err)
		}
	}()
	d.logger.Info("listening", "transport", "http", "addr", ln.Addr().String())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
