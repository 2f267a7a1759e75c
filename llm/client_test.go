package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	nerve "github.com/nerveworks/nerve"
)

// scriptedHandler replays a fixed sequence of responses, counting calls.
type scriptedHandler struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	calls     int
	lastBody  []byte
}

func (h *scriptedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	body, _ := io.ReadAll(r.Body)
	h.lastBody = body
	i := h.calls
	h.calls++
	if i >= len(h.responses) {
		i = len(h.responses) - 1
	}
	h.responses[i](w)
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func okChat(content string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		resp := ChatResponse{
			ID:    "resp-1",
			Model: "test-model",
			Choices: []Choice{{
				Message:      &Message{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func status(code int, retryAfter string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		if retryAfter != "" {
			w.Header().Set("Retry-After", retryAfter)
		}
		w.WriteHeader(code)
		w.Write([]byte("upstream error"))
	}
}

func TestClientChatSuccess(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		okChat("hello back")(w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk-test")
	resp, retries, traceID, err := c.Chat(context.Background(), ChatRequest{
		Model:    "test-model",
		Messages: []Message{UserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if gotPath != "/chat/completions" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("auth = %q", gotAuth)
	}
	if resp.Content() != "hello back" {
		t.Errorf("content = %q", resp.Content())
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0", retries)
	}
	if traceID == "" {
		t.Error("trace id is empty")
	}
}

func TestClientRetriesTransient(t *testing.T) {
	h := &scriptedHandler{responses: []func(http.ResponseWriter){
		status(429, "0"),
		status(503, ""),
		okChat("finally"),
	}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithBaseDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))
	resp, retries, _, err := c.Chat(context.Background(), ChatRequest{
		Model: "m", Messages: []Message{UserMessage("x")},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content() != "finally" {
		t.Errorf("content = %q", resp.Content())
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
	if h.callCount() != 3 {
		t.Errorf("server calls = %d, want 3", h.callCount())
	}
}

func TestClientNoRetryOnClientError(t *testing.T) {
	h := &scriptedHandler{responses: []func(http.ResponseWriter){status(400, "")}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithBaseDelay(time.Millisecond))
	_, _, _, err := c.Chat(context.Background(), ChatRequest{
		Model: "m", Messages: []Message{UserMessage("x")},
	})
	var he *nerve.ErrHTTP
	if !errors.As(err, &he) || he.Status != 400 {
		t.Fatalf("err = %v, want http 400", err)
	}
	if h.callCount() != 1 {
		t.Errorf("server calls = %d, want 1 (no retry)", h.callCount())
	}
}

func TestClientRetryExhausted(t *testing.T) {
	h := &scriptedHandler{responses: []func(http.ResponseWriter){status(500, "")}}
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewClient(srv.URL, "k", WithMaxRetries(2), WithBaseDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))
	_, retries, _, err := c.Chat(context.Background(), ChatRequest{
		Model: "m", Messages: []Message{UserMessage("x")},
	})
	var he *nerve.ErrHTTP
	if !errors.As(err, &he) || he.Status != 500 {
		t.Fatalf("err = %v, want http 500", err)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
	if h.callCount() != 3 {
		t.Errorf("server calls = %d, want 3", h.callCount())
	}
}

func TestTraceIDDeterministic(t *testing.T) {
	a := TraceID([]byte(`{"model":"m"}`))
	b := TraceID([]byte(`{"model":"m"}`))
	if a != b {
		t.Errorf("identical bodies hashed differently: %q vs %q", a, b)
	}
	if a == TraceID([]byte(`{"model":"other"}`)) {
		t.Error("different bodies should hash differently")
	}
	if len(a) != 16 {
		t.Errorf("trace id %q has unexpected length", a)
	}
}

func TestRetryDelayRespectsRetryAfterFloor(t *testing.T) {
	c := NewClient("http://unused", "k", WithBaseDelay(time.Millisecond), WithMaxDelay(time.Second))
	err := &nerve.ErrHTTP{Status: 429, RetryAfter: 100 * time.Millisecond}
	if d := c.retryDelay(0, err); d != 100*time.Millisecond {
		t.Errorf("delay = %v, want the server's Retry-After", d)
	}
	if d := c.retryDelay(0, &nerve.ErrHTTP{Status: 500}); d != time.Millisecond {
		t.Errorf("delay = %v, want the base delay", d)
	}
	// Doubling caps at maxDelay.
	if d := c.retryDelay(30, &nerve.ErrHTTP{Status: 500}); d != time.Second {
		t.Errorf("delay = %v, want the cap", d)
	}
}

func TestChatRequestExtraMerge(t *testing.T) {
	req := ChatRequest{
		Model:    "m",
		Messages: []Message{UserMessage("hi")},
		Extra:    map[string]any{"temperature": 0.2, "top_p": 0.9},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["temperature"] != 0.2 {
		t.Errorf("temperature = %v", decoded["temperature"])
	}
	if decoded["top_p"] != 0.9 {
		t.Errorf("top_p = %v", decoded["top_p"])
	}
	if decoded["model"] != "m" {
		t.Errorf("model = %v", decoded["model"])
	}
}
