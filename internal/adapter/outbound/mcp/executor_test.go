package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ctrl-plane/ctrl/internal/config"
)

// fakeServer is a minimal MCP endpoint: it answers initialize with a
// session id and tools/call with a canned result.
type fakeServer struct {
	t         *testing.T
	sessionID string
	calls     []string
	failCall  bool
}

func (f *fakeServer) handler(w http.ResponseWriter, r *http.Request) {
	var msg struct {
		ID     any             `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		f.t.Errorf("decode request: %v", err)
	}
	f.calls = append(f.calls, msg.Method)

	w.Header().Set("Content-Type", "application/json")
	switch msg.Method {
	case "initialize":
		w.Header().Set("Mcp-Session-Id", f.sessionID)
		writeResult(w, msg.ID, map[string]any{"protocolVersion": protocolVersion})
	case "tools/call":
		if got := r.Header.Get("Mcp-Session-Id"); got != f.sessionID {
			f.t.Errorf("session header = %q, want %q", got, f.sessionID)
		}
		if f.failCall {
			resp := map[string]any{
				"jsonrpc": "2.0", "id": msg.ID,
				"error": map[string]any{"code": -32602, "message": "Tool not found: nope"},
			}
			json.NewEncoder(w).Encode(resp)
			return
		}
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			f.t.Errorf("decode params: %v", err)
		}
		writeResult(w, msg.ID, map[string]any{
			"content": []any{map[string]any{"type": "text", "text": "refunded " + params.Name}},
		})
	default:
		f.t.Errorf("unexpected method %q", msg.Method)
	}
}

func writeResult(w http.ResponseWriter, id any, result map[string]any) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func newTestExecutor(t *testing.T, fake *fakeServer) *Executor {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	servers := &config.ServersConfig{Servers: []config.Server{
		{Name: "payments", Transport: "http", BaseURL: srv.URL},
	}}
	return NewExecutor(servers, WithHTTPClient(srv.Client()))
}

func TestExecute(t *testing.T) {
	fake := &fakeServer{t: t, sessionID: "sess-123"}
	exec := newTestExecutor(t, fake)

	result, err := exec.Execute(context.Background(), "payments", "refund", map[string]any{"amount": 100})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	m, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("result type = %T", result)
	}
	content, ok := m["content"].([]any)
	if !ok || len(content) != 1 {
		t.Fatalf("content = %v", m["content"])
	}

	// initialize once, then the call.
	if len(fake.calls) != 2 || fake.calls[0] != "initialize" || fake.calls[1] != "tools/call" {
		t.Errorf("calls = %v", fake.calls)
	}

	// Session reused on the next call.
	if _, err := exec.Execute(context.Background(), "payments", "refund", nil); err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if len(fake.calls) != 3 {
		t.Errorf("calls after reuse = %v", fake.calls)
	}
}

func TestExecute_UnknownServer(t *testing.T) {
	exec := newTestExecutor(t, &fakeServer{t: t, sessionID: "s"})
	_, err := exec.Execute(context.Background(), "nope", "tool", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown server") {
		t.Fatalf("err = %v, want unknown server", err)
	}
}

func TestExecute_RPCError(t *testing.T) {
	fake := &fakeServer{t: t, sessionID: "sess-err", failCall: true}
	exec := newTestExecutor(t, fake)

	_, err := exec.Execute(context.Background(), "payments", "nope", nil)
	if err == nil || !strings.Contains(err.Error(), "Tool not found") {
		t.Fatalf("err = %v, want tool-not-found", err)
	}
}

func TestExecute_UpstreamDown(t *testing.T) {
	servers := &config.ServersConfig{Servers: []config.Server{
		{Name: "payments", Transport: "http", BaseURL: "http://127.0.0.1:1/mcp"},
	}}
	exec := NewExecutor(servers)
	if _, err := exec.Execute(context.Background(), "payments", "refund", nil); err == nil {
		t.Fatal("expected connection error")
	}
}
