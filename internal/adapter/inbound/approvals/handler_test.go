package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/goleak"
	"gopkg.in/yaml.v3"

	"github.com/ctrl-plane/ctrl/internal/adapter/outbound/sqlite"
	"github.com/ctrl-plane/ctrl/internal/config"
	"github.com/ctrl-plane/ctrl/internal/domain/policy"
	"github.com/ctrl-plane/ctrl/internal/domain/risk"
	"github.com/ctrl-plane/ctrl/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testPolicyYAML = `
policies:
  - id: deny-prod-deletes
    match: {server: payments, tool: "delete_*", env: prod}
    effect: deny
    reason: Destructive operations are blocked in prod
  - id: refunds-gated
    match: {server: payments, tool: refund}
    effect: allow
    require_approval_if: "risk_score >= 40"
  - id: allow-rest
    effect: allow
`

const testRiskYAML = `
risk:
  mode: modes
  modes:
    safe: {score: 0}
    review: {score: 50}
    danger: {score: 90}
  rules:
    - name: big-refund
      when: {tool: refund, args: {amount: {gte: 1000}}}
      reason: Large refund amount
      set_mode: review
`

type fakeExecutor struct {
	result any
	err    error
	calls  int
}

func (f *fakeExecutor) Execute(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestHandler(t *testing.T, exec *fakeExecutor) *Handler {
	t.Helper()

	store, err := sqlite.New(sqlite.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("sqlite.New() error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	var policyCfg config.PolicyConfig
	if err := yaml.Unmarshal([]byte(testPolicyYAML), &policyCfg); err != nil {
		t.Fatalf("unmarshal policy: %v", err)
	}
	policyCfg.SetDefaults()

	var riskRoot config.RootRiskConfig
	if err := yaml.Unmarshal([]byte(testRiskYAML), &riskRoot); err != nil {
		t.Fatalf("unmarshal risk: %v", err)
	}
	riskRoot.Risk.SetDefaults()
	riskEngine, err := risk.NewEngine(&riskRoot.Risk)
	if err != nil {
		t.Fatalf("risk.NewEngine() error: %v", err)
	}

	interceptor := service.NewInterceptor(store, riskEngine, policy.NewEngine(&policyCfg), exec)
	approvals := service.NewApprovalService(store, exec)
	return NewHandler(interceptor, approvals)
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, target, err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestIntercept_Allowed(t *testing.T) {
	exec := &fakeExecutor{result: map[string]any{"ok": true}}
	routes := newTestHandler(t, exec).Routes()

	rec, body := doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"github","tool":"list_repos","arguments":{}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	if body["ok"] != true || body["status"] != "executed" {
		t.Errorf("body = %v", body)
	}
	if body["request_id"] == "" {
		t.Error("missing request_id")
	}
	if exec.calls != 1 {
		t.Errorf("executor calls = %d, want 1", exec.calls)
	}
}

func TestIntercept_Denied(t *testing.T) {
	exec := &fakeExecutor{}
	routes := newTestHandler(t, exec).Routes()

	rec, body := doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"payments","tool":"delete_customer","arguments":{"id":"c1"}}`,
		map[string]string{"x-ctrl-env": "prod"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "ctrl denied tool call: payments.delete_customer") {
		t.Errorf("error = %q", msg)
	}
	if body["status"] != "denied" {
		t.Errorf("status = %v", body["status"])
	}
	if exec.calls != 0 {
		t.Errorf("executor called on denied intent")
	}
}

func TestIntercept_BadRequest(t *testing.T) {
	routes := newTestHandler(t, &fakeExecutor{}).Routes()

	rec, _ := doJSON(t, routes, http.MethodPost, "/intercept", `{"tool":"x"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing server: status = %d", rec.Code)
	}
	rec, _ = doJSON(t, routes, http.MethodPost, "/intercept", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON: status = %d", rec.Code)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	exec := &fakeExecutor{result: "refund issued"}
	routes := newTestHandler(t, exec).Routes()

	// A large refund parks as pending.
	rec, body := doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"payments","tool":"refund","arguments":{"amount":2500},"actor":"agent-1"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %v", rec.Code, body)
	}
	id, _ := body["request_id"].(string)
	if id == "" {
		t.Fatal("missing request_id")
	}
	if exec.calls != 0 {
		t.Fatal("executor called before approval")
	}

	// It shows up on the pending queue.
	rec2 := httptest.NewRecorder()
	routes.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/pending", nil))
	if rec2.Code != http.StatusOK {
		t.Fatalf("pending status = %d", rec2.Code)
	}
	var pending []map[string]any
	if err := json.Unmarshal(rec2.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode pending: %v", err)
	}
	if len(pending) != 1 || pending[0]["id"] != id || pending[0]["status"] != "pending" {
		t.Fatalf("pending = %v", pending)
	}

	// Status view carries the request, parsed arguments, and the decision.
	rec, body = doJSON(t, routes, http.MethodGet, "/status/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	reqView, _ := body["request"].(map[string]any)
	if reqView["status"] != "pending" {
		t.Errorf("request.status = %v", reqView["status"])
	}
	args, _ := reqView["arguments"].(map[string]any)
	if args["amount"] != float64(2500) {
		t.Errorf("arguments = %v", args)
	}
	decision, _ := body["decision"].(map[string]any)
	if decision["matched_policy_id"] != "refunds-gated" {
		t.Errorf("decision = %v", decision)
	}

	// Approval executes the persisted intent.
	rec, body = doJSON(t, routes, http.MethodPost, "/approve/"+id, `{"approved_by":"alice"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body = %v", rec.Code, body)
	}
	if body["ok"] != true || body["status"] != "executed" {
		t.Errorf("approve body = %v", body)
	}
	if exec.calls != 1 {
		t.Errorf("executor calls = %d, want 1", exec.calls)
	}

	// The result preview lands on the status view.
	_, body = doJSON(t, routes, http.MethodGet, "/status/"+id, "", nil)
	reqView, _ = body["request"].(map[string]any)
	if reqView["result_preview"] != "refund issued" {
		t.Errorf("result_preview = %v", reqView["result_preview"])
	}
	if reqView["approved_by"] != "alice" {
		t.Errorf("approved_by = %v", reqView["approved_by"])
	}
}

func TestDeny_Operator(t *testing.T) {
	exec := &fakeExecutor{}
	routes := newTestHandler(t, exec).Routes()

	_, body := doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"payments","tool":"refund","arguments":{"amount":9000}}`, nil)
	id, _ := body["request_id"].(string)
	if id == "" {
		t.Fatal("missing request_id")
	}

	rec, body := doJSON(t, routes, http.MethodPost, "/deny/"+id, `{"approved_by":"bob"}`, nil)
	if rec.Code != http.StatusOK || body["status"] != "denied" {
		t.Fatalf("deny: status = %d, body = %v", rec.Code, body)
	}

	// Denied is terminal; a second deny is an invalid transition.
	rec, _ = doJSON(t, routes, http.MethodPost, "/deny/"+id, "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("second deny status = %d, want 400", rec.Code)
	}
	if exec.calls != 0 {
		t.Error("executor called on denied request")
	}
}

func TestApprove_ExecutionFailure(t *testing.T) {
	exec := &fakeExecutor{err: fmt.Errorf("upstream down")}
	routes := newTestHandler(t, exec).Routes()

	_, body := doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"payments","tool":"refund","arguments":{"amount":5000}}`, nil)
	id, _ := body["request_id"].(string)

	rec, body := doJSON(t, routes, http.MethodPost, "/approve/"+id, "", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("approve status = %d, body = %v", rec.Code, body)
	}
	msg, _ := body["error"].(string)
	if !strings.Contains(msg, "upstream down") {
		t.Errorf("error = %q", msg)
	}

	_, body = doJSON(t, routes, http.MethodGet, "/status/"+id, "", nil)
	reqView, _ := body["request"].(map[string]any)
	if reqView["status"] != "failed" {
		t.Errorf("final status = %v, want failed", reqView["status"])
	}
}

func TestStatus_NotFound(t *testing.T) {
	routes := newTestHandler(t, &fakeExecutor{}).Routes()
	rec, _ := doJSON(t, routes, http.MethodGet, "/status/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	rec, _ = doJSON(t, routes, http.MethodPost, "/approve/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("approve status = %d, want 404", rec.Code)
	}
}

func TestListRequests(t *testing.T) {
	routes := newTestHandler(t, &fakeExecutor{result: "ok"}).Routes()

	for i := 0; i < 3; i++ {
		doJSON(t, routes, http.MethodPost, "/intercept",
			`{"server":"github","tool":"list_repos"}`, nil)
	}

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/requests?status=executed", nil))
	var rows []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("rows = %d, want 3", len(rows))
	}

	rec2, _ := doJSON(t, routes, http.MethodGet, "/requests?limit=abc", "", nil)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec2.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	routes := newTestHandler(t, &fakeExecutor{result: "ok"}).Routes()
	doJSON(t, routes, http.MethodPost, "/intercept",
		`{"server":"github","tool":"list_repos"}`, nil)

	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ctrl_intercepts_total") {
		t.Error("metrics output missing ctrl_intercepts_total")
	}
}
