// Package approvals is the HTTP surface of the control plane: the
// approval lifecycle endpoints plus the intercept entry point.
package approvals

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/ctrl-plane/ctrl/internal/domain/request"
	"github.com/ctrl-plane/ctrl/internal/domain/risk"
	"github.com/ctrl-plane/ctrl/internal/service"
)

// envHeader carries the deployment environment of an intercepted intent.
const envHeader = "x-ctrl-env"

// Handler serves the approval and intercept endpoints.
type Handler struct {
	interceptor *service.Interceptor
	approvals   *service.ApprovalService
	metrics     *Metrics
	logger      *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger.With("component", "http")
	}
}

// WithMetrics sets the metrics collection.
func WithMetrics(m *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler wires the HTTP surface.
func NewHandler(interceptor *service.Interceptor, approvals *service.ApprovalService, opts ...HandlerOption) *Handler {
	h := &Handler{
		interceptor: interceptor,
		approvals:   approvals,
		metrics:     NewMetrics(),
		logger:      slog.Default().With("component", "http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the route table. CORS is permissive: the operator UI runs
// in the same trust zone.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /pending", h.handlePending)
	mux.HandleFunc("GET /requests", h.handleListRequests)
	mux.HandleFunc("GET /status/{id}", h.handleStatus)
	mux.HandleFunc("POST /approve/{id}", h.handleApprove)
	mux.HandleFunc("POST /deny/{id}", h.handleDeny)
	mux.HandleFunc("POST /intercept", h.handleIntercept)
	mux.Handle("GET /metrics", h.metrics.Handler())

	return cors.AllowAll().Handler(mux)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	requests, err := h.approvals.ListPending(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, summaries(requests))
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	requests, err := h.approvals.List(r.Context(), status, limit)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.respondJSON(w, http.StatusOK, summaries(requests))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.approvals.Status(r.Context(), h.pathParam(r, "id"))
	if err != nil {
		h.respondStoreError(w, err)
		return
	}

	payload := fullRow(view.Request)
	var args map[string]any
	if err := json.Unmarshal([]byte(view.Request.ArgumentsJSON), &args); err == nil {
		payload["arguments"] = args
	}
	if view.ResultPreview != "" {
		payload["result_preview"] = view.ResultPreview
	}

	var decision any
	if view.Decision != nil {
		d := view.Decision
		decision = map[string]any{
			"id":                d.ID,
			"request_id":        d.RequestID,
			"decided_at":        d.DecidedAt.Format(time.RFC3339),
			"decision":          d.Decision,
			"matched_policy_id": nullable(d.MatchedPolicyID),
			"matched_condition": d.MatchedCondition,
			"reason":            d.Reason,
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"request":  payload,
		"decision": decision,
	})
}

// approvalBody is the shared approve/deny request body.
type approvalBody struct {
	ApprovedBy string `json:"approved_by"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	_ = h.readJSON(r, &body) // body is optional
	if body.ApprovedBy == "" {
		body.ApprovedBy = "operator"
	}

	view, err := h.approvals.Approve(r.Context(), h.pathParam(r, "id"), body.ApprovedBy)
	if err != nil {
		var execErr *request.ExecutionError
		if errors.As(err, &execErr) {
			h.metrics.ApprovalsTotal.WithLabelValues("approve").Inc()
			h.metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
			h.respondError(w, http.StatusBadGateway, "execution failed: "+execErr.Err.Error())
			return
		}
		h.respondStoreError(w, err)
		return
	}

	h.metrics.ApprovalsTotal.WithLabelValues("approve").Inc()
	h.metrics.ExecutionsTotal.WithLabelValues("executed").Inc()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": view.Request.Status,
	})
}

func (h *Handler) handleDeny(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	_ = h.readJSON(r, &body)
	if body.ApprovedBy == "" {
		body.ApprovedBy = "operator"
	}

	if err := h.approvals.Deny(r.Context(), h.pathParam(r, "id"), body.ApprovedBy); err != nil {
		h.respondStoreError(w, err)
		return
	}
	h.metrics.ApprovalsTotal.WithLabelValues("deny").Inc()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": request.StatusDenied,
	})
}

// interceptBody is the intent as submitted by an agent runtime.
type interceptBody struct {
	Server    string         `json:"server"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Actor     string         `json:"actor"`
}

func (h *Handler) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var body interceptBody
	if err := h.readJSON(r, &body); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Server == "" || body.Tool == "" {
		h.respondError(w, http.StatusBadRequest, "server and tool are required")
		return
	}

	start := time.Now()
	outcome, err := h.interceptor.Intercept(r.Context(), risk.Intent{
		Server: body.Server,
		Tool:   body.Tool,
		Env:    r.Header.Get(envHeader),
		Actor:  body.Actor,
		Args:   body.Arguments,
	})
	h.metrics.InterceptDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var denied *request.DeniedError
		var pending *request.PendingError
		var execErr *request.ExecutionError
		switch {
		case errors.As(err, &denied):
			h.metrics.InterceptsTotal.WithLabelValues("deny").Inc()
			h.respondJSON(w, http.StatusForbidden, map[string]any{
				"error":      denied.Error(),
				"request_id": denied.RequestID,
				"status":     request.StatusDenied,
			})
		case errors.As(err, &pending):
			h.metrics.InterceptsTotal.WithLabelValues("pending").Inc()
			h.respondJSON(w, http.StatusAccepted, map[string]any{
				"error":      pending.Error(),
				"request_id": pending.RequestID,
				"status":     request.StatusPending,
			})
		case errors.As(err, &execErr):
			h.metrics.InterceptsTotal.WithLabelValues("allow").Inc()
			h.metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
			h.respondJSON(w, http.StatusBadGateway, map[string]any{
				"error":      execErr.Error(),
				"request_id": execErr.RequestID,
				"status":     request.StatusFailed,
			})
		default:
			h.metrics.InterceptsTotal.WithLabelValues("error").Inc()
			h.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.metrics.InterceptsTotal.WithLabelValues("allow").Inc()
	h.metrics.ExecutionsTotal.WithLabelValues("executed").Inc()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"request_id": outcome.RequestID,
		"status":     outcome.Status,
		"result":     outcome.Result,
	})
}

// respondStoreError maps store errors onto the wire: unknown id is 404,
// wrong status is 400.
func (h *Handler) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, request.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, request.ErrInvalidState):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// summaries projects request rows onto the list wire shape.
func summaries(requests []*request.Request) []map[string]any {
	out := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		out = append(out, map[string]any{
			"id":         req.ID,
			"created_at": req.CreatedAt.Format(time.RFC3339),
			"server":     req.Server,
			"tool":       req.Tool,
			"env":        req.Env,
			"status":     req.Status,
			"risk_score": req.RiskScore,
		})
	}
	return out
}

// fullRow projects one request row, including approval fields.
func fullRow(req *request.Request) map[string]any {
	row := map[string]any{
		"id":             req.ID,
		"created_at":     req.CreatedAt.Format(time.RFC3339),
		"server":         req.Server,
		"tool":           req.Tool,
		"arguments_json": req.ArgumentsJSON,
		"arguments_hash": req.ArgumentsHash,
		"actor":          nullable(req.Actor),
		"env":            req.Env,
		"status":         req.Status,
		"risk_score":     req.RiskScore,
		"risk_mode":      req.RiskMode,
		"approved_by":    nullable(req.ApprovedBy),
	}
	if req.ApprovedAt != nil {
		row["approved_at"] = req.ApprovedAt.Format(time.RFC3339)
	} else {
		row["approved_at"] = nil
	}
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- JSON helpers ---

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}
