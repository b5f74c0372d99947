package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ctrl-plane/ctrl/internal/domain/request"
	"github.com/ctrl-plane/ctrl/internal/port/outbound"
)

// maxPreviewBytes bounds the stored tool.result preview.
const maxPreviewBytes = 500

// RequestStatus is the full inspection view of one request: the row, the
// latest decision when one exists, and a preview of the tool result when
// execution has happened.
type RequestStatus struct {
	Request       *request.Request
	Decision      *request.Decision
	ResultPreview string
}

// ApprovalService owns the transitions out of pending: operator approval
// with deferred execution, and operator denial.
type ApprovalService struct {
	store    request.Store
	executor outbound.ToolExecutor
	logger   *slog.Logger
}

// ApprovalOption configures an ApprovalService.
type ApprovalOption func(*ApprovalService)

// WithApprovalLogger sets the logger.
func WithApprovalLogger(logger *slog.Logger) ApprovalOption {
	return func(s *ApprovalService) {
		s.logger = logger.With("component", "approvals")
	}
}

// NewApprovalService wires the approval lifecycle.
func NewApprovalService(store request.Store, executor outbound.ToolExecutor, opts ...ApprovalOption) *ApprovalService {
	s := &ApprovalService{
		store:    store,
		executor: executor,
		logger:   slog.Default().With("component", "approvals"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListPending returns the pending queue, newest first.
func (s *ApprovalService) ListPending(ctx context.Context) ([]*request.Request, error) {
	return s.store.ListRequests(ctx, request.StatusPending, 0)
}

// List returns requests with an optional status filter and bounded limit.
func (s *ApprovalService) List(ctx context.Context, status string, limit int) ([]*request.Request, error) {
	return s.store.ListRequests(ctx, status, limit)
}

// Status returns the inspection view for one request.
func (s *ApprovalService) Status(ctx context.Context, id string) (*RequestStatus, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &RequestStatus{Request: req}

	decision, err := s.store.LatestDecision(ctx, id)
	switch {
	case err == nil:
		view.Decision = decision
	case !errors.Is(err, request.ErrNotFound):
		return nil, err
	}

	ev, err := s.store.LatestEventOfType(ctx, id, request.EventToolResult)
	switch {
	case err == nil:
		var data struct {
			ResultPreview string `json:"result_preview"`
		}
		if jsonErr := json.Unmarshal([]byte(ev.DataJSON), &data); jsonErr == nil {
			view.ResultPreview = data.ResultPreview
		}
	case !errors.Is(err, request.ErrNotFound):
		return nil, err
	}
	return view, nil
}

// Deny transitions a pending request to denied on the operator's behalf.
func (s *ApprovalService) Deny(ctx context.Context, id, deniedBy string) error {
	if err := s.store.UpdateStatus(ctx, id, request.StatusPending, request.StatusDenied); err != nil {
		return err
	}
	if err := s.store.AppendEvent(ctx, id, request.EventApprovalDenied, map[string]any{"by": deniedBy}); err != nil {
		s.logger.Error("append event", "request_id", id, "type", request.EventApprovalDenied, "error", err)
	}
	s.logger.Info("request denied by operator", "request_id", id, "by", deniedBy)
	return nil
}

// Approve commits the pending -> approved transition, then executes the
// persisted intent outside the transaction. The approval stays durable
// even if execution fails or the process crashes mid-call; the request
// then ends up failed with the error on record.
func (s *ApprovalService) Approve(ctx context.Context, id, approvedBy string) (*RequestStatus, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.Approve(ctx, id, approvedBy, time.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.Info("request approved", "request_id", id, "by", approvedBy,
		"server", req.Server, "tool", req.Tool)

	var args map[string]any
	if req.ArgumentsJSON != "" {
		if err := json.Unmarshal([]byte(req.ArgumentsJSON), &args); err != nil {
			return nil, s.failExecution(ctx, req, fmt.Errorf("decode stored arguments: %w", err))
		}
	}

	result, execErr := s.executor.Execute(ctx, req.Server, req.Tool, args)
	if execErr != nil {
		return nil, s.failExecution(ctx, req, execErr)
	}

	if err := s.store.UpdateStatus(ctx, id, request.StatusApproved, request.StatusExecuted); err != nil {
		return nil, fmt.Errorf("mark executed: %w", err)
	}
	s.emit(ctx, id, request.EventProxyExecuted, map[string]any{"ok": true})
	s.emit(ctx, id, request.EventToolResult, map[string]any{
		"result_preview": resultPreview(result),
	})

	return s.Status(ctx, id)
}

func (s *ApprovalService) failExecution(ctx context.Context, req *request.Request, cause error) error {
	if err := s.store.UpdateStatus(ctx, req.ID, request.StatusApproved, request.StatusFailed); err != nil {
		s.logger.Error("mark failed", "request_id", req.ID, "error", err)
	}
	s.emit(ctx, req.ID, request.EventProxyFailed, map[string]any{"error": cause.Error()})
	return &request.ExecutionError{
		RequestID: req.ID, Server: req.Server, Tool: req.Tool, Err: cause,
	}
}

func (s *ApprovalService) emit(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := s.store.AppendEvent(ctx, requestID, eventType, data); err != nil {
		s.logger.Error("append event", "request_id", requestID, "type", eventType, "error", err)
	}
}

// resultPreview renders a tool result as a short string: strings pass
// through, everything else is compact JSON. Truncation respects rune
// boundaries so the preview stays valid UTF-8.
func resultPreview(result any) string {
	var text string
	switch t := result.(type) {
	case nil:
		return ""
	case string:
		text = t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			text = fmt.Sprintf("%v", t)
		} else {
			text = string(raw)
		}
	}
	if len(text) <= maxPreviewBytes {
		return text
	}
	cut := maxPreviewBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
