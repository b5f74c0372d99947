// Package service contains the application services: the intercept
// pipeline and the approval lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ctrl-plane/ctrl/internal/domain/policy"
	"github.com/ctrl-plane/ctrl/internal/domain/request"
	"github.com/ctrl-plane/ctrl/internal/domain/risk"
	"github.com/ctrl-plane/ctrl/internal/port/outbound"
)

// Outcome is the successful result of an intercepted call: the intent was
// allowed and the tool executed.
type Outcome struct {
	RequestID string
	Status    string
	Result    any
}

// Interceptor runs the intercept pipeline: score, decide, gate, enforce,
// record. Safe for concurrent use.
type Interceptor struct {
	store    request.Store
	risk     *risk.Engine
	policy   *policy.Engine
	executor outbound.ToolExecutor

	defaultEnv string
	logger     *slog.Logger
	tracer     trace.Tracer
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithDefaultEnv sets the env used when the intent carries none.
func WithDefaultEnv(env string) InterceptorOption {
	return func(i *Interceptor) {
		if env != "" {
			i.defaultEnv = env
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) InterceptorOption {
	return func(i *Interceptor) {
		i.logger = logger.With("component", "interceptor")
	}
}

// WithTracer sets the tracer for pipeline spans.
func WithTracer(tracer trace.Tracer) InterceptorOption {
	return func(i *Interceptor) {
		i.tracer = tracer
	}
}

// NewInterceptor wires the pipeline.
func NewInterceptor(store request.Store, riskEngine *risk.Engine, policyEngine *policy.Engine, executor outbound.ToolExecutor, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		store:      store,
		risk:       riskEngine,
		policy:     policyEngine,
		executor:   executor,
		defaultEnv: "dev",
		logger:     slog.Default().With("component", "interceptor"),
		tracer:     noop.NewTracerProvider().Tracer("ctrl"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Intercept runs the full pipeline for one intent. Denied and parked
// intents surface as *request.DeniedError / *request.PendingError; remote
// failures as *request.ExecutionError. Every outcome is journaled before
// the corresponding error returns.
func (i *Interceptor) Intercept(ctx context.Context, intent risk.Intent) (*Outcome, error) {
	if intent.Env == "" {
		intent.Env = i.defaultEnv
	}

	ctx, span := i.tracer.Start(ctx, "ctrl.intercept", trace.WithAttributes(
		attribute.String("ctrl.server", intent.Server),
		attribute.String("ctrl.tool", intent.Tool),
		attribute.String("ctrl.env", intent.Env),
	))
	defer span.End()

	argsJSON, argsHash, err := request.CanonicalizeArguments(intent.Args)
	if err != nil {
		return nil, err
	}

	// Score first so the risk columns land on the request row.
	riskResult := i.risk.Score(intent)
	span.SetAttributes(
		attribute.Int("ctrl.risk_score", riskResult.Score),
		attribute.String("ctrl.risk_mode", riskResult.Mode),
	)

	req := &request.Request{
		ID:            uuid.NewString(),
		Server:        intent.Server,
		Tool:          intent.Tool,
		ArgumentsJSON: argsJSON,
		ArgumentsHash: argsHash,
		Actor:         intent.Actor,
		Env:           intent.Env,
		Status:        request.StatusProposed,
		RiskScore:     riskResult.Score,
		RiskMode:      riskResult.Mode,
	}
	if err := i.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}

	i.emit(ctx, req.ID, request.EventRequestCreated, map[string]any{
		"server": intent.Server,
		"tool":   intent.Tool,
		"env":    intent.Env,
		"actor":  intent.Actor,
	})
	riskMap := riskResult.Map()
	i.emit(ctx, req.ID, request.EventRiskScored, riskMap)

	decision := i.policy.Decide(intent.Server, intent.Tool, intent.Env)
	record := &request.Decision{
		ID:               uuid.NewString(),
		RequestID:        req.ID,
		Decision:         decision.Effect,
		MatchedPolicyID:  decision.PolicyID,
		MatchedCondition: decision.MatchedCondition,
		Reason:           decision.Reason,
	}
	if err := i.store.AddDecision(ctx, record); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}
	i.emit(ctx, req.ID, request.EventDecisionMade, map[string]any{
		"decision":  decision.Effect,
		"policy_id": decision.PolicyID,
		"reason":    decision.Reason,
		"matched":   decision.MatchedCondition,
	})

	effect := decision.Effect
	reason := decision.Reason
	if matched := i.policy.ByID(decision.PolicyID); matched != nil {
		// The approval gate applies to the matched policy regardless of its
		// effect: even a deny decision parks for a human when the condition
		// holds.
		if policy.RequiresApproval(matched.RequireApprovalIf, riskResult) {
			effect = policy.EffectPending
			reason = fmt.Sprintf("Approval required (%s)", matched.RequireApprovalIf)
			i.emit(ctx, req.ID, request.EventDecisionOverridden, map[string]any{
				"to":      policy.EffectPending,
				"because": "require_approval_if",
				"risk":    riskMap,
			})
		}
		// The deny gate runs after the approval gate and wins over it.
		if matched.Deny != "" && policy.DeniesAction(matched.Deny, riskResult) {
			effect = policy.EffectDeny
			reason = fmt.Sprintf("Denied (%s)", matched.Deny)
			i.emit(ctx, req.ID, request.EventDecisionOverridden, map[string]any{
				"to":      policy.EffectDeny,
				"because": "deny_if",
				"risk":    riskMap,
			})
		}
	}

	span.SetAttributes(attribute.String("ctrl.effect", effect))
	i.logger.Info("intent decided",
		"request_id", req.ID,
		"server", intent.Server,
		"tool", intent.Tool,
		"env", intent.Env,
		"effect", effect,
		"risk_score", riskResult.Score,
		"risk_mode", riskResult.Mode,
	)

	switch effect {
	case policy.EffectDeny:
		if err := i.store.UpdateStatus(ctx, req.ID, request.StatusProposed, request.StatusDenied); err != nil {
			return nil, fmt.Errorf("mark denied: %w", err)
		}
		i.emit(ctx, req.ID, request.EventRequestDenied, map[string]any{
			"reason": reason,
			"risk":   riskMap,
		})
		return nil, &request.DeniedError{
			RequestID: req.ID, Server: intent.Server, Tool: intent.Tool, Reason: reason,
		}

	case policy.EffectPending:
		if err := i.store.UpdateStatus(ctx, req.ID, request.StatusProposed, request.StatusPending); err != nil {
			return nil, fmt.Errorf("mark pending: %w", err)
		}
		i.emit(ctx, req.ID, request.EventRequestPending, map[string]any{
			"reason": reason,
			"risk":   riskMap,
		})
		return nil, &request.PendingError{
			RequestID: req.ID, Server: intent.Server, Tool: intent.Tool, Reason: reason,
		}
	}

	// allow: forward in-band.
	if err := i.store.UpdateStatus(ctx, req.ID, request.StatusProposed, request.StatusAllowed); err != nil {
		return nil, fmt.Errorf("mark allowed: %w", err)
	}
	i.emit(ctx, req.ID, request.EventProxyForwarding, map[string]any{
		"server": intent.Server,
		"tool":   intent.Tool,
		"risk":   riskMap,
	})

	result, execErr := i.executor.Execute(ctx, intent.Server, intent.Tool, intent.Args)
	if execErr != nil {
		if err := i.store.UpdateStatus(ctx, req.ID, request.StatusAllowed, request.StatusFailed); err != nil {
			i.logger.Error("mark failed", "request_id", req.ID, "error", err)
		}
		i.emit(ctx, req.ID, request.EventProxyFailed, map[string]any{
			"error": execErr.Error(),
		})
		return nil, &request.ExecutionError{
			RequestID: req.ID, Server: intent.Server, Tool: intent.Tool, Err: execErr,
		}
	}

	if err := i.store.UpdateStatus(ctx, req.ID, request.StatusAllowed, request.StatusExecuted); err != nil {
		return nil, fmt.Errorf("mark executed: %w", err)
	}
	i.emit(ctx, req.ID, request.EventProxyExecuted, map[string]any{"ok": true})

	return &Outcome{RequestID: req.ID, Status: request.StatusExecuted, Result: result}, nil
}

// emit appends an audit event. The pipeline's state transitions are the
// source of truth; a failed event write is logged, not fatal.
func (i *Interceptor) emit(ctx context.Context, requestID, eventType string, data map[string]any) {
	if err := i.store.AppendEvent(ctx, requestID, eventType, data); err != nil {
		i.logger.Error("append event", "request_id", requestID, "type", eventType, "error", err)
	}
}
