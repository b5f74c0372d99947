// Package request holds the audit-store entities: intercepted requests,
// policy decisions, and append-only events, together with the request
// status machine.
package request

import "time"

// Request statuses. See the transition table below for the lifecycle.
const (
	StatusProposed = "proposed"
	StatusAllowed  = "allowed"
	StatusDenied   = "denied"
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// Event types emitted along the pipeline.
const (
	EventRequestCreated     = "request.created"
	EventRiskScored         = "risk.scored"
	EventDecisionMade       = "decision.made"
	EventDecisionOverridden = "decision.overridden"
	EventRequestDenied      = "request.denied"
	EventRequestPending     = "request.pending"
	EventProxyForwarding    = "proxy.forwarding"
	EventProxyExecuted      = "proxy.executed"
	EventProxyFailed        = "proxy.failed"
	EventApprovalGranted    = "approval.granted"
	EventApprovalDenied     = "approval.denied"
	EventToolResult         = "tool.result"
)

// transitions is the full status machine. The interceptor owns proposed->*
// and allowed->{executed,failed}; the approvals surface owns
// pending->{approved,denied} and approved->{executed,failed}.
var transitions = map[string][]string{
	StatusProposed: {StatusAllowed, StatusDenied, StatusPending},
	StatusAllowed:  {StatusExecuted, StatusFailed},
	StatusPending:  {StatusApproved, StatusDenied},
	StatusApproved: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status never changes again.
func IsTerminal(status string) bool {
	switch status {
	case StatusDenied, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// Request is one intercepted tool-call intent. The identity and intent
// fields are immutable; status and the risk columns progress over the
// lifecycle.
type Request struct {
	ID            string
	CreatedAt     time.Time
	Server        string
	Tool          string
	ArgumentsJSON string
	ArgumentsHash string
	Actor         string
	Env           string
	Status        string
	RiskScore     int
	RiskMode      string
	ApprovedAt    *time.Time
	ApprovedBy    string
}

// Decision is one policy evaluation attached to a request. Append-only.
type Decision struct {
	ID        string
	RequestID string
	DecidedAt time.Time
	// Decision is allow, deny, or pending.
	Decision string
	// MatchedPolicyID is empty when no policy matched.
	MatchedPolicyID  string
	MatchedCondition string
	Reason           string
}

// Event is one append-only audit log entry. RequestID may be empty for
// system-level events.
type Event struct {
	ID        int64
	CreatedAt time.Time
	RequestID string
	Type      string
	DataJSON  string
}
