package request

import (
	"context"
	"time"
)

// Store is the audit persistence port. Implementations must enforce the
// status transition table on every update: an illegal transition returns
// ErrInvalidState, an unknown id returns ErrNotFound.
type Store interface {
	// CreateRequest inserts a new request row in status proposed.
	CreateRequest(ctx context.Context, req *Request) error

	// GetRequest returns one request by id.
	GetRequest(ctx context.Context, id string) (*Request, error)

	// ListRequests returns the newest requests first, optionally filtered
	// by status. The limit is clamped by the implementation.
	ListRequests(ctx context.Context, status string, limit int) ([]*Request, error)

	// UpdateStatus performs a compare-and-set transition from -> to.
	UpdateStatus(ctx context.Context, id, from, to string) error

	// AddDecision appends one decision row.
	AddDecision(ctx context.Context, d *Decision) error

	// LatestDecision returns the most recent decision for a request, or
	// ErrNotFound when none exists.
	LatestDecision(ctx context.Context, requestID string) (*Decision, error)

	// AppendEvent appends one audit event. The data mapping is stored as
	// canonical JSON. requestID may be empty for system events.
	AppendEvent(ctx context.Context, requestID, eventType string, data map[string]any) error

	// ListEvents returns a request's events in emission order.
	ListEvents(ctx context.Context, requestID string) ([]*Event, error)

	// LatestEventOfType returns the most recent event of the given type
	// for a request, or ErrNotFound when none exists.
	LatestEventOfType(ctx context.Context, requestID, eventType string) (*Event, error)

	// Approve transitions pending -> approved and writes the
	// approval.granted event in the same transaction, so the approval is
	// durable before any execution starts.
	Approve(ctx context.Context, id, approvedBy string, approvedAt time.Time) error

	Close() error
}
