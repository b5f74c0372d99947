// Package outbound defines the driven-side ports of the control plane.
package outbound

import "context"

// ToolExecutor forwards an approved or allowed tool call to the remote
// server that owns the tool and returns its decoded result.
type ToolExecutor interface {
	Execute(ctx context.Context, server, tool string, args map[string]any) (any, error)
}
