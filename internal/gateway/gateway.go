// Package gateway defines the interface for caller-facing entry points.
package gateway

import "context"

// Gateway is a caller-facing surface of the broker (HTTP API, MCP server).
type Gateway interface {
	// Start serves until the gateway exits or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
