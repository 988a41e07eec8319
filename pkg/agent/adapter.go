// Package agent defines the executor adapter contract and the registry
// that routes tasks to adapters by name or capability.
package agent

import (
	"context"

	"github.com/openclaw/conductor/pkg/models"
)

// Adapter is the uniform executor surface. Implementations wrap an
// in-process callable, a remote HTTP endpoint, or a gateway chat session.
// Optional behaviors (streaming, health checks) are discovered by type
// assertion against StreamExecutor and HealthChecker.
type Adapter interface {
	// Info returns the adapter's immutable metadata.
	Info() Info

	// Execute runs a task to completion. A non-ok TaskResult reports a
	// contained task failure; a returned error reports that the adapter
	// itself could not execute at all. Both are treated as task failures
	// at the dispatch site and never abort sibling tasks.
	Execute(ctx context.Context, task string) (*models.TaskResult, error)
}

// ChunkSink receives streaming output chunks. done is true only for the
// terminating call, which carries no content.
type ChunkSink func(content string, done bool)

// StreamExecutor is implemented by adapters that can deliver incremental
// output while a task runs.
type StreamExecutor interface {
	ExecuteStream(ctx context.Context, task string, sink ChunkSink) (*models.TaskResult, error)
}

// HealthChecker is implemented by adapters that can probe their backend.
// Adapters without a health check are reported healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Info is the immutable metadata carried by every adapter.
type Info struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Streaming    bool     `json:"streaming,omitempty"`
}

// Adapter type tags.
const (
	TypeFunction = "function"
	TypeHTTP     = "http"
	TypeGateway  = "gateway"
)
