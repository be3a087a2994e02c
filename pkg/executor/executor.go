// Package executor is the boundary between a run and the place its engine
// calls execute. A Request carries everything the far side needs; results
// come back as a stream of Events.
package executor

import (
	"context"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/logging"
)

// Request describes one run's engine work. It is JSON-serializable so it
// can be sent to an agent. A nil Connection means the run has no host
// binding; any engine call then fails with connection.ErrNoHostBinding.
type Request struct {
	RunID      string              `json:"run_id"`
	ContextDir string              `json:"context_dir"`
	Tags       []string            `json:"tags"`
	Build      engine.BuildOptions `json:"build"`
	Connection *connection.Params  `json:"connection,omitempty"`
}

// Executor opens sessions for runs.
type Executor interface {
	Open(ctx context.Context, req Request) (Session, error)
}

// Session executes the engine operations of a single run. All calls share
// one engine connection, released by Close.
type Session interface {
	// Build builds the context once per request tag and returns the ID of
	// the last successful build, or "" when none succeeded.
	Build(ctx context.Context, sink logging.Sink) (string, error)
	// Push pushes every request tag in order.
	Push(ctx context.Context, sink logging.Sink) error
	// Clean removes imageID. Failures go to sink only.
	Clean(ctx context.Context, imageID string, sink logging.Sink)
	Close() error
}
