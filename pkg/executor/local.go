package executor

import (
	"context"
	"log/slog"

	"github.com/gridctl/imagectl/pkg/connection"
	"github.com/gridctl/imagectl/pkg/engine"
	"github.com/gridctl/imagectl/pkg/logging"
)

// Local executes sessions in-process against the engine named by the
// request's connection parameters.
type Local struct {
	factory connection.Factory
	logger  *slog.Logger
}

// NewLocal creates a Local executor using the default docker client factory.
func NewLocal() *Local {
	return &Local{
		factory: connection.NewDockerClient,
		logger:  logging.NewDiscardLogger(),
	}
}

// SetFactory replaces the docker client factory.
func (l *Local) SetFactory(factory connection.Factory) {
	if factory != nil {
		l.factory = factory
	}
}

// SetLogger sets the logger handed to each session's engine components.
func (l *Local) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Open creates a session with its own connection. The docker client is not
// created until the first engine call.
func (l *Local) Open(_ context.Context, req Request) (Session, error) {
	var conn *connection.Connection
	if req.Connection != nil {
		conn = connection.New(*req.Connection, l.factory)
	} else {
		conn = connection.Unbound()
	}

	logger := l.logger.With("run_id", req.RunID)
	builder := engine.NewBuilder(conn, req.Build)
	builder.SetLogger(logger)
	publisher := engine.NewPublisher(conn)
	publisher.SetLogger(logger)
	cleaner := engine.NewCleaner(conn)
	cleaner.SetLogger(logger)

	return &localSession{
		req:       req,
		conn:      conn,
		builder:   builder,
		publisher: publisher,
		cleaner:   cleaner,
	}, nil
}

type localSession struct {
	req       Request
	conn      *connection.Connection
	builder   *engine.Builder
	publisher *engine.Publisher
	cleaner   *engine.Cleaner
}

func (s *localSession) Build(ctx context.Context, sink logging.Sink) (string, error) {
	return s.builder.Build(ctx, s.req.ContextDir, s.req.Tags, sink)
}

func (s *localSession) Push(ctx context.Context, sink logging.Sink) error {
	return s.publisher.Push(ctx, s.req.Tags, sink)
}

func (s *localSession) Clean(ctx context.Context, imageID string, sink logging.Sink) {
	s.cleaner.Clean(ctx, imageID, sink)
}

func (s *localSession) Close() error {
	return s.conn.Close()
}
