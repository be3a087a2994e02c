package engine

import (
	"context"
	"log/slog"

	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/docker/docker/api/types/image"
)

// Cleaner removes a run's image from the engine's local store.
type Cleaner struct {
	conn   Conn
	logger *slog.Logger
}

// NewCleaner creates a Cleaner using conn for engine calls.
func NewCleaner(conn Conn) *Cleaner {
	return &Cleaner{conn: conn, logger: logging.NewDiscardLogger()}
}

// SetLogger sets the logger for cleanup diagnostics.
func (c *Cleaner) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Clean force-removes imageID together with its tags. Failures are written
// to sink and otherwise ignored. An empty imageID is a no-op.
func (c *Cleaner) Clean(ctx context.Context, imageID string, sink logging.Sink) {
	if imageID == "" {
		return
	}
	sink.Append("Cleaning local images [" + imageID + "]")

	cli, err := c.conn.Client()
	if err != nil {
		c.fail(imageID, err, sink)
		return
	}

	deleted, err := cli.ImageRemove(ctx, imageID, image.RemoveOptions{
		Force:         true,
		PruneChildren: true,
	})
	if err != nil {
		c.fail(imageID, err, sink)
		return
	}

	for _, d := range deleted {
		switch {
		case d.Untagged != "":
			sink.Append("Untagged: " + d.Untagged)
		case d.Deleted != "":
			sink.Append("Deleted: " + d.Deleted)
		}
	}
	c.logger.Info("removed image", "image_id", imageID, "entries", len(deleted))
}

func (c *Cleaner) fail(imageID string, err error, sink logging.Sink) {
	c.logger.Warn("image cleanup failed", "image_id", imageID, "error", err)
	sink.Append("Error attempting to clean images")
	sink.Append(err.Error())
}
