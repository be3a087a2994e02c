// Package history records build outcomes against their job and removes the
// images of deleted jobs.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridctl/imagectl/pkg/logging"
)

// ErrAlreadyRecorded is returned by a second Record call on the same Recorder.
var ErrAlreadyRecorded = errors.New("outcome already recorded for this run")

// Outcome is what one run produced. It is written before any push or
// cleanup so a later failure still leaves a record of the built image.
type Outcome struct {
	SourceURL          string    `json:"source_url,omitempty"`
	ImageID            string    `json:"image_id,omitempty"`
	Tags               []string  `json:"tags"`
	CleanupOnJobDelete bool      `json:"cleanup_on_job_delete"`
	PublishOnSuccess   bool      `json:"publish_on_success"`
	RunID              string    `json:"run_id,omitempty"`
	Job                string    `json:"job,omitempty"`
	BuildNumber        int       `json:"build_number,omitempty"`
	HostID             string    `json:"host_id,omitempty"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Recorder attaches a run's outcome to its job. It is single-use.
type Recorder struct {
	store Store
	now   func() time.Time

	mu       sync.Mutex
	recorded bool
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// Record durably appends outcome to the history of job. Only the first
// call writes; later calls return ErrAlreadyRecorded. A failed write does
// not consume the recorder.
func (r *Recorder) Record(ctx context.Context, job string, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recorded {
		return ErrAlreadyRecorded
	}

	if outcome.Job == "" {
		outcome.Job = job
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = r.now().UTC()
	}
	if outcome.Tags == nil {
		outcome.Tags = []string{}
	}

	if err := r.store.Append(ctx, job, outcome); err != nil {
		return fmt.Errorf("recording outcome: %w", err)
	}
	r.recorded = true
	return nil
}

// Recorded reports whether Record has succeeded.
func (r *Recorder) Recorded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorded
}

// ImageRemover removes a local image, reporting failures to sink.
type ImageRemover interface {
	Clean(ctx context.Context, imageID string, sink logging.Sink)
}

// RemoverFor returns the remover for the host an outcome was built on.
type RemoverFor func(outcome Outcome) (ImageRemover, error)

// Purge removes the images of every outcome of job marked for cleanup on
// job delete, then deletes the job's history. Removal is best-effort: an
// unreachable host is reported to sink and skipped. Returns the number of
// images a removal was attempted for.
func Purge(ctx context.Context, store Store, job string, removerFor RemoverFor, sink logging.Sink) (int, error) {
	if sink == nil {
		sink = logging.DiscardSink
	}

	outcomes, err := store.List(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("listing history: %w", err)
	}

	seen := make(map[string]bool)
	attempted := 0
	for _, o := range outcomes {
		if !o.CleanupOnJobDelete || o.ImageID == "" {
			continue
		}
		key := o.HostID + "/" + o.ImageID
		if seen[key] {
			continue
		}
		seen[key] = true

		if err := ctx.Err(); err != nil {
			return attempted, err
		}

		remover, err := removerFor(o)
		if err != nil {
			logging.Appendf(sink, "Skipping cleanup of %s on host %q: %v", o.ImageID, o.HostID, err)
			continue
		}
		remover.Clean(ctx, o.ImageID, sink)
		attempted++
	}

	if err := store.Delete(ctx, job); err != nil {
		return attempted, fmt.Errorf("deleting history: %w", err)
	}
	return attempted, nil
}
