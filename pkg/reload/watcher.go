package reload

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gridctl/imagectl/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls onChange when any file the agent configuration depends on
// changes. The watched set comes from paths and is recomputed after every
// reload, so hosts added with new TLS material are picked up.
type Watcher struct {
	paths    func() []string
	onChange func() error
	logger   *slog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher over the files returned by paths.
// Handler.WatchPaths is the usual source.
func NewWatcher(paths func() []string, onChange func() error) *Watcher {
	return &Watcher{
		paths:    paths,
		onChange: onChange,
		logger:   logging.NewDiscardLogger(),
		debounce: 300 * time.Millisecond,
	}
}

// SetLogger sets the logger for watcher events.
func (w *Watcher) SetLogger(logger *slog.Logger) {
	if logger != nil {
		w.logger = logger
	}
}

// SetDebounce sets how long changes must settle before onChange runs.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// watchSet is the armed state: target files and the directories holding
// them.
type watchSet struct {
	files map[string]bool
	dirs  map[string]bool
}

// Watch blocks until ctx is cancelled.
//
// Parent directories are watched rather than the files: editors and cert
// rotation tools replace files by renaming over them, and fsnotify loses a
// watched file once it is replaced.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	set, err := w.arm(fsw, watchSet{})
	if err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping config watcher")
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !set.files[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("watched file changed", "path", event.Name, "event", event.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			w.logger.Info("config change detected, reloading")
			if err := w.onChange(); err != nil {
				w.logger.Error("reload failed", "error", err)
			}
			next, err := w.arm(fsw, set)
			if err != nil {
				w.logger.Error("updating watched files", "error", err)
				continue
			}
			set = next

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// arm watches the directories of the current paths and releases those of
// prev that are no longer needed.
func (w *Watcher) arm(fsw *fsnotify.Watcher, prev watchSet) (watchSet, error) {
	next := watchSet{files: make(map[string]bool), dirs: make(map[string]bool)}
	for _, p := range w.paths() {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		next.files[p] = true
		next.dirs[filepath.Dir(p)] = true
	}

	for dir := range next.dirs {
		if prev.dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return prev, err
		}
	}
	for dir := range prev.dirs {
		if !next.dirs[dir] {
			_ = fsw.Remove(dir)
		}
	}

	w.logger.Info("watching for config changes", "files", len(next.files), "dirs", len(next.dirs))
	return next, nil
}
