package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// Store persists the outcome history of jobs.
type Store interface {
	Append(ctx context.Context, job string, outcome Outcome) error
	List(ctx context.Context, job string) ([]Outcome, error)
	Delete(ctx context.Context, job string) error
}

// BaseDir returns the base imagectl directory (~/.imagectl/).
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imagectl")
}

// DefaultDir returns the directory for history files (~/.imagectl/history/).
func DefaultDir() string {
	return filepath.Join(BaseDir(), "history")
}

// LogDir returns the directory for agent log files (~/.imagectl/logs/).
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// FileStore keeps one JSON file per job. Writes hold an exclusive flock on
// a sibling .lock file so concurrent runs of the same job serialize.
type FileStore struct {
	dir         string
	lockTimeout time.Duration
	syncDir     func(dir string) error
}

// NewFileStore creates a store rooted at dir. An empty dir means DefaultDir.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileStore{dir: dir, lockTimeout: 10 * time.Second, syncDir: syncDir}
}

// Dir returns the directory holding the history files.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the history file of a job.
func (s *FileStore) Path(job string) string {
	return filepath.Join(s.dir, fileName(job)+".json")
}

func (s *FileStore) lockPath(job string) string {
	return filepath.Join(s.dir, fileName(job)+".lock")
}

// fileName maps a job name, which may contain folder separators, to a
// single path element.
func fileName(job string) string {
	return url.PathEscape(job)
}

// Append adds outcome to the end of the job's history and syncs it to disk.
func (s *FileStore) Append(ctx context.Context, job string, outcome Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.WithLock(job, func() error {
		outcomes, err := s.load(job)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, outcome)
		return s.save(job, outcomes)
	})
}

// List returns the job's outcomes in recording order. A job without
// history has none.
func (s *FileStore) List(ctx context.Context, job string) ([]Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(job)
}

// Delete removes the job's history file.
func (s *FileStore) Delete(ctx context.Context, job string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.WithLock(job, func() error {
		err := os.Remove(s.Path(job))
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return s.syncDir(s.dir)
	})
}

// Jobs returns the names of all jobs with a history file.
func (s *FileStore) Jobs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var jobs []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		name, err := url.PathUnescape(entry.Name()[:len(entry.Name())-5])
		if err != nil {
			continue
		}
		jobs = append(jobs, name)
	}
	return jobs, nil
}

func (s *FileStore) load(job string) ([]Outcome, error) {
	data, err := os.ReadFile(s.Path(job))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var outcomes []Outcome
	if err := json.Unmarshal(data, &outcomes); err != nil {
		return nil, fmt.Errorf("parsing history file: %w", err)
	}
	return outcomes, nil
}

func (s *FileStore) save(job string, outcomes []Outcome) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	data, err := json.MarshalIndent(outcomes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling history: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, fileName(job)+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing history file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing history file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing history file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(job)); err != nil {
		return fmt.Errorf("replacing history file: %w", err)
	}
	if err := s.syncDir(s.dir); err != nil {
		return fmt.Errorf("syncing history directory: %w", err)
	}
	return nil
}

// syncDir flushes a directory entry change such as a rename to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// WithLock executes fn while holding an exclusive lock on the job history.
// Returns error if the lock cannot be acquired within the store's timeout.
func (s *FileStore) WithLock(job string, fn func() error) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	lockFile, err := os.OpenFile(s.lockPath(job), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer lockFile.Close()

	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout acquiring history lock for %s (another run may be recording)", job)
		}
		time.Sleep(100 * time.Millisecond)
	}
	defer func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
	}()

	return fn()
}
