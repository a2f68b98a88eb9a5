// Package recurring tracks when recurring tasks last ran
package recurring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// Record is the last successful run of a recurring task
type Record struct {
	TaskID   int            `json:"-"`
	Schedule types.Schedule `json:"schedule"`
	LastRun  time.Time      `json:"last_run"`
}

// Store persists recurrence records outside process memory
type Store interface {
	// IsDue reports whether a task with the given schedule should run now
	IsDue(taskID int, schedule types.Schedule) (bool, error)
	// RecordRun stores now as the task's last successful run
	RecordRun(taskID int, schedule types.Schedule) error
	// Records lists every stored record ordered by task id
	Records() ([]Record, error)
}

// Due applies the schedule interval to a record. A missing record, a zero
// last run, or a non-recurring schedule is always due.
func Due(rec *Record, schedule types.Schedule, now time.Time) bool {
	if rec == nil || rec.LastRun.IsZero() {
		return true
	}
	interval := schedule.Interval()
	if interval == 0 {
		return true
	}
	return now.Sub(rec.LastRun) >= interval
}

// FileStore keeps records in a JSON file keyed by task id
type FileStore struct {
	path   string
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	records map[string]Record
}

// FileName is the JSON file written inside the state directory
const FileName = "recurring.json"

// OpenFileStore loads the records file in dir. A missing or unreadable
// file starts an empty store.
func OpenFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	s := &FileStore{
		path:    filepath.Join(dir, FileName),
		now:     time.Now,
		logger:  logger,
		records: map[string]Record{},
	}

	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	default:
		if err := json.Unmarshal(data, &s.records); err != nil {
			logger.Warn("recurrence file is corrupt, starting empty", "path", s.path, "error", err)
			s.records = map[string]Record{}
		}
	}
	return s, nil
}

// SetClock replaces the time source
func (s *FileStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// IsDue reports whether the task should run now
func (s *FileStore) IsDue(taskID int, schedule types.Schedule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[strconv.Itoa(taskID)]
	if !ok {
		return true, nil
	}
	return Due(&rec, schedule, s.now()), nil
}

// RecordRun stores now as the last run and rewrites the file
func (s *FileStore) RecordRun(taskID int, schedule types.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[strconv.Itoa(taskID)] = Record{Schedule: schedule, LastRun: s.now().UTC()}
	if err := s.save(); err != nil {
		return err
	}
	s.logger.Info("recorded recurring run", "issue", taskID, "schedule", schedule)
	return nil
}

// Records lists the stored records
func (s *FileStore) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for key, rec := range s.records {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		rec.TaskID = id
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// save writes through a temp file so a crash never leaves a torn file
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding recurrence records: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing recurrence records: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing recurrence records: %w", err)
	}
	return nil
}
