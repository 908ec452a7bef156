package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// JobRunStore keeps job runs in memory, newest last.
type JobRunStore struct {
	mu    sync.RWMutex
	runs  map[string]liturgy.JobRun
	order []string
}

var _ liturgy.JobRunStore = (*JobRunStore)(nil)

// NewJobRunStore constructs an empty JobRunStore.
func NewJobRunStore() *JobRunStore {
	return &JobRunStore{runs: make(map[string]liturgy.JobRun)}
}

// CreateRun stores a new run.
func (s *JobRunStore) CreateRun(_ context.Context, run liturgy.JobRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return errors.New("job run already exists")
	}
	run.Logs = append([]liturgy.LogEntry(nil), run.Logs...)
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	return nil
}

// AppendLog adds one entry to the end of a run's log.
func (s *JobRunStore) AppendLog(_ context.Context, runID string, entry liturgy.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return liturgy.ErrNotFound
	}
	run.Logs = append(run.Logs, entry)
	s.runs[runID] = run
	return nil
}

// GetRun returns a copy of one run.
func (s *JobRunStore) GetRun(_ context.Context, runID string) (liturgy.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return liturgy.JobRun{}, liturgy.ErrNotFound
	}
	run.Logs = append([]liturgy.LogEntry(nil), run.Logs...)
	return run, nil
}

// ListRuns returns runs newest first.
func (s *JobRunStore) ListRuns(_ context.Context, limit, offset int) ([]liturgy.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	out := make([]liturgy.JobRun, 0)
	for i := len(s.order) - 1 - offset; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		run := s.runs[s.order[i]]
		run.Logs = append([]liturgy.LogEntry(nil), run.Logs...)
		out = append(out, run)
	}
	return out, nil
}
