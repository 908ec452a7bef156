// Package runlog records the append-only step log of a job run.
package runlog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// Recorder appends entries to one job run. Every entry is written to the
// JobRunStore and mirrored to zap. A store failure does not stop the job;
// it is logged and kept for Err.
type Recorder struct {
	store  liturgy.JobRunStore
	clock  liturgy.Clock
	logger *zap.Logger
	runID  string

	mu       sync.Mutex
	entries  []liturgy.LogEntry
	storeErr error
}

// Open persists run and returns a Recorder bound to it.
func Open(
	ctx context.Context,
	store liturgy.JobRunStore,
	clock liturgy.Clock,
	logger *zap.Logger,
	run liturgy.JobRun,
) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = clock.Now()
	}
	run.Logs = nil
	if err := store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create job run: %w", err)
	}
	return &Recorder{
		store: store,
		clock: clock,
		logger: logger.With(
			zap.String("job_id", run.ID),
			zap.String("kind", run.Kind),
			zap.String("date", run.Input.Date),
			zap.String("lang", run.Input.Lang),
		),
		runID: run.ID,
	}, nil
}

// RunID returns the ID of the run being recorded.
func (r *Recorder) RunID() string {
	return r.runID
}

// Log appends one entry.
func (r *Recorder) Log(ctx context.Context, step int, status liturgy.Status, message string) {
	entry := liturgy.LogEntry{
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: r.clock.Now(),
	}

	r.mu.Lock()
	if n := len(r.entries); n > 0 && r.entries[n-1].Step > step {
		r.logger.Warn("run log step went backwards",
			zap.Int("previous", r.entries[n-1].Step), zap.Int("step", step))
	}
	r.entries = append(r.entries, entry)
	r.mu.Unlock()

	fields := []zap.Field{zap.Int("step", step), zap.String("status", string(status))}
	if status == liturgy.StatusFailure {
		r.logger.Error(message, fields...)
	} else {
		r.logger.Info(message, fields...)
	}

	if err := r.store.AppendLog(ctx, r.runID, entry); err != nil {
		r.logger.Error("append run log", zap.Error(err))
		r.mu.Lock()
		if r.storeErr == nil {
			r.storeErr = fmt.Errorf("append run log: %w", err)
		}
		r.mu.Unlock()
	}
}

// Start records the START entry at phase 0.
func (r *Recorder) Start(ctx context.Context, message string) {
	r.Log(ctx, liturgy.PhaseStart, liturgy.StatusStart, message)
}

// Running records a progress entry.
func (r *Recorder) Running(ctx context.Context, step int, message string) {
	r.Log(ctx, step, liturgy.StatusRunning, message)
}

// Succeed records the terminal SUCCESS entry at phase 2000.
func (r *Recorder) Succeed(ctx context.Context, message string) {
	r.Log(ctx, liturgy.PhaseDone, liturgy.StatusSuccess, message)
}

// Fail records the terminal FAILURE entry. It is stamped with the last step
// reached so the phase sequence stays non-decreasing.
func (r *Recorder) Fail(ctx context.Context, err error) {
	r.Log(ctx, r.LastStep(), liturgy.StatusFailure, err.Error())
}

// LastStep returns the step of the latest entry, or PhaseStart.
func (r *Recorder) LastStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return liturgy.PhaseStart
	}
	return r.entries[len(r.entries)-1].Step
}

// Entries returns a copy of what has been recorded so far.
func (r *Recorder) Entries() []liturgy.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]liturgy.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Err returns the first store error seen while appending, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeErr
}
