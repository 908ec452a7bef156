package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// JobRunStore keeps job runs in job_runs and their logs in job_run_logs.
type JobRunStore struct {
	db DB
}

// NewJobRunStore wraps db.
func NewJobRunStore(db DB) (*JobRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobRunStore{db: db}, nil
}

// CreateRun inserts the run row.
func (s *JobRunStore) CreateRun(ctx context.Context, run liturgy.JobRun) error {
	input, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("encode run input: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO job_runs (id, kind, input, attempt, created_at) VALUES ($1, $2, $3, $4, $5)",
		run.ID, run.Kind, input, run.Attempt, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job run %s: %w", run.ID, err)
	}
	return nil
}

// AppendLog adds one entry. Entries are ordered by insertion.
func (s *JobRunStore) AppendLog(ctx context.Context, runID string, entry liturgy.LogEntry) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO job_run_logs (run_id, step, status, message, logged_at) VALUES ($1, $2, $3, $4, $5)",
		runID, entry.Step, string(entry.Status), entry.Message, entry.Timestamp,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return liturgy.ErrNotFound
		}
		return fmt.Errorf("append log to %s: %w", runID, err)
	}
	return nil
}

const selectRunColumns = "SELECT id, kind, input, attempt, created_at FROM job_runs"

// GetRun loads one run with its logs.
func (s *JobRunStore) GetRun(ctx context.Context, runID string) (liturgy.JobRun, error) {
	run, err := scanRun(s.db.QueryRow(ctx, selectRunColumns+" WHERE id = $1", runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return liturgy.JobRun{}, liturgy.ErrNotFound
	}
	if err != nil {
		return liturgy.JobRun{}, fmt.Errorf("get job run %s: %w", runID, err)
	}
	logs, err := s.loadLogs(ctx, []string{runID})
	if err != nil {
		return liturgy.JobRun{}, err
	}
	run.Logs = logs[runID]
	return run, nil
}

// ListRuns returns runs newest first.
func (s *JobRunStore) ListRuns(ctx context.Context, limit, offset int) ([]liturgy.JobRun, error) {
	if offset < 0 {
		offset = 0
	}
	// A NULL limit means no limit.
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx,
		selectRunColumns+" ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2", lim, offset)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	runs := make([]liturgy.JobRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		runs = append(runs, run)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	logs, err := s.loadLogs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		runs[i].Logs = logs[runs[i].ID]
	}
	return runs, nil
}

func (s *JobRunStore) loadLogs(ctx context.Context, ids []string) (map[string][]liturgy.LogEntry, error) {
	rows, err := s.db.Query(ctx,
		"SELECT run_id, step, status, message, logged_at FROM job_run_logs WHERE run_id = ANY($1) ORDER BY seq", ids)
	if err != nil {
		return nil, fmt.Errorf("load run logs: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]liturgy.LogEntry, len(ids))
	for rows.Next() {
		var (
			runID  string
			status string
			entry  liturgy.LogEntry
		)
		if err := rows.Scan(&runID, &entry.Step, &status, &entry.Message, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		entry.Status = liturgy.Status(status)
		out[runID] = append(out[runID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load run logs: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (liturgy.JobRun, error) {
	var (
		run   liturgy.JobRun
		input []byte
	)
	if err := row.Scan(&run.ID, &run.Kind, &input, &run.Attempt, &run.CreatedAt); err != nil {
		return liturgy.JobRun{}, err
	}
	if err := json.Unmarshal(input, &run.Input); err != nil {
		return liturgy.JobRun{}, fmt.Errorf("decode run input: %w", err)
	}
	return run, nil
}

var _ liturgy.JobRunStore = (*JobRunStore)(nil)
