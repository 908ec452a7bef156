package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ticnsp/eaas/internal/liturgy"
)

// JobRunStore keeps each run as one document with an embedded log array.
type JobRunStore struct {
	coll *mongo.Collection
}

// NewJobRunStore uses the job_runs collection of db.
func NewJobRunStore(db *mongo.Database) *JobRunStore {
	return &JobRunStore{coll: db.Collection(JobRunsCollection)}
}

// CreateRun inserts the run.
func (s *JobRunStore) CreateRun(ctx context.Context, run liturgy.JobRun) error {
	if run.Logs == nil {
		run.Logs = []liturgy.LogEntry{}
	}
	if _, err := s.coll.InsertOne(ctx, run); err != nil {
		return fmt.Errorf("insert job run %s: %w", run.ID, err)
	}
	return nil
}

// AppendLog pushes entry onto the run's log.
func (s *JobRunStore) AppendLog(ctx context.Context, runID string, entry liturgy.LogEntry) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": runID}, bson.M{"$push": bson.M{"logs": entry}})
	if err != nil {
		return fmt.Errorf("append log to %s: %w", runID, err)
	}
	if res.MatchedCount == 0 {
		return liturgy.ErrNotFound
	}
	return nil
}

// GetRun loads one run.
func (s *JobRunStore) GetRun(ctx context.Context, runID string) (liturgy.JobRun, error) {
	var run liturgy.JobRun
	err := s.coll.FindOne(ctx, bson.M{"_id": runID}).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return liturgy.JobRun{}, liturgy.ErrNotFound
	}
	if err != nil {
		return liturgy.JobRun{}, fmt.Errorf("get job run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *JobRunStore) ListRuns(ctx context.Context, limit, offset int) ([]liturgy.JobRun, error) {
	opts := options.Find().SetSort(listSort())
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	runs := make([]liturgy.JobRun, 0)
	if err := cur.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("decode job runs: %w", err)
	}
	return runs, nil
}

func listSort() bson.D {
	return bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}
}

var _ liturgy.JobRunStore = (*JobRunStore)(nil)
