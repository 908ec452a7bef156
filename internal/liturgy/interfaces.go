package liturgy

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrClaimed signals that another worker currently holds the key.
var ErrClaimed = errors.New("key already claimed")

// DayReader looks up stored days.
type DayReader interface {
	// FindDay returns the day for the key with its children resolved, or ErrNotFound.
	FindDay(ctx context.Context, date, lang string) (Day, error)
}

// DayStore persists days and their children.
type DayStore interface {
	DayReader
	// DeleteDay removes a day by its record ID. Children are left alone.
	DeleteDay(ctx context.Context, id string) error
	// InTx runs fn so that either all of its writes land or none do.
	InTx(ctx context.Context, fn func(ctx context.Context, w DayWriter) error) error
}

// DayWriter exposes the writes used to materialize one aggregate.
type DayWriter interface {
	InsertReadings(ctx context.Context, readings []Reading) ([]Reading, error)
	UpsertSaint(ctx context.Context, saint Saint) (Saint, error)
	InsertCommentary(ctx context.Context, commentary Commentary) (Commentary, error)
	InsertLiturgy(ctx context.Context, liturgy Liturgy) (Liturgy, error)
	SaveDay(ctx context.Context, day Day) (Day, error)
}

// JobRunStore persists job runs and their logs.
type JobRunStore interface {
	CreateRun(ctx context.Context, run JobRun) error
	AppendLog(ctx context.Context, runID string, entry LogEntry) error
	GetRun(ctx context.Context, runID string) (JobRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]JobRun, error)
}

// Fetcher retrieves upstream content for one key. It performs a single
// attempt; retry policy belongs to the caller.
type Fetcher interface {
	Fetch(ctx context.Context, date, lang string) (Payload, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes ingestion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ReleaseFunc gives a claim back.
type ReleaseFunc func(ctx context.Context) error

// Claimer hands out short leases on keys so that only one worker processes a
// key at a time.
type Claimer interface {
	// Claim returns ErrClaimed when the key is held by someone else.
	Claim(ctx context.Context, key string, lease time.Duration) (ReleaseFunc, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
