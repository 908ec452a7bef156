package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/hash/sha256"
	"github.com/ticnsp/eaas/internal/jobs"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/metrics"
	"github.com/ticnsp/eaas/internal/runlog"
)

// Notification is published after a day is stored.
type Notification struct {
	JobID    string `json:"job_id"`
	Date     string `json:"date"`
	Lang     string `json:"lang"`
	DayID    string `json:"day_id"`
	Readings int    `json:"readings"`
	Saints   int    `json:"saints"`
}

// Result summarizes one pipeline run.
type Result struct {
	Fetched bool
	Day     liturgy.Day
}

// Options wires a Pipeline. Store, Fetcher and IDs are required.
type Options struct {
	Store   liturgy.DayStore
	Fetcher liturgy.Fetcher
	IDs     liturgy.IDGenerator
	Logger  *zap.Logger

	// Claimer serializes work per key across workers. Nil disables claims.
	Claimer    liturgy.Claimer
	ClaimLease time.Duration

	// Archive receives the raw upstream bytes. Nil disables archiving.
	Archive       liturgy.BlobStore
	ArchivePrefix string

	// Publisher announces stored days on Topic. Nil disables notifications.
	Publisher liturgy.Publisher
	Topic     string
}

// Pipeline composes claim, check, fetch, archive, persist and notify.
type Pipeline struct {
	checker   *Checker
	persister *Persister
	fetcher   liturgy.Fetcher
	logger    *zap.Logger

	claimer liturgy.Claimer
	lease   time.Duration

	archive       liturgy.BlobStore
	archivePrefix string

	publisher liturgy.Publisher
	topic     string
}

// NewPipeline validates opts and builds a Pipeline.
func NewPipeline(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Fetcher == nil || opts.IDs == nil {
		return nil, errors.New("ingest: store, fetcher and ids are required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 2 * time.Minute
	}
	return &Pipeline{
		checker:       NewChecker(opts.Store),
		persister:     NewPersister(opts.Store, opts.IDs),
		fetcher:       opts.Fetcher,
		logger:        opts.Logger.Named("ingest"),
		claimer:       opts.Claimer,
		lease:         opts.ClaimLease,
		archive:       opts.Archive,
		archivePrefix: opts.ArchivePrefix,
		publisher:     opts.Publisher,
		topic:         opts.Topic,
	}, nil
}

// Handle runs the pipeline for a fetch job.
func (p *Pipeline) Handle(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error {
	if job.Kind != jobs.KindFetch {
		return Permanentf("ingest: cannot handle %s jobs", job.Kind)
	}
	_, err := p.Run(ctx, job.Date, job.Lang, rec)
	return err
}

// Run ingests one key. It returns Fetched=false when a valid day was
// already stored.
func (p *Pipeline) Run(ctx context.Context, date, lang string, rec *runlog.Recorder) (Result, error) {
	key := date + " " + lang

	release, err := p.claim(ctx, date, lang, rec)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		// The job context may already be done; the release still has to go out.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			p.logger.Warn("release claim", zap.String("key", key), zap.Error(err))
		}
	}()

	rec.Running(ctx, liturgy.PhaseCheck, "Checking if previous document exists for "+key)
	fetch, err := p.checker.ShouldFetch(ctx, date, lang, rec)
	if err != nil {
		return Result{}, err
	}
	if !fetch {
		rec.Running(ctx, liturgy.PhaseCheck, "Document exists with valid data for "+key)
		return Result{Fetched: false}, nil
	}

	rec.Running(ctx, liturgy.PhaseFetch, "No valid document found, fetching data for "+key)
	rec.Running(ctx, liturgy.PhaseFetch, "Beginning fetch data")
	payload, err := p.fetcher.Fetch(ctx, date, lang)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	if len(payload.Readings) == 0 {
		return Result{}, fmt.Errorf("fetch %s: %w", key, ErrEmptyPayload)
	}
	rec.Running(ctx, liturgy.PhaseFetch, "Completed fetch data")
	p.archiveRaw(ctx, payload, rec)

	rec.Running(ctx, liturgy.PhaseSave, "Saving data for "+key)
	day, err := p.persister.Persist(ctx, payload, rec)
	if err != nil {
		return Result{}, err
	}
	metrics.ObserveDayPersisted(lang)
	p.notify(ctx, day, rec)

	return Result{Fetched: true, Day: day}, nil
}

func (p *Pipeline) claim(ctx context.Context, date, lang string, rec *runlog.Recorder) (liturgy.ReleaseFunc, error) {
	noop := func(context.Context) error { return nil }
	if p.claimer == nil {
		return noop, nil
	}
	release, err := p.claimer.Claim(ctx, date+":"+lang, p.lease)
	if err != nil {
		if errors.Is(err, liturgy.ErrClaimed) {
			rec.Running(ctx, liturgy.PhaseCheck, "Key "+date+" "+lang+" is being processed by another worker")
		}
		return nil, fmt.Errorf("claim %s %s: %w", date, lang, err)
	}
	return release, nil
}

// archiveRaw stores the upstream bytes. Failures are noted and ignored.
func (p *Pipeline) archiveRaw(ctx context.Context, payload liturgy.Payload, rec *runlog.Recorder) {
	if p.archive == nil || len(payload.Raw) == 0 {
		return
	}
	objectPath := path.Join(p.archivePrefix, payload.Lang, payload.Date, rec.RunID()+".json")
	uri, err := p.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload.Raw))
	if err != nil {
		p.logger.Warn("archive raw payload", zap.String("path", objectPath), zap.Error(err))
		rec.Running(ctx, liturgy.PhaseFetch, "Archiving raw payload failed: "+err.Error())
		return
	}
	rec.Running(ctx, liturgy.PhaseFetch, fmt.Sprintf("Archived raw payload to %s (sha256 %s)", uri, sha256.Hex(payload.Raw)))
}

// notify publishes the stored day. Failures are noted and ignored.
func (p *Pipeline) notify(ctx context.Context, day liturgy.Day, rec *runlog.Recorder) {
	if p.publisher == nil {
		return
	}
	msg := Notification{
		JobID:    rec.RunID(),
		Date:     day.Date,
		Lang:     day.Lang,
		DayID:    day.ID,
		Readings: len(day.Readings),
		Saints:   len(day.Saints),
	}
	id, err := p.publisher.Publish(ctx, p.topic, msg)
	if err != nil {
		p.logger.Warn("publish notification", zap.String("topic", p.topic), zap.Error(err))
		rec.Running(ctx, liturgy.PhaseSave, "Publishing notification failed: "+err.Error())
		return
	}
	p.logger.Debug("published notification", zap.String("message_id", id))
}
