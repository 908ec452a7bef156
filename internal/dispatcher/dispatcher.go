// Package dispatcher validates jobs and puts them on the work queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/jobs"
)

// Queue publishes encoded job bodies. broker.Publisher satisfies it.
type Queue interface {
	Publish(ctx context.Context, body []byte) error
}

// ErrUnavailable is returned when no queue is configured.
var ErrUnavailable = errors.New("dispatcher: queue unavailable")

const publishTimeout = 5 * time.Second

// Dispatcher hands jobs to the queue.
type Dispatcher struct {
	queue  Queue
	logger *zap.Logger
}

// New creates a Dispatcher. A nil queue makes every Enqueue fail with
// ErrUnavailable.
func New(queue Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, logger: logger.Named("dispatcher")}
}

// Enqueue validates job and publishes it. Validation failures wrap
// jobs.ErrInvalid.
func (d *Dispatcher) Enqueue(ctx context.Context, job jobs.Job) error {
	if d == nil || d.queue == nil {
		return ErrUnavailable
	}
	body, err := jobs.Encode(job)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := d.queue.Publish(ctx, body); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("job enqueued", zap.String("kind", string(job.Kind)), zap.String("key", job.Key()))
	return nil
}

// EnqueueRange enqueues one job per day in [from, to] and language, using
// tmpl for the kind and recipient. It stops at the first failure and reports
// how many were enqueued.
func (d *Dispatcher) EnqueueRange(ctx context.Context, tmpl jobs.Job, from, to time.Time, langs []string) (int, error) {
	if to.Before(from) {
		return 0, fmt.Errorf("%w: range end %s is before start %s", jobs.ErrInvalid,
			to.Format(jobs.DateLayout), from.Format(jobs.DateLayout))
	}
	if len(langs) == 0 {
		return 0, fmt.Errorf("%w: at least one language is required", jobs.ErrInvalid)
	}
	n := 0
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		for _, lang := range langs {
			job := tmpl
			job.Date = day.Format(jobs.DateLayout)
			job.Lang = lang
			if err := d.Enqueue(ctx, job); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}
