// Package consumer runs the message consumption loop: one delivery at a
// time, decoded into a job, dispatched by kind, and settled against the
// broker according to how the job ended.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/broker"
	"github.com/ticnsp/eaas/internal/ingest"
	"github.com/ticnsp/eaas/internal/jobs"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/metrics"
	"github.com/ticnsp/eaas/internal/runlog"
)

// ErrDeliveriesClosed is returned when the broker closes the delivery
// stream while the consumer is still supposed to run.
var ErrDeliveriesClosed = errors.New("consumer: delivery channel closed")

// Handler processes one decoded job.
type Handler interface {
	Handle(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job jobs.Job, rec *runlog.Recorder) error {
	return f(ctx, job, rec)
}

// Retrier parks a delivery for a later attempt.
type Retrier interface {
	Retry(ctx context.Context, d amqp.Delivery, attempt int, delay time.Duration) error
}

// Disposition names how a delivery was settled.
type Disposition string

// Dispositions.
const (
	Acked        Disposition = "ack"
	Retried      Disposition = "retry"
	DeadLettered Disposition = "dead_letter"
	Requeued     Disposition = "requeue"
)

const (
	settleTimeout         = 30 * time.Second
	defaultConfirmTimeout = 10 * time.Second
)

// Config controls the loop.
type Config struct {
	Queue        string
	ConsumerTag  string
	MaxAttempts  int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
	// ConfirmTimeout bounds the wait for the broker to confirm a retry copy.
	ConfirmTimeout time.Duration
}

// Consumer pulls deliveries from one queue.
type Consumer struct {
	ch       broker.Channel
	retrier  Retrier
	runs     liturgy.JobRunStore
	ids      liturgy.IDGenerator
	clock    liturgy.Clock
	handlers map[jobs.Kind]Handler
	cfg      Config
	logger   *zap.Logger
}

// New builds a Consumer. Register handlers before calling Run.
func New(
	ch broker.Channel,
	retrier Retrier,
	runs liturgy.JobRunStore,
	ids liturgy.IDGenerator,
	clock liturgy.Clock,
	cfg Config,
	logger *zap.Logger,
) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "eaas-worker"
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		ch:       ch,
		retrier:  retrier,
		runs:     runs,
		ids:      ids,
		clock:    clock,
		handlers: make(map[jobs.Kind]Handler),
		cfg:      cfg,
		logger:   logger.Named("consumer"),
	}
}

// Register routes jobs of kind to h.
func (c *Consumer) Register(kind jobs.Kind, h Handler) {
	c.handlers[kind] = h
}

// Run consumes until ctx is cancelled or the delivery stream closes. On
// cancellation it cancels the consumer tag and returns nil; a message being
// processed at that moment is finished and settled first. Prefetched
// deliveries not yet started are left unacked for the broker to redeliver.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("consuming", zap.String("queue", c.cfg.Queue), zap.String("tag", c.cfg.ConsumerTag))

	for {
		// A buffered delivery must not win over a cancelled ctx.
		if ctx.Err() != nil {
			c.stop()
			return nil
		}
		select {
		case <-ctx.Done():
			c.stop()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrDeliveriesClosed
			}
			c.Process(ctx, d)
		}
	}
}

func (c *Consumer) stop() {
	if err := c.ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
		c.logger.Warn("cancel consumer", zap.Error(err))
	}
	c.logger.Info("consumer stopped")
}

// Process handles and settles one delivery. It never panics the loop on a
// per-message error.
func (c *Consumer) Process(ctx context.Context, d amqp.Delivery) Disposition {
	metrics.SetJobInFlight(true)
	defer metrics.SetJobInFlight(false)

	// The job keeps running through a shutdown; only its own timeout stops it.
	// Run-log writes and settlement use their own budget so a timed-out job
	// is still recorded and retried.
	bookCtx, cancelBook := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout+c.cfg.JobTimeout)
	defer cancelBook()
	jobCtx := bookCtx
	if c.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(bookCtx, c.cfg.JobTimeout)
		defer cancel()
	}

	job, err := jobs.Decode(d.Body)
	if err != nil {
		c.logger.Error("discarding undecodable message",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.ByteString("body", truncate(d.Body, 512)),
			zap.Error(err))
		return c.deadLetter(d)
	}

	start := c.clock.Now()
	attempt := broker.Attempt(d)
	runID, err := c.ids.NewID()
	if err != nil {
		c.logger.Error("allocate run id", zap.Error(err))
		return c.retry(bookCtx, d, attempt, job)
	}
	rec, err := runlog.Open(bookCtx, c.runs, c.clock, c.logger, liturgy.JobRun{
		ID:        runID,
		Kind:      string(job.Kind),
		Input:     job.Input(),
		Attempt:   attempt,
		CreatedAt: start,
	})
	if err != nil {
		c.logger.Error("create job run", zap.Error(err))
		return c.retry(bookCtx, d, attempt, job)
	}

	label := "job " + string(job.Kind) + " for " + job.Date + " " + job.Lang
	rec.Start(bookCtx, "Starting "+label)

	err = c.dispatch(jobCtx, job, rec)
	elapsed := c.clock.Now().Sub(start)
	if err == nil {
		rec.Succeed(bookCtx, "Completed "+label)
		metrics.ObserveJob(string(job.Kind), "success", elapsed)
		return c.ack(d)
	}

	if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil {
		err = fmt.Errorf("job exceeded %s: %w", c.cfg.JobTimeout, err)
	}
	rec.Fail(bookCtx, err)

	if ingest.IsPermanent(err) {
		metrics.ObserveJob(string(job.Kind), "permanent_failure", elapsed)
		return c.deadLetter(d)
	}
	metrics.ObserveJob(string(job.Kind), "transient_failure", elapsed)
	return c.retry(bookCtx, d, attempt, job)
}

func (c *Consumer) dispatch(ctx context.Context, job jobs.Job, rec *runlog.Recorder) (err error) {
	h, ok := c.handlers[job.Kind]
	if !ok {
		return ingest.Permanentf("no handler registered for %s jobs", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = ingest.Permanentf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, job, rec)
}

func (c *Consumer) retry(ctx context.Context, d amqp.Delivery, attempt int, job jobs.Job) Disposition {
	if attempt >= c.cfg.MaxAttempts || c.retrier == nil {
		c.logger.Warn("attempts exhausted",
			zap.String("key", job.Key()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts))
		return c.deadLetter(d)
	}
	// The original is acked only once the broker has confirmed the copy.
	confirmCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()
	if err := c.retrier.Retry(confirmCtx, d, attempt+1, c.cfg.RetryBackoff); err != nil {
		c.logger.Error("schedule retry", zap.String("key", job.Key()), zap.Error(err))
		return c.settle(d, Requeued, d.Nack(false, true))
	}
	c.logger.Info("scheduled retry",
		zap.String("key", job.Key()),
		zap.Int("next_attempt", attempt+1),
		zap.Duration("delay", c.cfg.RetryBackoff))
	return c.settle(d, Retried, d.Ack(false))
}

func (c *Consumer) ack(d amqp.Delivery) Disposition {
	return c.settle(d, Acked, d.Ack(false))
}

func (c *Consumer) deadLetter(d amqp.Delivery) Disposition {
	return c.settle(d, DeadLettered, d.Nack(false, false))
}

func (c *Consumer) settle(d amqp.Delivery, disp Disposition, err error) Disposition {
	if err != nil {
		c.logger.Error("settle delivery",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.String("disposition", string(disp)),
			zap.Error(err))
	}
	metrics.ObserveDelivery(string(disp))
	return disp
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
