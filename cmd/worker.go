package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/api"
	"github.com/ticnsp/eaas/internal/broker"
	"github.com/ticnsp/eaas/internal/consumer"
	"github.com/ticnsp/eaas/internal/jobs"
)

const shutdownTimeout = 10 * time.Second

// newWorkerCmd creates the 'worker' subcommand.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume ingestion jobs from the broker",
		Long: `Connects to RabbitMQ (with a warm-up delay and a bounded number of
attempts), declares the work, retry and dead-letter queues and processes one
job at a time until interrupted. Only the kinds listed in worker.kinds are
handled; other jobs are dead-lettered.

Upgrading from a plain work queue: the work queue is declared with
x-dead-letter-exchange and x-dead-letter-routing-key arguments. RabbitMQ
refuses to redeclare an existing queue with different arguments
(PRECONDITION_FAILED), so a queue created without them makes startup fail
with "could not open channel". Drain and delete the old queue first, for
example:

  rabbitmqctl delete_queue fetch_queue

or point broker.queue at a new name and let the worker declare it.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger.Named("worker")

	a, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer closeApp(a, logger)

	probe := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           api.NewProbeHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Probe server started", zap.Int("port", cfg.Worker.MetricsPort))
		if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Probe server error", zap.Error(err))
		}
	}()
	defer shutdownServer(probe, logger)

	mgr := broker.NewManager(brokerConfig(cfg), rt.logger)
	ch, err := mgr.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("Error closing broker", zap.Error(err))
		}
	}()

	c := consumer.New(ch, broker.NewPublisher(ch, mgr.Topology()), a.Runs(), a.IDs(), a.Clock(), consumer.Config{
		Queue:        cfg.Broker.Queue,
		ConsumerTag:  cfg.Broker.ConsumerTag,
		MaxAttempts:  cfg.Broker.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff(),
		JobTimeout:   cfg.JobBudget(),
	}, rt.logger)

	if cfg.HandlesKind(string(jobs.KindFetch)) {
		pipeline, err := a.Pipeline()
		if err != nil {
			return fmt.Errorf("build ingestion pipeline: %w", err)
		}
		c.Register(jobs.KindFetch, pipeline)
	}
	if cfg.HandlesKind(string(jobs.KindEmail)) {
		c.Register(jobs.KindEmail, a.MailHandler())
	}

	logger.Info("Worker started",
		zap.String("queue", cfg.Broker.Queue),
		zap.Strings("kinds", cfg.Worker.Kinds),
		zap.Int("max_attempts", cfg.Broker.MaxAttempts))
	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Broker.Queue, err)
	}
	logger.Info("Worker stopped")
	return nil
}

func shutdownServer(srv *http.Server, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
}
