package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/app"
	"github.com/ticnsp/eaas/internal/broker"
	"github.com/ticnsp/eaas/internal/config"
	"github.com/ticnsp/eaas/internal/dispatcher"
	"github.com/ticnsp/eaas/internal/logging"
	"github.com/ticnsp/eaas/internal/metrics"
)

type runtimeKeyType string

const runtimeKey runtimeKeyType = "runtime"

// runtime is what the root command prepares for every subcommand.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp and dialQueue are variables so tests can replace the backends.
var (
	newApp    = app.New
	dialQueue = dialBrokerQueue
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "eaas",
		Short: "Liturgy ingestion worker, read API and job dispatcher.",
		Long: `eaas ingests daily liturgical content keyed by date and language.

The worker consumes fetch and email jobs from RabbitMQ, the serve command
exposes stored days and run logs over HTTP, and enqueue publishes jobs for
one date or a range of dates.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			metrics.Init()

			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKey, &runtime{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, err := resolveRuntime(cmd.Context()); err == nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml); EAAS_* env vars take precedence")

	cmd.AddCommand(newWorkerCmd(), newServeCmd(), newEnqueueCmd())
	return cmd
}

// Execute runs the CLI until SIGINT or SIGTERM. Any command error ends the
// process with a non-zero status.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		zap.L().Fatal("Command execution failed", zap.Error(err))
	}
}

func resolveRuntime(ctx context.Context) (*runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(*runtime)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

func brokerConfig(cfg config.Config) broker.Config {
	return broker.Config{
		URL:      cfg.Broker.URL,
		Queue:    cfg.Broker.Queue,
		Warmup:   cfg.WarmupDelay(),
		Attempts: cfg.Broker.ConnectAttempts,
		Backoff:  cfg.ConnectBackoff(),
		Prefetch: cfg.Broker.Prefetch,
	}
}

// dialBrokerQueue connects a publishing channel to the work queue. The
// returned func closes it.
func dialBrokerQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (dispatcher.Queue, func() error, error) {
	mgr := broker.NewManager(brokerConfig(cfg), logger)
	ch, err := mgr.Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	return broker.NewPublisher(ch, mgr.Topology()), mgr.Close, nil
}

func closeApp(a *app.App, logger *zap.Logger) {
	if err := a.Close(); err != nil {
		logger.Warn("Error closing application services", zap.Error(err))
	}
}
