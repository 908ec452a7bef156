package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/api"
	"github.com/ticnsp/eaas/internal/dispatcher"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var withQueue bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored days and job runs over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, withQueue)
		},
	}
	cmd.Flags().BoolVar(&withQueue, "with-queue", true, "connect to the broker so POST /v1/jobs can enqueue")
	return cmd
}

func runServe(cmd *cobra.Command, withQueue bool) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	cfg, logger := rt.cfg, rt.logger.Named("serve")

	a, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer closeApp(a, logger)

	var enqueuer api.Enqueuer
	if withQueue {
		queue, closeQueue, err := dialQueue(ctx, cfg, rt.logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeQueue(); err != nil {
				logger.Warn("Error closing broker", zap.Error(err))
			}
		}()
		enqueuer = dispatcher.New(queue, rt.logger)
	} else {
		logger.Warn("Serving without a queue; POST /v1/jobs answers 503")
	}

	server := api.NewServer(a.Days(), a.Runs(), enqueuer, a.ReadyChecks(), rt.logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Shutdown initiated")
	shutdownServer(srv, logger)
	logger.Info("Shutdown complete")
	return nil
}
