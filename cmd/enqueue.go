package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/dispatcher"
	"github.com/ticnsp/eaas/internal/jobs"
)

type enqueueOptions struct {
	date  string
	from  string
	to    string
	langs []string
	kind  string
	email string
}

// newEnqueueCmd creates the 'enqueue' subcommand.
func newEnqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish jobs for one date or a date range",
		Example: `  eaas enqueue --date 2019-01-26 --lang SP
  eaas enqueue --from 2024-12-01 --to 2024-12-31 --lang SP,AM
  eaas enqueue --kind email --date 2019-01-26 --lang SP --email reader@example.com`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.date, "date", "", "single date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.from, "from", "", "first date of a range (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.to, "to", "", "last date of a range, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&opts.langs, "lang", nil, "language codes, comma separated")
	cmd.Flags().StringVar(&opts.kind, "kind", string(jobs.KindFetch), "job kind: fetch or email")
	cmd.Flags().StringVar(&opts.email, "email", "", "recipient for email jobs")
	cmd.MarkFlagsMutuallyExclusive("date", "from")
	cmd.MarkFlagsMutuallyExclusive("date", "to")
	cmd.MarkFlagsRequiredTogether("from", "to")
	_ = cmd.MarkFlagRequired("lang")
	return cmd
}

// dateRange resolves --date or --from/--to into an inclusive range.
func (o enqueueOptions) dateRange() (time.Time, time.Time, error) {
	from, to := o.from, o.to
	if o.date != "" {
		from, to = o.date, o.date
	}
	if from == "" {
		return time.Time{}, time.Time{}, errors.New("either --date or --from/--to is required")
	}
	start, err := time.Parse(jobs.DateLayout, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", from, err)
	}
	end, err := time.Parse(jobs.DateLayout, to)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parse date %q: %w", to, err)
	}
	return start, end, nil
}

func runEnqueue(cmd *cobra.Command, opts enqueueOptions) error {
	ctx := cmd.Context()
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	from, to, err := opts.dateRange()
	if err != nil {
		return err
	}
	var langs []string
	for _, l := range opts.langs {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}

	queue, closeQueue, err := dialQueue(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeQueue(); err != nil {
			rt.logger.Warn("Error closing broker", zap.Error(err))
		}
	}()

	tmpl := jobs.Job{Kind: jobs.Kind(strings.ToLower(opts.kind)), ToEmail: opts.email}
	n, err := dispatcher.New(queue, rt.logger).EnqueueRange(ctx, tmpl, from, to, langs)
	if err != nil {
		return fmt.Errorf("enqueued %d jobs before failing: %w", n, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d %s jobs on %s\n", n, tmpl.Kind, rt.cfg.Broker.Queue)
	return nil
}
