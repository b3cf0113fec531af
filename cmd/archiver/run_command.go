package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/archive"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/scheduler"
)

func newRunCommand(app *app) *cobra.Command {
	var opts archive.RunOptions
	var input, output string
	var workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process pending recordings once",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()

			if input != "" {
				app.cfg.Archive.InputRoot = input
			}
			if output != "" {
				app.cfg.Archive.OutputRoot = output
			}
			if workers > 0 {
				app.cfg.Archive.Workers = workers
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p, err := app.pipeline(ctx)
			if err != nil {
				return err
			}

			report, err := p.Run(ctx, opts)
			if report != nil {
				fmt.Fprintln(cmd.OutOrStdout(), renderRunReport(report))
			}
			if err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d files failed", report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "Reprocess files the manifest marks as done")
	cmd.Flags().IntVar(&opts.MaxFiles, "max-files", 0, "Process at most this many files (0 for all)")
	cmd.Flags().BoolVar(&opts.SMILOnly, "smil-only", false, "Only rebuild SMIL manifests from existing captions")
	cmd.Flags().StringVar(&input, "input", "", "Archive root to scan (overrides archive.inputRoot)")
	cmd.Flags().StringVar(&output, "output", "", "Directory to mirror outputs into (overrides archive.outputRoot)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of parallel workers (overrides archive.workers)")
	return cmd
}

func newServeCommand(app *app) *cobra.Command {
	var interval time.Duration
	var batchSize int
	var oneShot bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Poll the archive and caption new recordings periodically",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()

			if interval <= 0 {
				interval = app.cfg.Archive.Interval
			}
			if batchSize < 0 {
				batchSize = app.cfg.Archive.BatchSize
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p, err := app.pipeline(ctx)
			if err != nil {
				return err
			}

			s := scheduler.NewScheduler(p, interval, batchSize, app.logger)
			if oneShot {
				return s.RunOnce(ctx)
			}

			app.monitor(ctx, p.Manifest(), nil)

			if app.cfg.Metrics.Enabled {
				ms := metrics.NewServer(app.cfg.Metrics.Port)
				go func() {
					if err := ms.Start(); err != nil {
						app.logger.ErrorWithErr("Metrics server failed", err)
					}
				}()
				defer ms.Shutdown(context.Background())
			}

			err = s.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 0, "Polling interval (defaults to archive.interval)")
	cmd.Flags().IntVar(&batchSize, "batch-size", -1, "Files per cycle, 0 for all (defaults to archive.batchSize)")
	cmd.Flags().BoolVar(&oneShot, "one-shot", false, "Run a single cycle and exit")
	return cmd
}
