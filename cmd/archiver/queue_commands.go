package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/metrics"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/queue"
	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

func newEnqueueCommand(app *app) *cobra.Command {
	var force bool
	var maxFiles int

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish pending recordings as jobs for archiver workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p, err := app.pipeline(ctx)
			if err != nil {
				return err
			}

			jobs, skipped, err := p.Pending(ctx, force)
			if err != nil {
				return err
			}
			if maxFiles > 0 && len(jobs) > maxFiles {
				jobs = jobs[:maxFiles]
			}

			q, err := queue.New(app.cfg.Queue, app.logger)
			if err != nil {
				return err
			}
			defer q.Close()

			for i, job := range jobs {
				if err := q.PublishJob(ctx, job); err != nil {
					return fmt.Errorf("published %d of %d jobs: %w", i, len(jobs), err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %d jobs (%d already done)\n", len(jobs), skipped)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Enqueue files the manifest marks as done")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "Enqueue at most this many files (0 for all)")
	return cmd
}

func newWorkerCommand(app *app) *cobra.Command {
	var prefetch int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume archive jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			p, err := app.pipeline(ctx)
			if err != nil {
				return err
			}

			q, err := queue.New(app.cfg.Queue, app.logger)
			if err != nil {
				return err
			}
			defer q.Close()

			if prefetch <= 0 {
				prefetch = app.cfg.Archive.Workers
			}

			app.monitor(ctx, p.Manifest(), q)
			if app.cfg.Metrics.Enabled {
				ms := metrics.NewServer(app.cfg.Metrics.Port)
				go func() {
					if err := ms.Start(); err != nil {
						app.logger.ErrorWithErr("Metrics server failed", err)
					}
				}()
				defer ms.Shutdown(context.Background())
			}

			handler := func(ctx context.Context, job *models.ArchiveJob) error {
				log := app.logger.WithField("job_id", job.ID).WithField("file", job.Video)
				log.Info("Processing archive job")

				if _, err := p.ProcessJob(ctx, job); err != nil {
					return err
				}

				log.Info("Archive job completed")
				return nil
			}

			app.logger.Info("Worker started, waiting for jobs...")
			err = q.ConsumeJobs(ctx, prefetch, handler)
			if errors.Is(err, context.Canceled) {
				app.logger.Info("Worker stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "Unacknowledged jobs held at once (defaults to archive.workers)")
	return cmd
}
