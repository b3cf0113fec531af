package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/archive"
	"github.com/therealutkarshpriyadarshi/livevtt/internal/monitoring"
)

func newReportCommand(app *app) *cobra.Command {
	var failures int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize the archive manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()

			ctx := cmd.Context()

			manifest, err := archive.OpenManifest(app.cfg.Archive.Manifest, nil, app.logger)
			if err != nil {
				return err
			}
			summary := manifest.Summary(failures)

			mon := monitoring.NewMonitor(app.cfg.Monitor, manifest, nil, app.logger)
			if err := mon.Update(ctx); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			fmt.Fprintln(out, renderSummary(manifest.Path(), summary))
			fmt.Fprintf(out, "Health: %s\n", mon.GetSystemHealth())
			for _, alert := range mon.GetAlerts() {
				fmt.Fprintf(out, "  ! %s\n", alert)
			}
			if len(summary.Failures) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderFailures(summary))
			}

			repo, err := app.manifestMirror(ctx)
			if err != nil {
				app.logger.WarnWithErr("Database mirror unavailable", err)
				return nil
			}
			if repo != nil {
				db, err := repo.Summary(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, renderTable(
					[]string{"Database", "Files", "Succeeded", "Failed", "Entries", "Last entry"},
					[][]string{{
						"postgres",
						strconv.Itoa(db.Files),
						strconv.Itoa(db.Succeeded),
						strconv.Itoa(db.Failed),
						strconv.Itoa(db.Entries),
						formatTime(db.LastEntry),
					}},
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
				))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&failures, "failures", 10, "Number of recent failures to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the summary as JSON")
	return cmd
}

func renderRunReport(r *archive.Report) string {
	return renderTable(
		[]string{"Processed", "Succeeded", "Failed", "Skipped", "Duration"},
		[][]string{{
			strconv.Itoa(r.Processed),
			strconv.Itoa(r.Succeeded),
			strconv.Itoa(r.Failed),
			strconv.Itoa(r.Skipped),
			r.Duration.Round(time.Millisecond).String(),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderSummary(path string, s archive.ManifestSummary) string {
	return renderTable(
		[]string{"Manifest", "Files", "Succeeded", "Failed", "Entries", "Unreadable"},
		[][]string{{
			path,
			strconv.Itoa(s.Files),
			strconv.Itoa(s.Succeeded),
			strconv.Itoa(s.Failed),
			strconv.Itoa(s.Entries),
			strconv.Itoa(s.Invalid),
		}},
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func renderFailures(s archive.ManifestSummary) string {
	rows := make([][]string, 0, len(s.Failures))
	for _, e := range s.Failures {
		rows = append(rows, []string{
			formatTime(e.Timestamp),
			filepath.Base(e.File),
			e.ErrorType,
			truncate(e.Error, 60),
		})
	}
	return renderTable(
		[]string{"Time", "File", "Stage", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() || t.Unix() <= 0 {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
