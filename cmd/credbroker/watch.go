package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	watchOnce bool
	watchJob  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the configured watch jobs warm without serving",
	Long: `Run the watch jobs from the config on their schedules until interrupted.
With --once every job (or just --job) runs a single time and the command
prints the job status and exits non-zero if any run failed.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchOnce, "once", false, "run each job once and exit")
	watchCmd.Flags().StringVar(&watchJob, "job", "", "with --once, run only this job")
}

func runWatch(_ *cobra.Command, _ []string) error {
	sc, err := setup()
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if sc.Config.Watch == nil || len(sc.Config.Watch.Jobs) == 0 {
		return fmt.Errorf("no watch jobs configured")
	}
	w, err := newWatcher(sc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watchOnce {
		if watchJob != "" {
			if _, err := w.RunOnce(ctx, watchJob); err != nil {
				return err
			}
		} else {
			w.RunAll(ctx)
		}
		statuses := w.Status()
		if err := printJSON(statuses); err != nil {
			return err
		}
		for _, s := range statuses {
			if s.Failures > 0 {
				return fmt.Errorf("watch job %s failed: %s", s.Name, s.LastError)
			}
		}
		return nil
	}

	cancel := w.Start(ctx)
	<-ctx.Done()
	sc.Logger.Info("shutdown signal received", slog.Int("jobs", len(w.Status())))
	cancel()
	return nil
}
