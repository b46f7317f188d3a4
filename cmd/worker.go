package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scrape workers without the HTTP API",
	Long:  "Consumes scrape jobs from the configured queue backend until interrupted. With queue.schedule_cron set, also fires the schedule-all trigger.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initOracle(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Scheduler.Start(ctx); err != nil {
			return eris.Wrap(err, "start scheduler")
		}

		sched, err := startCron(ctx, env.Scheduler, cfg.Queue.ScheduleCron)
		if err != nil {
			return err
		}
		if sched != nil {
			defer sched.Stop()
		}

		zap.L().Info("worker running",
			zap.String("backend", cfg.Queue.Backend),
			zap.Int("workers", cfg.Queue.Workers),
		)
		<-ctx.Done()
		zap.L().Info("worker stopping")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
