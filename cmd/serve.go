package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/price-oracle/internal/api"
	"github.com/sells-group/price-oracle/internal/monitoring"
	"github.com/sells-group/price-oracle/internal/queue"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, the scrape workers and the schedule trigger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initOracle(ctx, "serve")
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

		collector := monitoring.NewCollector(env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		srv := api.NewServer(api.Deps{
			Store:       env.Store,
			Gate:        env.Gate,
			Jobs:        env.Scheduler,
			Normalizer:  env.Normalizer,
			Seed:        cfg.Ticker.Seed,
			CORSOrigins: cfg.Server.CORSOrigins,
		})

		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// startCron registers the periodic schedule-all trigger. Each firing runs as
// a task on the worker pool. An empty expr disables the trigger.
func startCron(ctx context.Context, s *queue.Scheduler, expr string) (*cron.Cron, error) {
	if expr == "" {
		return nil, nil
	}
	log := zap.L().With(zap.String("component", "cron"))
	c := cron.New()
	_, err := c.AddFunc(expr, func() {
		task, err := s.Submit(ctx, "schedule-all", func(ctx context.Context) error {
			n, err := s.ScheduleAll(ctx)
			if err != nil {
				return err
			}
			log.Info("scheduled all assets", zap.Int("jobs", n))
			return nil
		})
		if err != nil {
			log.Warn("schedule trigger not submitted", zap.Error(err))
			return
		}
		go func() {
			if err := task.Wait(ctx); err != nil {
				log.Error("schedule trigger failed", zap.String("task_id", task.ID), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, eris.Wrapf(err, "invalid queue.schedule_cron %q", expr)
	}
	c.Start()
	log.Info("schedule trigger enabled", zap.String("cron", expr))
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
