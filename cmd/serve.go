package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/safety-monitor/internal/analysis"
	"github.com/sells-group/safety-monitor/internal/ingest"
	"github.com/sells-group/safety-monitor/internal/model"
	"github.com/sells-group/safety-monitor/internal/monitoring"
	"github.com/sells-group/safety-monitor/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the trigger/review HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := scheduler.Options{
			Workers:         cfg.Scheduler.Workers,
			Tick:            time.Duration(cfg.Scheduler.TickSecs) * time.Second,
			DefaultSchedule: cfg.Scheduler.DefaultSchedule,
			RunTimeout:      time.Duration(cfg.Scheduler.RunTimeoutMins) * time.Minute,
		}
		if cfg.Scheduler.AnalyzeAfterRun {
			opts.AfterRun = analyzeAfterRun(env.Pipeline, cfg.Analysis.BatchSize)
		}

		sched := scheduler.New(env.Store, env.Ingest, opts)
		if err := sched.Start(ctx); err != nil {
			return eris.Wrap(err, "start scheduler")
		}
		defer sched.Stop()

		collector := monitoring.NewCollector(env.Store, sched, env.Gateway)
		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		handler := buildRouter(&api{
			store:     env.Store,
			trigger:   sched,
			review:    env.Review,
			collector: collector,
		}, cfg.Server.AllowedOrigins)

		return startServer(ctx, handler, resolvePort(servePort, cfg.Server.Port))
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// analyzeAfterRun returns a scheduler hook that analyses pending findings
// after a run that produced new ones.
func analyzeAfterRun(p *analysis.Pipeline, limit int) func(context.Context, model.Source, *ingest.Result) {
	return func(ctx context.Context, src model.Source, res *ingest.Result) {
		if res == nil || res.Summary.New == 0 {
			return
		}
		summary, err := p.RunPending(ctx, limit)
		if err != nil {
			zap.L().Error("analysis after run failed", zap.String("source", src.Code), zap.Error(err))
			return
		}
		zap.L().Info("analysis after run complete",
			zap.String("source", src.Code),
			zap.Int("processed", summary.Processed),
			zap.Int("completed", summary.Completed),
			zap.Int("excluded", summary.Excluded),
			zap.Int("failed", summary.Failed),
		)
	}
}

func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves handler until ctx is cancelled, then drains in-flight
// requests.
func startServer(ctx context.Context, handler http.Handler, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}

	return nil
}
