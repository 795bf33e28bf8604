package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/finmem/internal/agent"
	"github.com/nidhogg/finmem/internal/api"
	"github.com/nidhogg/finmem/internal/config"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, feedback worker and trigger scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			logger, err := newLogger(cfg.Server.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServe(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, logger *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting finmem", zap.String("version", Version))
	a, err := agent.FromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build agent: %w", err)
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go a.Feedback().Run(workerCtx)

	var sched *agent.Scheduler
	if cfg.Scheduler.Enabled {
		sched = agent.NewScheduler(a, cfg.Scheduler.Interval.Std(), agent.SnapshotEvery(cfg), logger)
		sched.Start(workerCtx)
	}

	handler := api.NewHandler(a, sched, cfg.Server.AllowedOrigins, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("finmem listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	logger.Info("shutting down finmem")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", zap.Error(serr))
	}
	if sched != nil {
		sched.Stop()
	}
	cancelWorker()
	select {
	case <-a.Feedback().Done():
	case <-shutdownCtx.Done():
		logger.Warn("feedback worker did not drain before shutdown deadline")
	}

	if cfg.Persistence.Backend != "none" {
		if _, serr := a.Save(shutdownCtx); serr != nil {
			logger.Error("final snapshot failed", zap.Error(serr))
		}
	}
	if cerr := a.Close(shutdownCtx); cerr != nil {
		logger.Warn("close agent", zap.Error(cerr))
	}
	return err
}
