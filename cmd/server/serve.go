package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/podushkina/taskcore/internal/api"
	"github.com/podushkina/taskcore/internal/config"
	"github.com/podushkina/taskcore/internal/executor"
	"github.com/podushkina/taskcore/internal/logsink"
	"github.com/podushkina/taskcore/internal/orchestrator"
	"github.com/podushkina/taskcore/internal/queue"
	"github.com/podushkina/taskcore/internal/retry"
	"github.com/podushkina/taskcore/internal/store"
	"github.com/podushkina/taskcore/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the worker pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.setup()
			if err != nil {
				return err
			}
			if noWorkers {
				cfg.Worker.Count = 0
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, slog.Default())
		},
	}

	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without running tasks")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("opened task store", "path", cfg.DBPath)

	q, err := queue.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer q.Close()
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	sink := logsink.NewRedisSink(q.Client())
	policy := retry.NewPolicy(cfg.Worker.MaxAttempts, cfg.Worker.RetryBackoff)

	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	var pool *worker.Pool
	if cfg.Worker.Count > 0 {
		pool = worker.NewPool(st, q, sink, executor.NewRunner(cfg.Worker.GracePeriod), policy, worker.Options{
			Count:             cfg.Worker.Count,
			TaskTimeout:       cfg.Worker.TaskTimeout,
			LeaseTimeout:      cfg.Worker.LeaseTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			FlushInterval:     cfg.Worker.FlushInterval,
			PollTimeout:       cfg.Worker.PollTimeout,
			PromoteInterval:   cfg.Worker.PromoteInterval,
		}, logger)
		pool.Start(workerCtx)
	}

	svc := orchestrator.New(st, st, q, sink, policy, logger)
	router := api.NewRouter(api.NewHandler(svc, logger))

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Running commands are interrupted; their tasks are retried by the next
	// process once the lease expires.
	cancelWorkers()
	if pool != nil {
		pool.Stop()
	}
	logger.Info("server stopped")

	if err, ok := <-errCh; ok && err != nil {
		return err
	}
	return nil
}
