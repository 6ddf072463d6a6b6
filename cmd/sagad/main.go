// Command sagad is a saga coordination daemon. It exposes an HTTP API for
// submitting, inspecting and cancelling sagas, persists progress to a
// pluggable saga log, and resumes in-flight sagas from the log at startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/fortressi/orchestrate"
)

func main() {
	cmd := &cli.Command{
		Name:  "sagad",
		Usage: "distributed saga coordinator daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: ":8080",
				Usage: "HTTP listen address",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "log level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "log-backend",
				Value: "file",
				Usage: "saga log backend: memory, file or redis",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Value: "data/sagas",
				Usage: "saga log directory for the file backend",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Value: "localhost:6379",
				Usage: "redis address for the redis backend",
			},
			&cli.IntFlag{
				Name:  "forward-attempts",
				Value: 3,
				Usage: "forward attempts per step before compensating",
			},
			&cli.IntFlag{
				Name:  "compensate-give-up",
				Value: 0,
				Usage: "compensate attempts before marking the saga failed (0 retries forever)",
			},
			&cli.DurationFlag{
				Name:  "step-timeout",
				Value: 30 * time.Second,
				Usage: "deadline for each action attempt",
			},
			&cli.DurationFlag{
				Name:  "shutdown-grace",
				Value: 15 * time.Second,
				Usage: "how long to wait for in-flight sagas at shutdown",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "sagad:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	handler, err := newLogHandler(cmd.String("log-level"))
	if err != nil {
		return err
	}
	logger := slog.New(handler)

	sagaLog, err := newSagaLog(cmd)
	if err != nil {
		return err
	}

	registry := orchestrate.NewStepRegistry()
	plans, err := registerPlans(registry)
	if err != nil {
		return fmt.Errorf("registering plans: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord := orchestrate.NewCoordinator(registry, orchestrate.Options{
		Log:     sagaLog,
		Handler: handler,
		Policy: orchestrate.RetryPolicy{
			MaxForwardAttempts: int(cmd.Int("forward-attempts")),
			CompensateGiveUp:   int(cmd.Int("compensate-give-up")),
			StepTimeout:        cmd.Duration("step-timeout"),
		},
		Registerer: promReg,
	})

	resumed, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recovering sagas: %w", err)
	}
	if len(resumed) > 0 {
		logger.Info("resumed in-flight sagas", "count", len(resumed))
	}

	srv := newServer(coord, registry, plans, promReg, logger)
	httpSrv := &http.Server{
		Addr:              cmd.String("listen"),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), cmd.Duration("shutdown-grace"))
	defer cancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	if err := coord.Shutdown(shutCtx); err != nil {
		// Suspended sagas stay in the log and resume on the next start.
		logger.Warn("in-flight sagas suspended", "error", err)
	}
	return nil
}

// newLogHandler builds the process slog handler on top of charmbracelet/log.
func newLogHandler(level string) (slog.Handler, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
	}), nil
}

// newSagaLog builds the configured saga log backend.
func newSagaLog(cmd *cli.Command) (orchestrate.SagaLog, error) {
	switch backend := cmd.String("log-backend"); backend {
	case "memory":
		return orchestrate.NewMemoryLog(), nil
	case "file":
		return orchestrate.NewFileLog(cmd.String("data-dir"))
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cmd.String("redis-addr")})
		return orchestrate.NewRedisLog(client, "saga"), nil
	default:
		return nil, fmt.Errorf("unknown log backend %q", backend)
	}
}
