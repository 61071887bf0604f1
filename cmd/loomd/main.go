// Command loomd runs the workflow engine: HTTP API, job scheduler, and
// repository.
//
// Configuration comes from loom.toml and environment variables (LLM_API_KEY,
// LLM_API_BASE, DATABASE_URL, LOOM_ADDR, LOOM_DATA_DIR). With DATABASE_URL
// set it uses PostgreSQL; otherwise a local SQLite file.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	loom "github.com/loomworks/loom"
	"github.com/loomworks/loom/extract"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/observer"
	"github.com/loomworks/loom/provider/openaicompat"
	"github.com/loomworks/loom/server"
	"github.com/loomworks/loom/store/postgres"
	"github.com/loomworks/loom/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to loom.toml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	files, err := extract.New(store, cfg.Files.Dir, extract.WithLogger(logger))
	if err != nil {
		logger.Error("file store init failed", "error", err)
		os.Exit(1)
	}

	var llm loom.Provider = openaicompat.New(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		openaicompat.WithLogger(logger))

	schedOpts := []loom.SchedulerOption{
		loom.WithSchedulerLogger(logger),
		loom.WithBaseContext(ctx),
	}

	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutCtx); err != nil {
				logger.Warn("observer shutdown error", "error", err)
			}
		}()
		llm = observer.WrapProvider(llm, inst)
		schedOpts = append(schedOpts, loom.WithRunHook(observer.NewHook(inst)))
	}

	llm = loom.WithRetry(llm, loom.RetryLogger(logger))

	exec := loom.NewExecutors(files, llm, loom.WithExecutorLogger(logger))
	runner := loom.NewRunner(store, exec, loom.WithRunnerLogger(logger))
	sched := loom.NewScheduler(store, runner, schedOpts...)

	// Jobs left over from a previous process cannot be resumed.
	if err := sched.Sweep(ctx); err != nil {
		logger.Error("restart sweep failed", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.New(store, sched, files, server.WithLogger(logger)).Handler(),
		ReadTimeout:  time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	sched.Wait()
	logger.Info("stopped")
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (loom.Store, error) {
	if cfg.Database.URL != "" {
		logger.Info("using postgres store")
		return postgres.New(ctx, cfg.Database.URL, postgres.WithLogger(logger))
	}
	logger.Info("using sqlite store", "path", cfg.Database.Path)
	return sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger)), nil
}
