package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	cli "github.com/urfave/cli/v3"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/definition"
	"github.com/loomrun/loom/ratelimit"
	"github.com/loomrun/loom/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cmd := &cli.Command{
		Name:                  "loomd",
		EnableShellCompletion: true,
		Usage:                 "Run the loom workflow orchestrator worker daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "PostgreSQL connection URL",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "definitions-path",
				Usage:    "Path to a JSON file of pinned workflow definitions to serve",
				Required: true,
				Sources:  cli.EnvVars("LOOM_DEFINITIONS_PATH"),
			},
			&cli.IntFlag{
				Name:    "worker-concurrency",
				Usage:   "Maximum in-flight executions per worker",
				Value:   int64(loom.DefaultConfig().WorkerConcurrency),
				Sources: cli.EnvVars("LOOM_WORKER_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "poll-interval",
				Usage:   "Gap between claim attempts",
				Value:   loom.DefaultConfig().PollInterval.String(),
				Sources: cli.EnvVars("LOOM_POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "stale-lock-threshold",
				Usage:   "Age at which an abandoned claim is released back to pending",
				Value:   loom.DefaultConfig().StaleLockThreshold.String(),
				Sources: cli.EnvVars("LOOM_STALE_LOCK_THRESHOLD"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "submit-rate-limit",
				Usage:   "Per-workflow submissions/sec allowed by SubmitEvent, 0 or unset disables limiting",
				Value:   "0",
				Sources: cli.EnvVars("LOOM_SUBMIT_RATE_LIMIT"),
			},
			&cli.IntFlag{
				Name:    "submit-rate-burst",
				Usage:   "Per-workflow burst allowance above submit-rate-limit",
				Value:   1,
				Sources: cli.EnvVars("LOOM_SUBMIT_RATE_BURST"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      parseLevel(command.String("log-level")),
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	defs, err := loadDefinitions(command.String("definitions-path"))
	if err != nil {
		return fmt.Errorf("loomd: load definitions: %w", err)
	}
	resolver := definition.NewStatic(defs...)

	store, err := postgres.New(ctx, command.String("database-url"), postgres.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("loomd: connect store: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("loomd: migrate: %w", err)
	}

	cfg := loom.DefaultConfig()
	cfg.WorkerConcurrency = int(command.Int("worker-concurrency"))
	if d, err := time.ParseDuration(command.String("poll-interval")); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(command.String("stale-lock-threshold")); err == nil {
		cfg.StaleLockThreshold = d
	}

	engineOpts := []loom.Option{
		loom.WithConfig(cfg),
		loom.WithLogger(logger),
		loom.WithStore(store),
		loom.WithDLQStore(store),
		loom.WithResolver(resolver),
	}
	if rps, err := strconv.ParseFloat(command.String("submit-rate-limit"), 64); err == nil && rps > 0 {
		limiter := ratelimit.NewLocal(rps, int(command.Int("submit-rate-burst")))
		engineOpts = append(engineOpts, loom.WithRateLimiter(limiter))
	}

	engine, err := loom.New(engineOpts...)
	if err != nil {
		return fmt.Errorf("loomd: build engine: %w", err)
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("loomd: start engine: %w", err)
	}
	logger.Info("loomd started", slog.Int("worker_concurrency", cfg.WorkerConcurrency))

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	logger.Info("loomd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return engine.Stop(shutdownCtx)
}

// loadDefinitions decodes a JSON array of pinned workflow definitions.
// Authoring and validation of these definitions is out of loomd's scope;
// it trusts the file it is given.
func loadDefinitions(path string) ([]*definition.PinnedDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var defs []*definition.PinnedDefinition
	if err := json.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return defs, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
