// cmd/radar/main.go
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

	"repo-radar/internal/api"
	"repo-radar/internal/archive"
	"repo-radar/internal/config"
	"repo-radar/internal/feed"
	"repo-radar/internal/github"
	"repo-radar/internal/pin"
	"repo-radar/internal/poller"
	"repo-radar/internal/ratelimit"
	"repo-radar/internal/score"
	"repo-radar/internal/spam"
	"repo-radar/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "topics", cfg.WatchTopics)

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open the state store and run migrations
	if err := store.Migrate(cfg.DBPath, "file://migrations"); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer st.Close()
	if err := st.Validate(ctx); err != nil {
		return fmt.Errorf("state store failed validation: %w", err)
	}
	logger.Info("State store ready", "path", cfg.DBPath)

	// 5. Initialize application components
	limiter := ratelimit.New(github.Classify, logger)
	ghClient := github.NewClient(cfg.GithubToken, limiter, logger)
	scorer := score.New(score.Weights{
		Commits:      cfg.WeightCommits,
		Forks:        cfg.WeightForks,
		Contributors: cfg.WeightContributors,
		Issues:       cfg.WeightIssues,
		PRs:          cfg.WeightPRs,
		Watchers:     cfg.WeightWatchers,
	}, cfg.FreshnessBoost, cfg.SustainedBoost)
	detector := spam.New(spam.Config{
		RatioThreshold:     cfg.SpamRatioThreshold,
		ForkSpikeMin:       cfg.SpamForkSpikeMin,
		ForkCommitRatio:    cfg.SpamForkCommitRatio,
		BinWidth:           cfg.SpamBinWidth,
		ClusterThreshold:   cfg.SpamClusterThreshold,
		OwnerConcentration: cfg.SpamOwnerConcentration,
	}, logger)
	pinner := pin.FromCredentials(cfg.PinataAPIKey, cfg.PinataSecretKey, logger)
	window := time.Duration(cfg.WindowDays) * 24 * time.Hour
	archiver := archive.New(ghClient, st, pinner, window, logger)

	radar := poller.New(ghClient, st, scorer, detector, feed.New(), archiver, poller.Options{
		Topics:           cfg.WatchTopics,
		Interval:         cfg.PollInterval,
		WindowDays:       cfg.WindowDays,
		Concurrency:      cfg.FetchConcurrency,
		ArchiveThreshold: cfg.ArchiveThreshold,
		FeedPath:         cfg.FeedPath,
		AtomPath:         cfg.AtomPath,
		HandoffPath:      cfg.HandoffPath,
	}, logger)

	// 6. Single-cycle mode for cron-style operation
	if cfg.RunOnce {
		_, err := radar.Tick(ctx)
		return err
	}

	// 7. Start the HTTP API and the polling loop
	router := api.NewRouter(api.NewHandler(st, radar, feed.New(), logger))
	server := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	go func() {
		if err := radar.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Poller stopped", "error", err)
			cancel()
		}
	}()

	// 8. Wait for shutdown signal
	logger.Info("Application started. Waiting for shutdown signal...")
	<-ctx.Done()
	logger.Info("Shutdown signal received. Exiting.")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
