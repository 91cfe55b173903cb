package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"waflow/internal/config"
	"waflow/internal/constants"
	"waflow/internal/database"
	"waflow/internal/models"
	"waflow/internal/retry"
	"waflow/internal/service"
	"waflow/internal/tracing"
	"waflow/pkg/meta"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("waflow %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting waflow")

	watcher, err := config.NewWatcher(*configPath, time.Duration(constants.DefaultConfigWatchIntervalSec)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg := watcher.Current()

	applyLogLevel(logger, cfg.LogLevel)
	if !*verbose {
		// Log level follows the config file while the process runs.
		watcher.OnChange(func(next *models.Config) {
			applyLogLevel(logger, next.LogLevel)
		})
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Open the database with backoff; a containerized sqlite volume can lag
	// behind process start.
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  cfg.Retry.MaxAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	metaTimeout := cfg.Meta.TimeoutSec
	if metaTimeout <= 0 {
		metaTimeout = constants.DefaultMetaTimeoutSec
	}
	metaOpts := []meta.Option{
		meta.WithHTTPClient(&http.Client{Timeout: time.Duration(metaTimeout) * time.Second}),
	}
	if cfg.Meta.GraphBaseURL != "" {
		metaOpts = append(metaOpts, meta.WithBaseURL(cfg.Meta.GraphBaseURL))
	}
	metaClient := meta.NewClient(logger, metaOpts...)

	resolver := service.NewResolver(db, logger)
	executor := service.NewExecutor(db, metaClient, logger)
	engine := service.NewEngine(db, resolver, executor, logger)
	reconciler := service.NewBroadcastReconciler(db, logger)
	dispatcher := service.NewWebhookDispatcher(db, engine, reconciler, logger)

	scheduler := service.NewScheduler(db, cfg.Retention.Days, cfg.Retention.CleanupIntervalHours, logger)
	go scheduler.Start(ctx)

	server := NewServer(cfg, engine, dispatcher, logger)
	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

func applyLogLevel(logger *logrus.Logger, configured string) {
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
		return
	}
	if configured == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(configured)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", configured)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
