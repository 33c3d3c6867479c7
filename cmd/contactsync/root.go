package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contactsync/contactsync/internal/api"
	"github.com/contactsync/contactsync/internal/config"
	"github.com/contactsync/contactsync/internal/directory"
	"github.com/contactsync/contactsync/internal/match"
	"github.com/contactsync/contactsync/internal/merge"
	"github.com/contactsync/contactsync/internal/metrics"
	"github.com/contactsync/contactsync/internal/sourcecrm"
	"github.com/contactsync/contactsync/internal/store"
	"github.com/contactsync/contactsync/internal/syncengine"
	"github.com/contactsync/contactsync/internal/webhook"
	"github.com/contactsync/contactsync/internal/worker"
	"github.com/spf13/cobra"
)

// Version information set at build time via ldflags:
//
//	-X main.Version=1.0.0
//	-X main.Commit=abc1234
//	-X main.Date=2026-01-30T12:00:00Z
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "contactsync",
	Short: "Contactsync - one-way CRM to directory contact sync",
	RunE:  run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("contactsync %s (commit: %s, built: %s)\n", Version, Commit, Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize directory (Google People) client
	dirMetrics := &metrics.Directory{}
	authProvider := directory.NewOAuthTokenProvider(db, &http.Client{Timeout: 15 * time.Second},
		cfg.Directory.TokenURL, cfg.Directory.ClientID, cfg.Directory.ClientSecret)
	dirClient := directory.New(&http.Client{Timeout: 30 * time.Second}, cfg.Directory.BaseURL,
		authProvider, cfg.Directory.RateLimitRPM, dirMetrics)
	slog.Info("directory client initialized", "base_url", cfg.Directory.BaseURL, "rate_limit_rpm", cfg.Directory.RateLimitRPM)

	// 6. Initialize source CRM client
	crmClient := sourcecrm.New(&http.Client{Timeout: time.Duration(cfg.SourceCRM.ClientTimeout)},
		cfg.SourceCRM.BaseURL, cfg.SourceCRM.APIKey)
	slog.Info("source crm client initialized", "base_url", cfg.SourceCRM.BaseURL)

	// 7. Wire the matcher, merger, and sync engine
	matcher := match.New(dirClient, logger)
	merger := merge.New(dirClient, db)
	engine := syncengine.New(dirClient, matcher, merger, db, cfg.Directory.GroupName, cfg.Directory.AutoMerge)
	slog.Info("sync engine initialized", "group_name", cfg.Directory.GroupName, "auto_merge", cfg.Directory.AutoMerge)

	// 8. Initialize the retry-queue worker
	syncWorker := worker.New(db, crmClient, engine, sourcecrm.ExtractFields, cfg.Worker.BatchSize, logger)

	// 9. Initialize the webhook ingestor, wired to wake the worker
	ingestor := webhook.New(cfg.Webhook.Secret, cfg.Debug.Secret, db, syncWorker, logger)
	slog.Info("webhook ingestor initialized")

	// 10. Initialize HTTP router
	handler := api.NewHandler(engine, crmClient, sourcecrm.ExtractFields, dirClient, db, dirMetrics, ingestor, Version)
	router := api.NewRouter(handler, cfg.Debug.Secret)
	slog.Info("router initialized")

	// 11. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 12. Start the retry-queue worker
	syncWorker.Start(ctx)
	slog.Info("worker started", "poll_interval", time.Duration(cfg.Worker.PollInterval), "batch_size", cfg.Worker.BatchSize)

	// 13. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 14. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 15. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 15a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 15b. Stop the worker loop
	syncWorker.Stop()

	// 15c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
