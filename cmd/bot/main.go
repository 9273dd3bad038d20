// Package main contains the entrypoint for the threatgram collection
// engine.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/edgard/threatgram/internal/archive"
	"github.com/edgard/threatgram/internal/bulk"
	"github.com/edgard/threatgram/internal/caps"
	"github.com/edgard/threatgram/internal/config"
	"github.com/edgard/threatgram/internal/download"
	"github.com/edgard/threatgram/internal/logger"
	"github.com/edgard/threatgram/internal/poller"
	"github.com/edgard/threatgram/internal/resilience"
	"github.com/edgard/threatgram/internal/scheduler"
	"github.com/edgard/threatgram/internal/telegram"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	mode := flag.String("mode", "run", "Operation mode: run | backfill | delete | flood | export")
	fromOffset := flag.Int64("from", 0, "Start offset for backfill mode")
	limit := flag.Int("limit", 0, "Number of archived messages to target in delete mode (0 = all)")
	message := flag.String("message", "", "Message template for flood mode")
	count := flag.Int("count", 10, "Number of messages to send in flood mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("Logger initialized", "level", cfg.LogLevel, "format", cfg.LogFormat)

	db, err := archive.NewDB(cfg.DBPath)
	if err != nil {
		log.Error("Failed to open archive database", "path", cfg.DBPath, "error", err)
		return 1
	}
	defer archive.CloseDB(db)
	store := archive.NewStore(db, cfg.ArchiveDir, log)

	tg, err := telegram.New(cfg.BotToken, cfg.Poll.RequestTimeout, log)
	if err != nil {
		log.Error("Failed to create Telegram client", "error", err)
		return 1
	}

	me, err := tg.Me(ctx)
	if err != nil {
		log.Error("Failed to fetch bot identity", "error", err)
		return 1
	}
	log.Info("Connected", "bot_id", me.ID, "bot_username", me.Username,
		"privacy_mode", !me.CanReadAllGroupMessages)

	resolver := caps.NewResolver(tg, log)
	limiter := rate.NewLimiter(rate.Limit(cfg.Bulk.RatePerSec), 1)

	downloadRetry := resilience.DefaultRetryConfig()
	downloadRetry.MaxAttempts = cfg.Download.MaxRetries
	downloads := download.New(ctx, tg, store, cfg.Download.Concurrency, limiter, downloadRetry, log)

	poll := poller.New(tg, store, downloads, resolver, poller.Config{
		ChatID:      cfg.ChatID,
		Limit:       cfg.Poll.Limit,
		Timeout:     cfg.Poll.Timeout,
		RetryBudget: cfg.Poll.RetryBudget,
	}, log)

	executor := bulk.NewExecutor(tg, store, resolver, limiter, bulk.Config{
		ChatID:       cfg.ChatID,
		Concurrency:  cfg.Bulk.Concurrency,
		DeleteWindow: cfg.Bulk.DeleteWindow,
		FloodDelay:   cfg.Bulk.FloodDelay,
		MaxRetries:   cfg.Bulk.MaxRetries,
	}, log)

	switch *mode {
	case "run":
		return runLoop(ctx, cfg, log, store, resolver, poll, downloads)
	case "backfill":
		n, err := poll.Backfill(ctx, *fromOffset)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Backfill failed", "drained", n, "error", err)
			return 1
		}
		succeeded, failed := downloads.Drain()
		log.Info("Backfill complete", "messages", n, "files_stored", succeeded, "files_failed", failed)
		return 0
	case "delete":
		ids, err := store.ListMessageIDs(ctx, archive.Filter{
			ChatID: cfg.ChatID, ExcludeDeleted: true, Limit: *limit,
		})
		if err != nil {
			log.Error("Failed to list archived messages", "error", err)
			return 1
		}
		job, err := executor.MassDelete(ctx, ids)
		if err != nil {
			log.Error("Mass delete aborted", "error", err)
			return 1
		}
		log.Info("Mass delete done", "job_id", job.ID, "status", job.Status)
		return 0
	case "flood":
		if *message == "" {
			log.Error("Flood mode requires -message")
			return 1
		}
		job, err := executor.Flood(ctx, *message, *count)
		if err != nil {
			log.Error("Flood aborted", "error", err)
			return 1
		}
		log.Info("Flood done", "job_id", job.ID, "status", job.Status)
		return 0
	case "export":
		if err := store.ExportJSON(ctx, os.Stdout); err != nil {
			log.Error("Export failed", "error", err)
			return 1
		}
		return 0
	default:
		log.Error("Unknown mode", "mode", *mode)
		return 1
	}
}

// runLoop runs the live poll loop alongside the maintenance scheduler
// until the context is cancelled or the loop faults.
func runLoop(ctx context.Context, cfg *config.Config, log *slog.Logger, store archive.Store, resolver *caps.Resolver, poll *poller.Poller, downloads *download.Orchestrator) int {
	sched, err := scheduler.New(log, &cfg.Scheduler, map[string]scheduler.TaskFunc{
		"archive_maintenance": store.RunMaintenance,
		"capability_audit": func(ctx context.Context) error {
			c, err := resolver.Resolve(ctx, cfg.ChatID)
			if err != nil {
				return err
			}
			log.Info("Capability audit",
				"chat_id", cfg.ChatID,
				"is_admin", c.IsAdmin,
				"can_delete", c.CanDeleteMessages,
				"can_send", c.CanSendMessages,
				"privacy_mode", c.PrivacyModeEnabled)
			return nil
		},
	})
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}
	if err := sched.Start(); err != nil {
		log.Error("Failed to start scheduler", "error", err)
		return 1
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Error("Scheduler stop failed", "error", err)
		}
	}()

	log.Info("Starting poll loop...")
	runErr := poll.Run(ctx)

	succeeded, failed := downloads.Drain()
	log.Info("Download pipeline drained", "files_stored", succeeded, "files_failed", failed)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Poll loop stopped due to error", "error", runErr)
		return 1
	}
	log.Info("Stopped gracefully.")
	return 0
}
