/**
 * @description
 * Entry point for the ledger scheduler. This is a non-HTTP, long-running process that calls
 * the ledger's internal maintenance endpoints on cron schedules.
 */
package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/vpnportal/ledger/internal/config"
	"github.com/vpnportal/ledger/internal/scheduler"
	"github.com/vpnportal/ledger/pkg/ledgerclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.LedgerServiceURL == "" {
		logger.Error("ledger service url must be configured", "env", "LEDGER_SERVICE_URL")
		os.Exit(1)
	}

	client := ledgerclient.NewClient(cfg.LedgerServiceURL, cfg.InternalAPIKey)
	jobs := scheduler.NewJobs(client, logger)
	s := scheduler.NewScheduler(jobs, logger, cfg)

	scheduled := s.Start()
	logger.Info("scheduler started", "jobs", scheduled)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-s.Stop().Done()
	logger.Info("scheduler stopped gracefully")
}
