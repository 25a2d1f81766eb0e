package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"

	"willhaben-tracker/api"
	"willhaben-tracker/config"
	"willhaben-tracker/models"
	"willhaben-tracker/notify"
	"willhaben-tracker/scraper/willhaben"
	"willhaben-tracker/services"
	"willhaben-tracker/storage"
	"willhaben-tracker/utils"
)

const usage = `usage: willhaben-tracker [command]

commands:
  scrape   run one ingestion cycle and print the market report (default)
  serve    serve the dashboard API
  report   print the market report from stored data
`

func main() {
	cmd := "scrape"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	cfg := config.Load()

	var fluentCfg *utils.FluentConfig
	if cfg.FluentEnabled {
		fluentCfg = &utils.FluentConfig{Host: cfg.FluentHost, Port: cfg.FluentPort, Tag: "willhaben-tracker"}
	}
	logger, closeLogger, err := utils.NewLogger(utils.LogConfig{Level: cfg.LogLevel, JSON: cfg.LogJSON, Fluent: fluentCfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	switch cmd {
	case "scrape":
		err = runScrape(ctx, cfg, logger)
	case "serve":
		err = runServe(ctx, cfg, logger)
	case "report":
		err = runReport(ctx, cfg, logger)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprint(os.Stderr, usage)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	stop()
	if err != nil {
		logger.Error("willhaben-tracker failed", "command", cmd, "error", err)
	}
	_ = closeLogger()
	if err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sqlx.DB, error) {
	driver, dsn := cfg.Database()
	return storage.Open(ctx, storage.Options{Driver: driver, DSN: dsn, Logger: logger})
}

func runScrape(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("willhaben tracker starting",
		"url", cfg.ScrapeURL, "max_pages", cfg.MaxPages, "concurrency", cfg.MaxConcurrency, "rate_ms", cfg.RateLimitMs)

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	normalizer, err := services.NewNormalizer(cfg.ListingBaseURL)
	if err != nil {
		return err
	}

	listings := storage.NewListingStore(db)
	runs := storage.NewRunTracker(db)
	reconciler := services.NewReconciler(listings, runs, normalizer, logger)

	if cfg.CSVOutputPath != "" {
		csvWriter, err := storage.NewCSVWriter(cfg.CSVOutputPath)
		if err != nil {
			return err
		}
		defer csvWriter.Close()
		reconciler.WithArchive(csvWriter)
	}

	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		}, logger)
		if err != nil {
			// Notifications are optional; the cycle still runs.
			logger.Warn("run notifications disabled", "error", err)
		} else {
			defer pub.Close()
			reconciler.WithNotifier(pub)
		}
	}

	cycle, err := reconciler.Run(ctx, willhaben.New(cfg, logger))
	if err != nil {
		return err
	}

	analytics := services.NewAnalytics(listings, runs, logger)
	return printReport(ctx, cfg, analytics, cycle)
}

func runReport(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	analytics := services.NewAnalytics(storage.NewListingStore(db), storage.NewRunTracker(db), logger)
	return printReport(ctx, cfg, analytics, nil)
}

func printReport(ctx context.Context, cfg *config.Config, analytics *services.Analytics, cycle *models.CycleResult) error {
	summary, err := analytics.Summary(ctx, cfg.BestValueLimit, int64(cfg.HistogramBucket))
	if err != nil {
		return err
	}
	services.PrintReport(os.Stdout, summary, cycle)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	analytics := services.NewAnalytics(storage.NewListingStore(db), storage.NewRunTracker(db), logger)
	handlers := api.NewHandlers(analytics, cfg.BestValueLimit, int64(cfg.HistogramBucket), logger)
	server := api.NewServer(cfg.HTTPAddr, handlers, cfg.CORSOrigins, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}
