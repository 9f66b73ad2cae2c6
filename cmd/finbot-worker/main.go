package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"finbot/internal/amqp"
	"finbot/internal/cache"
	"finbot/internal/cli"
	"finbot/internal/config"
	"finbot/internal/log"
	"finbot/internal/sheets"
	"finbot/internal/sheets/google"
	"finbot/internal/sheets/memory"
	"finbot/internal/worker"
)

const startupTimeout = 30 * time.Second

func main() {
	cfg, logger := cli.LoadConfig(log.ComponentWorker, (*config.Config).ValidateWorker)

	if err := run(cfg, logger); err != nil {
		logger.Error("Sync worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Sync worker stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	ctx, stop := cli.SignalContext(logger)
	defer stop()

	writer, err := newWriter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close AMQP client", log.FieldOperation, log.OpShutdown, log.FieldError, err)
		}
	}()

	w := worker.NewSyncWorker(writer, logger)
	checkCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err = w.StartupCheck(checkCtx)
	cancel()
	if err != nil {
		return err
	}

	caches := cache.NewManager(logger)
	caches.Register("seen_events", w)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return caches.Run(gctx, cfg.SessionSweepInterval)
	})
	g.Go(func() error {
		logger.Info("Consuming transaction events", "queue", cfg.AMQPQueue)
		err := client.ConsumeTransactions(gctx, w.HandleTransactionCommitted)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func newWriter(ctx context.Context, cfg *config.Config, logger *log.Logger) (sheets.TransactionWriter, error) {
	if cfg.GoogleSpreadsheetID == "" {
		logger.Warn("GOOGLE_SPREADSHEET_ID not set, syncing into an in-memory sheet")
		return memory.New(), nil
	}
	return google.NewFromEnv(ctx, google.Config{
		SpreadsheetID: cfg.GoogleSpreadsheetID,
		SheetName:     cfg.GoogleSheetName,
		Logger:        logger,
	})
}
