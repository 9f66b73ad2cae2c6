// Package worker mirrors committed ledger transactions into a spreadsheet.
package worker

import (
	"context"
	"fmt"
	"time"

	"finbot/internal/amqp"
	"finbot/internal/cache"
	"finbot/internal/log"
	"finbot/internal/sheets"
)

const (
	seenEventsSize = 10000
	seenEventsTTL  = 24 * time.Hour
)

// SyncWorker appends one sheet row per TransactionCommitted event. Events
// redelivered after a successful append are recognized by id and skipped.
type SyncWorker struct {
	sheets sheets.TransactionWriter
	seen   *cache.LRUCache[string]
	logger *log.Logger
}

func NewSyncWorker(writer sheets.TransactionWriter, logger *log.Logger) *SyncWorker {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &SyncWorker{
		sheets: writer,
		seen:   cache.NewLRUCache[string](seenEventsSize, seenEventsTTL),
		logger: logger.WithComponent(log.ComponentWorker),
	}
}

// StartupCheck prepares the target sheet before consuming.
func (w *SyncWorker) StartupCheck(ctx context.Context) error {
	if he, ok := w.sheets.(sheets.HeaderEnsurer); ok {
		if err := he.EnsureHeader(ctx); err != nil {
			return fmt.Errorf("ensure sheet header: %w", err)
		}
	}
	w.logger.InfoContext(ctx, "Sync worker ready")
	return nil
}

// HandleTransactionCommitted implements amqp.Handler.
func (w *SyncWorker) HandleTransactionCommitted(ctx context.Context, msg *amqp.TransactionCommitted) error {
	if ref, dup := w.seen.Get(msg.EventID); dup {
		w.logger.InfoContext(ctx, "Skipping already synced event",
			log.FieldEventID, msg.EventID, log.FieldSheetsRef, ref)
		return nil
	}

	tx := msg.Transaction()
	ref, err := w.sheets.AppendTransaction(ctx, msg.UserID, tx)
	if err != nil {
		return fmt.Errorf("append to sheets: %w", err)
	}
	w.seen.Set(msg.EventID, ref)

	w.logger.InfoContext(ctx, "Transaction synced to sheets",
		log.NewFields().
			WithUser(msg.UserID).
			WithTransaction(tx.Kind.String(), tx.Category, tx.Amount.String()).
			ToSlice()...)
	return nil
}

// CleanExpired implements cache.Cleaner.
func (w *SyncWorker) CleanExpired() int {
	return w.seen.CleanExpired()
}
