// Package services composes the ledger store with outbound event
// publishing.
package services

import (
	"context"
	"errors"
	"fmt"

	"finbot/internal/core"
	"finbot/internal/ledger"
	"finbot/internal/log"
)

// EventPublisher announces committed transactions to downstream consumers.
type EventPublisher interface {
	PublishTransactionCommitted(ctx context.Context, userID string, tx core.Transaction) error
	Close() error
}

// CommitListener is notified synchronously after each durable commit.
type CommitListener func(userID string)

// LedgerService orchestrates ledger writes and event publishing. The store
// is the source of truth: an event is published only after the commit and
// a publish failure never undoes or fails it.
type LedgerService struct {
	ledger.Store
	publisher EventPublisher
	listeners []CommitListener
	logger    *log.Logger
}

func NewLedgerService(store ledger.Store, publisher EventPublisher, logger *log.Logger) *LedgerService {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &LedgerService{
		Store:     store,
		publisher: publisher,
		logger:    logger.WithComponent(log.ComponentLedger),
	}
}

// OnCommit registers fn to run after every successful Append. Register
// listeners before the service is shared between goroutines.
func (s *LedgerService) OnCommit(fn CommitListener) {
	s.listeners = append(s.listeners, fn)
}

// Append saves tx and then publishes a TransactionCommitted event.
func (s *LedgerService) Append(ctx context.Context, userID string, tx core.Transaction) (core.Transaction, error) {
	saved, err := s.Store.Append(ctx, userID, tx)
	if err != nil {
		return core.Transaction{}, err
	}

	for _, fn := range s.listeners {
		fn(userID)
	}

	if err := s.publish(ctx, userID, saved); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish transaction event",
			log.NewFields().
				WithUser(userID).
				WithOperation(log.OpPublish).
				WithError(err).
				ToSlice()...)
	}
	return saved, nil
}

func (s *LedgerService) publish(ctx context.Context, userID string, tx core.Transaction) error {
	if s.publisher == nil {
		return nil
	}
	// The commit already happened; a caller cancelling now must not drop the event.
	return s.publisher.PublishTransactionCommitted(context.WithoutCancel(ctx), userID, tx)
}

// Close closes both storage and AMQP connections.
func (s *LedgerService) Close() error {
	var errs []error

	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close ledger service: %w", errors.Join(errs...))
	}
	return nil
}
