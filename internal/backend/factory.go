package backend

import (
	"context"
	"fmt"

	"finbot/internal/amqp"
	"finbot/internal/ledger"
	"finbot/internal/log"
	"finbot/internal/services"
	"finbot/internal/storage"
)

// Backend is an opened ledger ready for the engine and the reports.
type Backend struct {
	Service *services.LedgerService
	// Close releases the store and the publisher.
	Close func() error
}

// Opener builds a Backend from its Config.
type Opener interface {
	Open(ctx context.Context, cfg Config) (*Backend, error)
}

type opener struct {
	logger *log.Logger
}

func NewOpener(logger *log.Logger) Opener {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &opener{logger: logger.WithComponent(log.ComponentBackend)}
}

// Open opens the store and wraps it, together with the optional AMQP
// publisher, in a LedgerService. A broker that cannot be reached leaves
// the service without a publisher.
func (o *opener) Open(ctx context.Context, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := o.openStore(cfg)
	if err != nil {
		return nil, err
	}

	var publisher services.EventPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, o.logger)
		if err != nil {
			o.logger.WarnContext(ctx, "AMQP unavailable, commits will not be published",
				log.FieldError, err)
		} else {
			publisher = client
		}
	}

	svc := services.NewLedgerService(store, publisher, o.logger)
	o.logger.InfoContext(ctx, "Ledger backend ready",
		log.FieldBackend, cfg.Type.String(),
		log.FieldPath, cfg.Path,
		"publishing", publisher != nil)

	return &Backend{Service: svc, Close: svc.Close}, nil
}

func (o *opener) openStore(cfg Config) (ledger.Store, error) {
	switch cfg.Type {
	case File:
		store, err := ledger.OpenFileStore(cfg.Path, o.logger)
		if err != nil {
			return nil, fmt.Errorf("open ledger file: %w", err)
		}
		return store, nil
	case SQLite:
		repo, err := storage.NewSQLiteRepository(cfg.Path, o.logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported backend %s", cfg.Type)
	}
}
