package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finbot/internal/core"
)

// TransactionCommitted announces a transaction that is already durable in
// the ledger. Consumers may see it more than once; EventID identifies it.
type TransactionCommitted struct {
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	Kind        core.Kind       `json:"kind"`
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"created_at"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewTransactionCommitted builds the event for a committed transaction.
func NewTransactionCommitted(userID string, tx core.Transaction) *TransactionCommitted {
	return &TransactionCommitted{
		EventID:     uuid.NewString(),
		UserID:      userID,
		Kind:        tx.Kind,
		Category:    tx.Category,
		Amount:      tx.Amount,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
		Timestamp:   time.Now(),
	}
}

// Transaction returns the ledger transaction the event describes.
func (m *TransactionCommitted) Transaction() core.Transaction {
	return core.Transaction{
		Kind:        m.Kind,
		Category:    m.Category,
		Amount:      m.Amount,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}

func (m *TransactionCommitted) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// TransactionCommittedFromJSON decodes and validates an event body.
func TransactionCommittedFromJSON(data []byte) (*TransactionCommitted, error) {
	var msg TransactionCommitted
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.EventID == "" || msg.UserID == "" {
		return nil, errors.New("event_id and user_id are required")
	}
	if err := msg.Transaction().Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return &msg, nil
}
