// Package ledger defines the per-user transaction store and its file-backed
// implementation.
//
// Every implementation keeps, for each user, balance equal to the sum of
// income minus the sum of expenses over the stored transactions. Mutations
// are all-or-nothing: when persisting fails nothing changes.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("ledger store closed")

// Store is the durable per-user ledger.
type Store interface {
	// GetOrCreate returns the user's record, creating and persisting it with
	// default categories on first access.
	GetOrCreate(ctx context.Context, userID string) (core.UserRecord, error)

	// Append validates tx, appends it to the user's log and updates the
	// balance as one durable unit. The user record is created if needed.
	Append(ctx context.Context, userID string, tx core.Transaction) (core.Transaction, error)

	// Lookup returns a consistent copy of the user's record. ok is false
	// when the user has never been seen; no record is created.
	Lookup(ctx context.Context, userID string) (rec core.UserRecord, ok bool, err error)

	ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error)

	// Recent returns at most n transactions, newest first.
	Recent(ctx context.Context, userID string, n int) ([]core.Transaction, error)

	Balance(ctx context.Context, userID string) (decimal.Decimal, error)

	Close() error
}

// StorageError reports a failed durable write or read. The operation it
// belongs to did not take effect.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// RecentOf returns the last n transactions of txs in reverse order.
func RecentOf(txs []core.Transaction, n int) []core.Transaction {
	if n <= 0 || len(txs) == 0 {
		return []core.Transaction{}
	}
	if n > len(txs) {
		n = len(txs)
	}
	out := make([]core.Transaction, 0, n)
	for i := len(txs) - 1; i >= len(txs)-n; i-- {
		out = append(out, txs[i])
	}
	return out
}

// ValidateAppend checks a transaction before it is stored. Store
// implementations outside this package share it.
func ValidateAppend(userID string, tx core.Transaction) error {
	if userID == "" {
		return core.ErrEmptyUserID
	}
	if err := tx.Validate(); err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		return core.ErrMissingTimestamp
	}
	return nil
}
