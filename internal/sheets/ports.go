// Package sheets defines the spreadsheet export ports. Adapters live in
// the google and memory subpackages.
package sheets

import (
	"context"
	"time"

	"finbot/internal/core"
)

// Header is the first row of the transactions sheet.
var Header = []string{"user_id", "created_at", "kind", "category", "amount", "description"}

// Ports for outbound adapters.
type (
	// TransactionWriter appends one committed transaction as a sheet row.
	TransactionWriter interface {
		AppendTransaction(ctx context.Context, userID string, tx core.Transaction) (rowRef string, err error)
	}

	// HeaderEnsurer prepares an empty sheet for appends.
	HeaderEnsurer interface {
		EnsureHeader(ctx context.Context) error
	}
)

// Row renders tx in Header column order.
func Row(userID string, tx core.Transaction) []string {
	return []string{
		userID,
		tx.CreatedAt.UTC().Format(time.RFC3339),
		tx.Kind.String(),
		tx.Category,
		core.FormatAmount(tx.Amount),
		tx.Description,
	}
}
