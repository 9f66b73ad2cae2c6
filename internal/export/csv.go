// Package export renders a user's transaction log as CSV.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"finbot/internal/core"
)

// Header is the CSV header row.
var Header = []string{"created_at", "kind", "category", "amount", "description"}

// WriteCSV writes txs in log order under Header.
func WriteCSV(w io.Writer, txs []core.Transaction) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for i, tx := range txs {
		rec := []string{
			tx.CreatedAt.UTC().Format(time.RFC3339),
			tx.Kind.String(),
			tx.Category,
			tx.Amount.String(),
			tx.Description,
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV returns the document as bytes.
func CSV(txs []core.Transaction) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, txs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileName names a user's export.
func FileName(userID string, at time.Time) string {
	return fmt.Sprintf("transactions_%s_%s.csv", userID, at.UTC().Format("20060102"))
}
