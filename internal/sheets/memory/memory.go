// Package memory is an in-process sheet used by tests and when no
// spreadsheet is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"finbot/internal/core"
	"finbot/internal/sheets"
)

var (
	_ sheets.TransactionWriter = (*Store)(nil)
	_ sheets.HeaderEnsurer     = (*Store)(nil)
)

type Store struct {
	mu   sync.Mutex
	rows [][]string
}

func New() *Store {
	return &Store{}
}

func (s *Store) EnsureHeader(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rows) == 0 {
		s.rows = append(s.rows, slices.Clone(sheets.Header))
	}
	return nil
}

// AppendTransaction stores the row and returns a synthetic row reference.
func (s *Store) AppendTransaction(_ context.Context, userID string, tx core.Transaction) (string, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, sheets.Row(userID, tx))
	return fmt.Sprintf("mem:%d", len(s.rows)), nil
}

// Rows returns a copy of every row, header included.
func (s *Store) Rows() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.rows))
	for i, r := range s.rows {
		out[i] = slices.Clone(r)
	}
	return out
}
