// Package aggregation derives totals and summaries from a user's
// transaction log. The functions are pure; Service adds store access and
// caching.
package aggregation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
)

// ErrBalanceDrift means a stored balance disagrees with its transaction log.
var ErrBalanceDrift = errors.New("balance drift")

type CategoryTotal struct {
	Category string          `json:"category"`
	Total    decimal.Decimal `json:"total"`
}

type Summary struct {
	Balance      decimal.Decimal `json:"balance"`
	TotalIncome  decimal.Decimal `json:"total_income"`
	TotalExpense decimal.Decimal `json:"total_expense"`
	Count        int             `json:"count"`
}

// CategoryTotals sums amounts per category over the transactions of kind.
// The result is ordered by total descending; equal totals keep the order
// in which their category first appeared. ok is false when no transaction
// of kind exists.
func CategoryTotals(txs []core.Transaction, kind core.Kind) (totals []CategoryTotal, ok bool) {
	index := make(map[string]int)
	for _, tx := range txs {
		if tx.Kind != kind {
			continue
		}
		i, seen := index[tx.Category]
		if !seen {
			i = len(totals)
			index[tx.Category] = i
			totals = append(totals, CategoryTotal{Category: tx.Category, Total: decimal.Zero})
		}
		totals[i].Total = totals[i].Total.Add(tx.Amount)
	}
	if len(totals) == 0 {
		return []CategoryTotal{}, false
	}

	slices.SortStableFunc(totals, func(a, b CategoryTotal) int {
		return b.Total.Cmp(a.Total)
	})
	return totals, true
}

func Summarize(txs []core.Transaction, balance decimal.Decimal) Summary {
	s := Summary{
		Balance:      balance,
		TotalIncome:  decimal.Zero,
		TotalExpense: decimal.Zero,
		Count:        len(txs),
	}
	for _, tx := range txs {
		switch tx.Kind {
		case core.Income:
			s.TotalIncome = s.TotalIncome.Add(tx.Amount)
		case core.Expense:
			s.TotalExpense = s.TotalExpense.Add(tx.Amount)
		}
	}
	return s
}

// Recompute returns the balance implied by txs.
func Recompute(txs []core.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Signed())
	}
	return total
}

// Verify checks that balance matches the log.
func Verify(txs []core.Transaction, balance decimal.Decimal) error {
	if want := Recompute(txs); !want.Equal(balance) {
		return fmt.Errorf("%w: stored %s, log sums to %s", ErrBalanceDrift, balance, want)
	}
	return nil
}
