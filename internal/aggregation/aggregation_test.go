package aggregation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/ledger"
	"finbot/internal/log"
)

func tx(kind core.Kind, category, amount string) core.Transaction {
	return core.Transaction{
		Kind:      kind,
		Category:  category,
		Amount:    decimal.RequireFromString(amount),
		CreatedAt: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCategoryTotals(t *testing.T) {
	tests := []struct {
		name   string
		txs    []core.Transaction
		kind   core.Kind
		want   []string
		totals []string
		ok     bool
	}{
		{
			name: "groups and orders by total",
			txs: []core.Transaction{
				tx(core.Expense, "food", "100"),
				tx(core.Expense, "food", "50"),
				tx(core.Expense, "transport", "20"),
			},
			kind:   core.Expense,
			want:   []string{"food", "transport"},
			totals: []string{"150", "20"},
			ok:     true,
		},
		{
			name: "ties keep first occurrence",
			txs: []core.Transaction{
				tx(core.Expense, "health", "10"),
				tx(core.Expense, "food", "30"),
				tx(core.Expense, "transport", "10"),
			},
			kind:   core.Expense,
			want:   []string{"food", "health", "transport"},
			totals: []string{"30", "10", "10"},
			ok:     true,
		},
		{
			name: "other kind is ignored",
			txs: []core.Transaction{
				tx(core.Income, "salary", "1000"),
				tx(core.Expense, "food", "5.5"),
			},
			kind:   core.Expense,
			want:   []string{"food"},
			totals: []string{"5.5"},
			ok:     true,
		},
		{
			name: "no data",
			txs:  []core.Transaction{tx(core.Income, "salary", "1000")},
			kind: core.Expense,
			ok:   false,
		},
		{
			name: "empty log",
			kind: core.Income,
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CategoryTotals(tt.txs, tt.kind)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got == nil {
				t.Fatal("result must not be nil")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want categories %v", got, tt.want)
			}
			for i := range got {
				if got[i].Category != tt.want[i] || !got[i].Total.Equal(decimal.RequireFromString(tt.totals[i])) {
					t.Fatalf("entry %d = %s %s, want %s %s",
						i, got[i].Category, got[i].Total, tt.want[i], tt.totals[i])
				}
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	txs := []core.Transaction{
		tx(core.Income, "salary", "1000"),
		tx(core.Expense, "food", "150"),
		tx(core.Expense, "transport", "20.40"),
	}
	s := Summarize(txs, Recompute(txs))

	if !s.Balance.Equal(decimal.RequireFromString("829.6")) {
		t.Fatalf("balance = %s", s.Balance)
	}
	if !s.TotalIncome.Equal(decimal.NewFromInt(1000)) || !s.TotalExpense.Equal(decimal.RequireFromString("170.4")) {
		t.Fatalf("totals = %s / %s", s.TotalIncome, s.TotalExpense)
	}
	if s.Count != 3 {
		t.Fatalf("count = %d", s.Count)
	}

	empty := Summarize(nil, decimal.Zero)
	if empty.Count != 0 || !empty.Balance.IsZero() {
		t.Fatalf("empty summary = %+v", empty)
	}
}

func TestVerify(t *testing.T) {
	txs := []core.Transaction{tx(core.Income, "gift", "10"), tx(core.Expense, "food", "4")}
	if err := Verify(txs, decimal.NewFromInt(6)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(txs, decimal.NewFromInt(7)); !errors.Is(err, ErrBalanceDrift) {
		t.Fatalf("expected ErrBalanceDrift, got %v", err)
	}
}

func TestServiceCachesByLogLength(t *testing.T) {
	store, err := ledger.OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"), log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()
	svc := NewService(store, log.Discard())
	ctx := context.Background()

	if _, ok, err := svc.CategoryTotals(ctx, "u1", core.Expense); err != nil || ok {
		t.Fatalf("unknown user: ok=%v err=%v", ok, err)
	}

	if _, err := store.Append(ctx, "u1", tx(core.Expense, "food", "100")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	first, ok, err := svc.CategoryTotals(ctx, "u1", core.Expense)
	if err != nil || !ok || len(first) != 1 {
		t.Fatalf("first = %+v, %v, %v", first, ok, err)
	}
	first[0].Category = "mutated"

	if _, err := store.Append(ctx, "u1", tx(core.Expense, "transport", "200")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	second, _, _ := svc.CategoryTotals(ctx, "u1", core.Expense)
	if len(second) != 2 || second[0].Category != "transport" || second[1].Category != "food" {
		t.Fatalf("stale totals after append: %+v", second)
	}

	svc.Invalidate("u1")
	if svc.totals.Size() != 0 {
		t.Fatalf("Invalidate left %d entries", svc.totals.Size())
	}
}

func TestServiceSummary(t *testing.T) {
	store, err := ledger.OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"), log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer store.Close()
	svc := NewService(store, log.Discard())
	ctx := context.Background()

	s, err := svc.Summary(ctx, "ghost")
	if err != nil || s.Count != 0 || !s.Balance.IsZero() {
		t.Fatalf("ghost summary = %+v, %v", s, err)
	}

	for _, tr := range []core.Transaction{tx(core.Income, "salary", "50"), tx(core.Expense, "food", "20")} {
		if _, err := store.Append(ctx, "u1", tr); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	s, err = svc.Summary(ctx, "u1")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if !s.Balance.Equal(decimal.NewFromInt(30)) || s.Count != 2 {
		t.Fatalf("summary = %+v", s)
	}
}
