package ledger

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/log"
)

func openTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	s, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func tx(kind core.Kind, category, amount string) core.Transaction {
	return core.Transaction{
		Kind:      kind,
		Category:  category,
		Amount:    decimal.RequireFromString(amount),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStoreGetOrCreateIsIdempotent(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !first.Balance.IsZero() || len(first.Transactions) != 0 {
		t.Fatalf("new record not empty: %+v", first)
	}
	if !first.Categories.Contains(core.Expense, "food") || !first.Categories.Contains(core.Income, "salary") {
		t.Fatalf("default categories missing: %+v", first.Categories)
	}

	if _, err := s.Append(ctx, "u1", tx(core.Income, "salary", "10")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	again, err := s.GetOrCreate(ctx, "u1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if len(again.Transactions) != 1 {
		t.Fatalf("GetOrCreate reset existing record: %+v", again)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("document not written on first access: %v", err)
	}
}

func TestFileStoreRejectsEmptyUser(t *testing.T) {
	s, _ := openTestStore(t)
	if _, err := s.GetOrCreate(context.Background(), ""); !errors.Is(err, core.ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
	if _, err := s.Append(context.Background(), "", tx(core.Income, "gift", "1")); !errors.Is(err, core.ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestFileStoreAppendValidates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		tx   core.Transaction
		want error
	}{
		{"zero amount", tx(core.Expense, "food", "0"), core.ErrInvalidAmount},
		{"negative amount", tx(core.Expense, "food", "-5"), core.ErrInvalidAmount},
		{"bad kind", tx(core.Kind("transfer"), "food", "5"), core.ErrInvalidKind},
		{"empty category", tx(core.Expense, "  ", "5"), core.ErrEmptyCategory},
		{"missing timestamp", core.Transaction{
			Kind:     core.Expense,
			Category: "food",
			Amount:   decimal.RequireFromString("5"),
		}, core.ErrMissingTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Append(ctx, "u1", tc.tx); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if _, ok, _ := s.Lookup(ctx, "u1"); ok {
		t.Fatalf("rejected appends must not create a record")
	}
	if core.IsValidationError(core.ErrMissingTimestamp) {
		t.Fatal("a missing timestamp is not a user input error")
	}
}

func TestFileStoreBalanceMatchesLog(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	want := decimal.Zero
	for i := 0; i < 200; i++ {
		kind := core.Income
		if rng.Intn(2) == 0 {
			kind = core.Expense
		}
		amount := decimal.New(int64(rng.Intn(100000)+1), -2)
		tr := core.Transaction{Kind: kind, Category: "c", Amount: amount, CreatedAt: time.Now()}
		if _, err := s.Append(ctx, "u1", tr); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		want = want.Add(tr.Signed())

		got, err := s.Balance(ctx, "u1")
		if err != nil {
			t.Fatalf("Balance: %v", err)
		}
		if !got.Equal(want) {
			t.Fatalf("step %d: balance %s, want %s", i, got, want)
		}
	}

	rec, _, _ := s.Lookup(ctx, "u1")
	if !rec.Balance.Equal(recompute(rec.Transactions)) {
		t.Fatalf("balance %s does not match log", rec.Balance)
	}
}

func TestFileStoreReopenKeepsData(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	for _, tr := range []core.Transaction{
		tx(core.Income, "salary", "1000"),
		tx(core.Expense, "food", "12.50"),
	} {
		if _, err := s.Append(ctx, "u1", tr); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, "u2", tx(core.Expense, "transport", "3")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = s.Close()

	reopened, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	bal, _ := reopened.Balance(ctx, "u1")
	if !bal.Equal(decimal.RequireFromString("987.5")) {
		t.Fatalf("u1 balance = %s", bal)
	}
	bal, _ = reopened.Balance(ctx, "u2")
	if !bal.Equal(decimal.RequireFromString("-3")) {
		t.Fatalf("u2 balance = %s", bal)
	}
	txs, _ := reopened.ListTransactions(ctx, "u1")
	if len(txs) != 2 || txs[1].Category != "food" {
		t.Fatalf("unexpected transactions after reopen: %+v", txs)
	}
}

func TestFileStoreWriteFailureLeavesStateUnchanged(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "u1", tx(core.Income, "salary", "100")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	s.write = func(string, []byte) error { return errors.New("disk full") }
	_, err = s.Append(ctx, "u1", tx(core.Expense, "food", "30"))
	if !IsStorageError(err) {
		t.Fatalf("expected storage error, got %v", err)
	}

	rec, _, _ := s.Lookup(ctx, "u1")
	if len(rec.Transactions) != 1 || !rec.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("failed append changed memory: %+v", rec)
	}
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("failed append changed the document")
	}

	if _, err := s.GetOrCreate(ctx, "u2"); !IsStorageError(err) {
		t.Fatalf("expected storage error creating user, got %v", err)
	}
	if _, ok, _ := s.Lookup(ctx, "u2"); ok {
		t.Fatalf("failed create left a record behind")
	}
}

func TestFileStoreInterruptedWriteKeepsPreviousSnapshot(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "u1", tx(core.Income, "gift", "50")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Simulate a crash after the temp file was written but before the rename.
	s.write = func(p string, data []byte) error {
		tmp := filepath.Join(filepath.Dir(p), tempPrefix(p)+"crash")
		if err := os.WriteFile(tmp, data[:len(data)/2], 0o600); err != nil {
			return err
		}
		return errors.New("killed")
	}
	if _, err := s.Append(ctx, "u1", tx(core.Expense, "food", "20")); err == nil {
		t.Fatalf("expected failure")
	}
	_ = s.Close()

	reopened, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	rec, ok, _ := reopened.Lookup(ctx, "u1")
	if !ok || len(rec.Transactions) != 1 || !rec.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected pre-crash snapshot, got %+v", rec)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix(path)) {
			t.Fatalf("stale temp file %s not removed", e.Name())
		}
	}
}

func TestFileStoreCorruptDocumentStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	if err := os.WriteFile(path, []byte(`{"u1": {"transactions": [`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	if _, ok, _ := s.Lookup(context.Background(), "u1"); ok {
		t.Fatalf("corrupt document should not yield records")
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("corrupt document not moved aside: %v", matches)
	}
}

func TestFileStoreRepairsDriftedBalance(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")
	doc := `{"u1": {"transactions": [
		{"kind": "income", "category": "salary", "amount": "100", "description": "", "createdAt": "2024-05-01T12:00:00Z"},
		{"kind": "expense", "category": "food", "amount": "40", "description": "lunch", "createdAt": "2024-05-01T13:00:00Z"}
	], "balance": "999", "categories": {"income": ["salary"], "expense": ["food"]}}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	defer s.Close()

	bal, _ := s.Balance(context.Background(), "u1")
	if !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("balance = %s, want 60", bal)
	}
}

func TestFileStoreConcurrentUsers(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	const perUser = 25
	users := []string{"alice", "bob", "carol"}
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				if _, err := s.Append(ctx, u, tx(core.Income, "salary", "1")); err != nil {
					t.Errorf("Append(%s): %v", u, err)
					return
				}
			}
		}(u)
	}
	wg.Wait()
	_ = s.Close()

	reopened, err := OpenFileStore(path, log.Discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	for _, u := range users {
		txs, _ := reopened.ListTransactions(ctx, u)
		if len(txs) != perUser {
			t.Fatalf("%s: %d transactions persisted, want %d", u, len(txs), perUser)
		}
	}
}

func TestFileStoreRecentNewestFirst(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"a", "b", "c", "d"} {
		if _, err := s.Append(ctx, "u1", tx(core.Expense, c, "1")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := s.Recent(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var cats []string
	for _, tr := range got {
		cats = append(cats, tr.Category)
	}
	if strings.Join(cats, ",") != "d,c,b" {
		t.Fatalf("Recent order = %v", cats)
	}

	none, _ := s.Recent(ctx, "nobody", 10)
	if len(none) != 0 {
		t.Fatalf("unknown user should have no history")
	}
}

func TestFileStoreUnknownUserReads(t *testing.T) {
	s, path := openTestStore(t)
	ctx := context.Background()

	bal, err := s.Balance(ctx, "ghost")
	if err != nil || !bal.IsZero() {
		t.Fatalf("Balance = %s, %v", bal, err)
	}
	txs, err := s.ListTransactions(ctx, "ghost")
	if err != nil || len(txs) != 0 {
		t.Fatalf("ListTransactions = %v, %v", txs, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("reads must not write the document")
	}
}

func TestFileStoreClosed(t *testing.T) {
	s, _ := openTestStore(t)
	_ = s.Close()
	if _, err := s.Append(context.Background(), "u1", tx(core.Income, "gift", "1")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecentOf(t *testing.T) {
	txs := []core.Transaction{{Category: "a"}, {Category: "b"}}
	if got := RecentOf(txs, 0); len(got) != 0 {
		t.Fatalf("n=0 should be empty")
	}
	if got := RecentOf(txs, 5); len(got) != 2 || got[0].Category != "b" {
		t.Fatalf("RecentOf = %+v", got)
	}
}
