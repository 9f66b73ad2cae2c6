package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/ledger"
	"finbot/internal/log"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, ttl time.Duration) (*Engine, *ledger.FileStore, *testClock) {
	t.Helper()
	store, err := ledger.OpenFileStore(filepath.Join(t.TempDir(), "ledger.json"), log.Discard())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &testClock{t: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	e := NewEngine(store, Config{SessionTTL: ttl, Now: clock.Now, Logger: log.Discard()})
	return e, store, clock
}

// failingLedger accepts GetOrCreate and fails every Append.
type failingLedger struct {
	appends int
}

func (f *failingLedger) GetOrCreate(_ context.Context, userID string) (core.UserRecord, error) {
	return core.NewUserRecord(userID), nil
}

func (f *failingLedger) Append(context.Context, string, core.Transaction) (core.Transaction, error) {
	f.appends++
	return core.Transaction{}, &ledger.StorageError{Op: "append", Err: errors.New("disk full")}
}

func TestExpenseScenario(t *testing.T) {
	e, store, clock := newTestEngine(t, 0)
	ctx := context.Background()

	resp := e.Dispatch(ctx, "u1", BeginExpense())
	if resp.Kind != Prompt || resp.Expect != ExpectCategory {
		t.Fatalf("begin: %+v", resp)
	}
	if len(resp.Options) == 0 || resp.Options[0] != "food" {
		t.Fatalf("expected expense categories, got %v", resp.Options)
	}

	resp = e.Dispatch(ctx, "u1", SubmitText("food"))
	if resp.Kind != Prompt || resp.Expect != ExpectAmount {
		t.Fatalf("category: %+v", resp)
	}

	resp = e.Dispatch(ctx, "u1", SubmitText("150"))
	if resp.Kind != Prompt || resp.Expect != ExpectDescription {
		t.Fatalf("amount: %+v", resp)
	}

	resp = e.Dispatch(ctx, "u1", Skip())
	if resp.Kind != Committed {
		t.Fatalf("skip: %+v", resp)
	}
	tx := resp.Transaction
	if tx.Kind != core.Expense || tx.Category != "food" || !tx.Amount.Equal(decimal.NewFromInt(150)) || tx.Description != "" {
		t.Fatalf("committed %+v", tx)
	}
	if !tx.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("created_at = %v", tx.CreatedAt)
	}

	if e.Stage("u1") != Idle {
		t.Fatalf("stage = %s, want idle", e.Stage("u1"))
	}
	bal, _ := store.Balance(ctx, "u1")
	if !bal.Equal(decimal.NewFromInt(-150)) {
		t.Fatalf("balance = %s, want -150", bal)
	}
}

func TestIncomeWithDescription(t *testing.T) {
	e, store, _ := newTestEngine(t, 0)
	ctx := context.Background()

	if _, err := e.Begin(ctx, "u1", core.Income); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := e.ChooseCategory(ctx, "u1", "  bonus  "); err != nil {
		t.Fatalf("ChooseCategory: %v", err)
	}
	if _, err := e.EnterAmount(ctx, "u1", "12,50"); err != nil {
		t.Fatalf("EnterAmount: %v", err)
	}
	tx, err := e.EnterDescription(ctx, "u1", "year end")
	if err != nil {
		t.Fatalf("EnterDescription: %v", err)
	}
	if tx.Category != "bonus" || tx.Description != "year end" || !tx.Amount.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("committed %+v", tx)
	}

	rec, _, _ := store.Lookup(ctx, "u1")
	if rec.Categories.Contains(core.Income, "bonus") {
		t.Fatal("freeform category must not be added to the user's set")
	}
}

func TestInvalidAmountsKeepStage(t *testing.T) {
	e, store, _ := newTestEngine(t, 0)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginExpense())
	e.Dispatch(ctx, "u1", SubmitText("food"))

	for _, in := range []string{"abc", "0", "-5", "", "1e3", "1.2.3"} {
		t.Run(fmt.Sprintf("%q", in), func(t *testing.T) {
			resp := e.Dispatch(ctx, "u1", SubmitText(in))
			if resp.Kind != ValidationFailed || !errors.Is(resp.Err, core.ErrInvalidAmount) {
				t.Fatalf("got %+v", resp)
			}
			if resp.Expect != ExpectAmount {
				t.Fatalf("expect = %v", resp.Expect)
			}
			if e.Stage("u1") != AwaitingAmount {
				t.Fatalf("stage = %s", e.Stage("u1"))
			}
		})
	}

	txs, _ := store.ListTransactions(ctx, "u1")
	if len(txs) != 0 {
		t.Fatalf("invalid amounts committed %v", txs)
	}
}

func TestEmptyCategoryIsValidationError(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginIncome())
	resp := e.Dispatch(ctx, "u1", SubmitText("   "))
	if resp.Kind != ValidationFailed || e.Stage("u1") != AwaitingCategory {
		t.Fatalf("got %+v in stage %s", resp, e.Stage("u1"))
	}
}

func TestCancelFromEveryStage(t *testing.T) {
	steps := []struct {
		stage Stage
		ops   []Op
	}{
		{AwaitingCategory, []Op{BeginExpense()}},
		{AwaitingAmount, []Op{BeginExpense(), SubmitText("food")}},
		{AwaitingDescription, []Op{BeginExpense(), SubmitText("food"), SubmitText("9")}},
	}

	for _, st := range steps {
		t.Run(st.stage.String(), func(t *testing.T) {
			e, store, _ := newTestEngine(t, 0)
			ctx := context.Background()

			for _, op := range st.ops {
				e.Dispatch(ctx, "u1", op)
			}
			if e.Stage("u1") != st.stage {
				t.Fatalf("setup reached %s", e.Stage("u1"))
			}

			if resp := e.Dispatch(ctx, "u1", Cancel()); resp.Kind != Cancelled {
				t.Fatalf("cancel: %+v", resp)
			}
			if e.Stage("u1") != Idle {
				t.Fatalf("stage after cancel = %s", e.Stage("u1"))
			}
			if s := e.Snapshot("u1"); s.Pending != (Pending{}) {
				t.Fatalf("pending not cleared: %+v", s.Pending)
			}
			txs, _ := store.ListTransactions(ctx, "u1")
			if len(txs) != 0 {
				t.Fatalf("cancel committed %v", txs)
			}
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	ctx := context.Background()

	if err := e.Cancel(ctx, "u1"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Cancel from idle: %v", err)
	}
	if err := e.ChooseCategory(ctx, "u1", "food"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("ChooseCategory from idle: %v", err)
	}
	if _, err := e.EnterAmount(ctx, "u1", "5"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("EnterAmount from idle: %v", err)
	}
	if _, err := e.SkipDescription(ctx, "u1"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("SkipDescription from idle: %v", err)
	}
	if resp := e.Dispatch(ctx, "u1", SubmitText("hello")); resp.Kind != Rejected {
		t.Fatalf("text from idle: %+v", resp)
	}

	if _, err := e.Begin(ctx, "u1", core.Expense); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := e.Begin(ctx, "u1", core.Income); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Begin twice: %v", err)
	}
	if _, err := e.EnterAmount(ctx, "u1", "5"); !errors.Is(err, ErrProtocol) {
		t.Fatalf("EnterAmount before category: %v", err)
	}
	if resp := e.Dispatch(ctx, "u1", Skip()); resp.Kind != Rejected {
		t.Fatalf("skip before amount: %+v", resp)
	}

	s := e.Snapshot("u1")
	if s.Stage != AwaitingCategory || s.Pending.Kind != core.Expense {
		t.Fatalf("protocol errors changed the session: %+v", s)
	}
}

func TestBeginRejectsBadInput(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	if _, err := e.Begin(context.Background(), "u1", core.Kind("loan")); !errors.Is(err, core.ErrInvalidKind) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.Begin(context.Background(), "", core.Income); !errors.Is(err, core.ErrEmptyUserID) {
		t.Fatalf("got %v", err)
	}
}

func TestStorageFailureKeepsDialogue(t *testing.T) {
	fl := &failingLedger{}
	e := NewEngine(fl, Config{Logger: log.Discard()})
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginExpense())
	e.Dispatch(ctx, "u1", SubmitText("food"))
	e.Dispatch(ctx, "u1", SubmitText("30"))

	resp := e.Dispatch(ctx, "u1", SubmitText("groceries"))
	if resp.Kind != Rejected || !ledger.IsStorageError(resp.Err) {
		t.Fatalf("got %+v", resp)
	}
	s := e.Snapshot("u1")
	if s.Stage != AwaitingDescription || s.Pending.Category != "food" || !s.Pending.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("session after failure: %+v", s)
	}

	if _, err := e.SkipDescription(ctx, "u1"); !ledger.IsStorageError(err) {
		t.Fatalf("retry: %v", err)
	}
	if fl.appends != 2 {
		t.Fatalf("appends = %d, want one per attempt", fl.appends)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	e, store, _ := newTestEngine(t, 0)
	ctx := context.Background()

	e.Dispatch(ctx, "alice", BeginExpense())
	e.Dispatch(ctx, "bob", BeginIncome())
	e.Dispatch(ctx, "alice", SubmitText("food"))

	if e.Stage("bob") != AwaitingCategory || e.Stage("alice") != AwaitingAmount {
		t.Fatalf("stages alice=%s bob=%s", e.Stage("alice"), e.Stage("bob"))
	}

	e.Dispatch(ctx, "bob", SubmitText("salary"))
	e.Dispatch(ctx, "bob", SubmitText("100"))
	e.Dispatch(ctx, "bob", Skip())

	if e.Stage("alice") != AwaitingAmount {
		t.Fatalf("bob's commit moved alice to %s", e.Stage("alice"))
	}
	if txs, _ := store.ListTransactions(ctx, "alice"); len(txs) != 0 {
		t.Fatalf("alice has %v", txs)
	}
}

func TestConcurrentCommits(t *testing.T) {
	e, store, _ := newTestEngine(t, 0)
	ctx := context.Background()

	const rounds = 20
	var wg sync.WaitGroup
	for _, u := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				for _, op := range []Op{BeginExpense(), SubmitText("food"), SubmitText("1"), Skip()} {
					if resp := e.Dispatch(ctx, u, op); resp.Kind == Rejected {
						t.Errorf("%s round %d: %+v", u, i, resp)
						return
					}
				}
			}
		}(u)
	}
	wg.Wait()

	for _, u := range []string{"alice", "bob"} {
		bal, _ := store.Balance(ctx, u)
		if !bal.Equal(decimal.NewFromInt(-rounds)) {
			t.Fatalf("%s balance = %s, want -%d", u, bal, rounds)
		}
	}
}

func TestSameUserOperationsAreSerialized(t *testing.T) {
	e, store, _ := newTestEngine(t, 0)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginExpense())
	e.Dispatch(ctx, "u1", SubmitText("food"))
	e.Dispatch(ctx, "u1", SubmitText("5"))

	// Two racing Skips: exactly one commits, the other sees Idle.
	var wg sync.WaitGroup
	results := make([]Response, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Dispatch(ctx, "u1", Skip())
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, r := range results {
		if r.Kind == Committed {
			committed++
		}
	}
	if committed != 1 {
		t.Fatalf("committed %d times", committed)
	}
	txs, _ := store.ListTransactions(ctx, "u1")
	if len(txs) != 1 {
		t.Fatalf("stored %d transactions", len(txs))
	}
}

func TestSessionExpiry(t *testing.T) {
	e, _, clock := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginExpense())
	e.Dispatch(ctx, "u1", SubmitText("food"))

	clock.Advance(30 * time.Second)
	if e.Stage("u1") != AwaitingAmount {
		t.Fatal("session expired too early")
	}

	clock.Advance(2 * time.Minute)
	if n := e.CleanExpired(); n != 1 {
		t.Fatalf("CleanExpired = %d, want 1", n)
	}
	if e.Stage("u1") != Idle {
		t.Fatalf("stage = %s", e.Stage("u1"))
	}

	resp := e.Dispatch(ctx, "u1", SubmitText("150"))
	if resp.Kind != Rejected || !errors.Is(resp.Err, ErrSessionExpired) {
		t.Fatalf("first text after expiry: %+v", resp)
	}
	resp = e.Dispatch(ctx, "u1", SubmitText("150"))
	if resp.Kind != Rejected || errors.Is(resp.Err, ErrSessionExpired) || !errors.Is(resp.Err, ErrProtocol) {
		t.Fatalf("expiry should be reported once: %+v", resp)
	}

	clock.Advance(2 * time.Minute)
	e.CleanExpired()
	if e.Sessions() != 0 {
		t.Fatalf("idle session not dropped, %d left", e.Sessions())
	}
}

func TestLazyExpiryWithoutSweep(t *testing.T) {
	e, _, clock := newTestEngine(t, time.Minute)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginIncome())
	clock.Advance(5 * time.Minute)

	if _, err := e.Begin(ctx, "u1", core.Income); err != nil {
		t.Fatalf("Begin after expiry should start over: %v", err)
	}
	if e.Stage("u1") != AwaitingCategory {
		t.Fatalf("stage = %s", e.Stage("u1"))
	}
}

func TestDescriptionTooLong(t *testing.T) {
	e, _, _ := newTestEngine(t, 0)
	ctx := context.Background()

	e.Dispatch(ctx, "u1", BeginExpense())
	e.Dispatch(ctx, "u1", SubmitText("food"))
	e.Dispatch(ctx, "u1", SubmitText("1"))

	long := make([]rune, core.MaxDescriptionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	resp := e.Dispatch(ctx, "u1", SubmitText(string(long)))
	if resp.Kind != ValidationFailed || e.Stage("u1") != AwaitingDescription {
		t.Fatalf("got %+v in %s", resp, e.Stage("u1"))
	}
}
