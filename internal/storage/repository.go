// Package storage is the SQLite-backed ledger store.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/ledger"
	"finbot/internal/log"

	_ "modernc.org/sqlite"
)

var _ ledger.Store = (*SQLiteRepository)(nil)

// SQLiteRepository stores users, categories and transactions in SQLite.
// Writes are serialized by a mutex and each runs in one SQL transaction, so
// a transaction row and the balance it implies commit together.
type SQLiteRepository struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *log.Logger
	now    func() time.Time
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentStorage)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("SQLite ledger opened", "path", dbPath, "schema_version", version)
	return &SQLiteRepository{db: db, logger: logger, now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) GetOrCreate(ctx context.Context, userID string) (core.UserRecord, error) {
	if userID == "" {
		return core.UserRecord{}, core.ErrEmptyUserID
	}
	if rec, ok, err := r.Lookup(ctx, userID); err != nil || ok {
		return rec, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := r.ensureUser(ctx, tx, userID)
		return err
	})
	if err != nil {
		return core.UserRecord{}, r.storageErr(ctx, log.OpGetOrCreate, userID, err)
	}

	rec, _, err := r.Lookup(ctx, userID)
	return rec, err
}

func (r *SQLiteRepository) Append(ctx context.Context, userID string, t core.Transaction) (core.Transaction, error) {
	if err := ledger.ValidateAppend(userID, t); err != nil {
		return core.Transaction{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		balance, err := r.ensureUser(ctx, tx, userID)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (user_id, kind, category, amount, description, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			userID, string(t.Kind), t.Category, t.Amount.String(), t.Description,
			t.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		next := balance.Add(t.Signed())
		if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = ? WHERE id = ?`, next.String(), userID); err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		return nil
	})
	if err != nil {
		return core.Transaction{}, r.storageErr(ctx, log.OpAppend, userID, err)
	}

	r.logger.DebugContext(ctx, "Transaction saved to SQLite",
		log.NewFields().
			WithUser(userID).
			WithTransaction(t.Kind.String(), t.Category, t.Amount.String()).
			ToSlice()...)
	return t, nil
}

// Lookup reads the balance, categories and transactions in one read
// transaction, so the record matches a single committed state.
func (r *SQLiteRepository) Lookup(ctx context.Context, userID string) (core.UserRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return core.UserRecord{}, false, &ledger.StorageError{Op: log.OpLoad, Err: fmt.Errorf("begin read: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	balance, ok, err := r.balance(ctx, tx, userID)
	if err != nil || !ok {
		return core.UserRecord{}, false, err
	}

	rec := core.UserRecord{UserID: userID, Balance: balance}
	if rec.Categories, err = r.categories(ctx, tx, userID); err != nil {
		return core.UserRecord{}, false, &ledger.StorageError{Op: log.OpLoad, Err: err}
	}
	if rec.Transactions, err = r.queryTransactions(ctx, tx, listQuery, userID); err != nil {
		return core.UserRecord{}, false, err
	}
	return rec, true, nil
}

const (
	listQuery = `SELECT kind, category, amount, description, created_at
		 FROM transactions WHERE user_id = ? ORDER BY id`
	recentQuery = `SELECT kind, category, amount, description, created_at
		 FROM transactions WHERE user_id = ? ORDER BY id DESC LIMIT ?`
)

func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	return r.queryTransactions(ctx, r.db, listQuery, userID)
}

func (r *SQLiteRepository) Recent(ctx context.Context, userID string, n int) ([]core.Transaction, error) {
	if n <= 0 {
		return []core.Transaction{}, nil
	}
	return r.queryTransactions(ctx, r.db, recentQuery, userID, n)
}

func (r *SQLiteRepository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	balance, _, err := r.balance(ctx, r.db, userID)
	return balance, err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteRepository) balance(ctx context.Context, q querier, userID string) (decimal.Decimal, bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, &ledger.StorageError{Op: log.OpLoad, Err: fmt.Errorf("read balance: %w", err)}
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, &ledger.StorageError{Op: log.OpLoad, Err: fmt.Errorf("parse balance %q: %w", raw, err)}
	}
	return balance, true, nil
}

// ensureUser creates the user with default categories if needed and
// returns the current balance.
func (r *SQLiteRepository) ensureUser(ctx context.Context, tx *sql.Tx, userID string) (decimal.Decimal, error) {
	balance, ok, err := r.balance(ctx, tx, userID)
	if err != nil || ok {
		return balance, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, balance, created_at) VALUES (?, '0', ?)`,
		userID, r.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return decimal.Zero, fmt.Errorf("insert user: %w", err)
	}

	defaults := core.DefaultCategories()
	for _, kind := range []core.Kind{core.Income, core.Expense} {
		for i, name := range defaults.For(kind) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_categories (user_id, kind, name, position) VALUES (?, ?, ?, ?)`,
				userID, string(kind), name, i); err != nil {
				return decimal.Zero, fmt.Errorf("insert category %s/%s: %w", kind, name, err)
			}
		}
	}

	r.logger.InfoContext(ctx, "User ledger created", log.FieldUserID, userID)
	return decimal.Zero, nil
}

func (r *SQLiteRepository) categories(ctx context.Context, q querier, userID string) (core.Categories, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT kind, name FROM user_categories WHERE user_id = ? ORDER BY kind, position`, userID)
	if err != nil {
		return core.Categories{}, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	cats := core.Categories{Income: []string{}, Expense: []string{}}
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return core.Categories{}, fmt.Errorf("scan category: %w", err)
		}
		switch core.Kind(kind) {
		case core.Income:
			cats.Income = append(cats.Income, name)
		case core.Expense:
			cats.Expense = append(cats.Expense, name)
		}
	}
	return cats, rows.Err()
}

func (r *SQLiteRepository) queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]core.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &ledger.StorageError{Op: log.OpLoad, Err: fmt.Errorf("query transactions: %w", err)}
	}
	defer rows.Close()

	txs := []core.Transaction{}
	for rows.Next() {
		var kind, category, amount, description, createdAt string
		if err := rows.Scan(&kind, &category, &amount, &description, &createdAt); err != nil {
			return nil, &ledger.StorageError{Op: log.OpLoad, Err: fmt.Errorf("scan transaction: %w", err)}
		}
		t, err := decodeTransaction(kind, category, amount, description, createdAt)
		if err != nil {
			return nil, &ledger.StorageError{Op: log.OpLoad, Err: err}
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &ledger.StorageError{Op: log.OpLoad, Err: err}
	}
	return txs, nil
}

func decodeTransaction(kind, category, amount, description, createdAt string) (core.Transaction, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	at, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return core.Transaction{
		Kind:        core.Kind(kind),
		Category:    category,
		Amount:      amt,
		Description: description,
		CreatedAt:   at,
	}, nil
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) storageErr(ctx context.Context, op, userID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *ledger.StorageError
	if errors.As(err, &se) {
		return err
	}
	r.logger.ErrorContext(ctx, "SQLite write failed",
		log.NewFields().WithUser(userID).WithOperation(op).WithError(err).ToSlice()...)
	return &ledger.StorageError{Op: op, Err: err}
}
