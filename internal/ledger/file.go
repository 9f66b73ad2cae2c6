package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/log"
)

var _ Store = (*FileStore)(nil)

// FileStore keeps every user in one JSON document.
//
// The document maps user id to record. Each mutation rewrites the whole
// document through a temporary file that is fsynced and renamed over the
// previous snapshot, so a crash leaves either the old or the new snapshot
// on disk. A single write lock covers read-modify-persist for all users.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	users  map[string]*core.UserRecord
	closed bool
	logger *log.Logger

	// write persists a full document; replaced in tests to simulate faults.
	write func(path string, data []byte) error
}

// OpenFileStore loads the document at path. A missing document starts an
// empty store. A corrupt document is moved aside and the store starts
// empty.
func OpenFileStore(path string, logger *log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentLedger)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: log.OpLoad, Err: fmt.Errorf("create ledger directory: %w", err)}
	}

	s := &FileStore{
		path:   path,
		users:  make(map[string]*core.UserRecord),
		logger: logger,
		write:  writeFileAtomic,
	}
	removeStaleTemps(path, logger)
	if err := s.load(); err != nil {
		return nil, err
	}

	logger.Info("Ledger file opened", "path", path, "users", len(s.users))
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &StorageError{Op: log.OpLoad, Err: err}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		s.logger.Warn("Ledger file is empty, starting fresh", "path", s.path)
		return nil
	}

	users, err := decodeDocument(data)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		s.logger.Warn("Ledger file is corrupt, starting fresh",
			"path", s.path, "moved_to", aside, log.FieldError, err)
		if rerr := os.Rename(s.path, aside); rerr != nil {
			return &StorageError{Op: log.OpLoad, Err: fmt.Errorf("move corrupt ledger aside: %w", rerr)}
		}
		return nil
	}

	for id, rec := range users {
		if want := recompute(rec.Transactions); !rec.Balance.Equal(want) {
			s.logger.Warn("Stored balance disagrees with transactions, using recomputed value",
				log.FieldUserID, id, "stored", rec.Balance.String(), "recomputed", want.String())
			rec.Balance = want
		}
	}
	s.users = users
	return nil
}

func decodeDocument(data []byte) (map[string]*core.UserRecord, error) {
	var doc map[string]*core.UserRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	users := make(map[string]*core.UserRecord, len(doc))
	for id, rec := range doc {
		if id == "" || rec == nil {
			return nil, fmt.Errorf("invalid record for user %q", id)
		}
		for i, tx := range rec.Transactions {
			if err := tx.Validate(); err != nil {
				return nil, fmt.Errorf("user %s transaction %d: %w", id, i, err)
			}
		}
		rec.UserID = id
		if rec.Transactions == nil {
			rec.Transactions = []core.Transaction{}
		}
		users[id] = rec
	}
	return users, nil
}

func recompute(txs []core.Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Signed())
	}
	return total
}

// persistWith writes the current document with rec stored under userID.
// The caller must hold the write lock. s.users is left untouched.
func (s *FileStore) persistWith(userID string, rec *core.UserRecord) error {
	next := make(map[string]*core.UserRecord, len(s.users)+1)
	maps.Copy(next, s.users)
	next[userID] = rec

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return s.write(s.path, data)
}

func (s *FileStore) GetOrCreate(ctx context.Context, userID string) (core.UserRecord, error) {
	if userID == "" {
		return core.UserRecord{}, core.ErrEmptyUserID
	}
	if rec, ok, err := s.Lookup(ctx, userID); err != nil || ok {
		return rec, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.UserRecord{}, ErrClosed
	}
	if rec, ok := s.users[userID]; ok {
		return rec.Clone(), nil
	}

	rec := core.NewUserRecord(userID)
	if err := s.persistWith(userID, &rec); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist new user",
			log.NewFields().WithUser(userID).WithOperation(log.OpGetOrCreate).WithError(err).ToSlice()...)
		return core.UserRecord{}, &StorageError{Op: log.OpGetOrCreate, Err: err}
	}
	s.users[userID] = &rec

	s.logger.InfoContext(ctx, "User ledger created", log.FieldUserID, userID)
	return rec.Clone(), nil
}

func (s *FileStore) Append(ctx context.Context, userID string, tx core.Transaction) (core.Transaction, error) {
	if err := ValidateAppend(userID, tx); err != nil {
		return core.Transaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Transaction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Transaction{}, ErrClosed
	}

	var next core.UserRecord
	if cur, ok := s.users[userID]; ok {
		next = cur.Clone()
	} else {
		next = core.NewUserRecord(userID)
	}
	next.Transactions = append(next.Transactions, tx)
	next.Balance = next.Balance.Add(tx.Signed())

	if err := s.persistWith(userID, &next); err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist transaction",
			log.NewFields().
				WithUser(userID).
				WithTransaction(tx.Kind.String(), tx.Category, tx.Amount.String()).
				WithOperation(log.OpAppend).
				WithError(err).
				ToSlice()...)
		return core.Transaction{}, &StorageError{Op: log.OpAppend, Err: err}
	}
	s.users[userID] = &next

	s.logger.DebugContext(ctx, "Transaction appended",
		log.NewFields().
			WithUser(userID).
			WithTransaction(tx.Kind.String(), tx.Category, tx.Amount.String()).
			ToSlice()...)
	return tx, nil
}

func (s *FileStore) Lookup(_ context.Context, userID string) (core.UserRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.UserRecord{}, false, ErrClosed
	}
	rec, ok := s.users[userID]
	if !ok {
		return core.UserRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (s *FileStore) ListTransactions(_ context.Context, userID string) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.users[userID]
	if !ok {
		return []core.Transaction{}, nil
	}
	return slices.Clone(rec.Transactions), nil
}

func (s *FileStore) Recent(_ context.Context, userID string, n int) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.users[userID]
	if !ok {
		return []core.Transaction{}, nil
	}
	return RecentOf(rec.Transactions, n), nil
}

func (s *FileStore) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return decimal.Zero, ErrClosed
	}
	rec, ok := s.users[userID]
	if !ok {
		return decimal.Zero, nil
	}
	return rec.Balance, nil
}

// Close stops accepting operations. Every committed mutation is already on
// disk, so there is nothing left to flush.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.logger.Info("Ledger file closed", "path", s.path, "users", len(s.users))
	}
	return nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, tempPrefix(path)+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

func tempPrefix(path string) string {
	return "." + filepath.Base(path) + ".tmp-"
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// removeStaleTemps deletes temp files left behind by an interrupted write.
func removeStaleTemps(path string, logger *log.Logger) {
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		return
	}
	prefix := tempPrefix(path)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		stale := filepath.Join(filepath.Dir(path), e.Name())
		if err := os.Remove(stale); err == nil {
			logger.Warn("Removed stale ledger temp file", "path", stale)
		}
	}
}
