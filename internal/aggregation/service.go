package aggregation

import (
	"context"
	"fmt"
	"slices"
	"time"

	"finbot/internal/cache"
	"finbot/internal/core"
	"finbot/internal/ledger"
	"finbot/internal/log"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 10 * time.Minute
)

type cachedTotals struct {
	totals []CategoryTotal
	ok     bool
}

// Service answers read-side questions about a user's ledger.
type Service struct {
	store  ledger.Store
	totals *cache.LRUCache[cachedTotals]
	logger *log.Logger
}

func NewService(store ledger.Store, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Service{
		store:  store,
		totals: cache.NewLRUCache[cachedTotals](defaultCacheSize, defaultCacheTTL),
		logger: logger.WithComponent(log.ComponentCache),
	}
}

// The log is append-only, so its length versions a cached entry.
func totalsKey(userID string, kind core.Kind, count int) string {
	return fmt.Sprintf("%s|%s|%d", userID, kind, count)
}

// CategoryTotals returns the user's totals per category of kind. See the
// package function of the same name for ordering and the ok flag.
func (s *Service) CategoryTotals(ctx context.Context, userID string, kind core.Kind) ([]CategoryTotal, bool, error) {
	txs, err := s.store.ListTransactions(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	key := totalsKey(userID, kind, len(txs))
	if hit, found := s.totals.Get(key); found {
		return slices.Clone(hit.totals), hit.ok, nil
	}

	totals, ok := CategoryTotals(txs, kind)
	s.totals.Set(key, cachedTotals{totals: totals, ok: ok})
	return slices.Clone(totals), ok, nil
}

func (s *Service) Summary(ctx context.Context, userID string) (Summary, error) {
	rec, found, err := s.store.Lookup(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if !found {
		return Summarize(nil, Recompute(nil)), nil
	}
	if err := Verify(rec.Transactions, rec.Balance); err != nil {
		s.logger.ErrorContext(ctx, "Ledger balance drift detected",
			log.FieldUserID, userID, log.FieldError, err)
	}
	return Summarize(rec.Transactions, rec.Balance), nil
}

// Recent returns the user's last n transactions, newest first.
func (s *Service) Recent(ctx context.Context, userID string, n int) ([]core.Transaction, error) {
	return s.store.Recent(ctx, userID, n)
}

// Transactions returns the user's full log in commit order.
func (s *Service) Transactions(ctx context.Context, userID string) ([]core.Transaction, error) {
	return s.store.ListTransactions(ctx, userID)
}

// Invalidate drops every cached entry of userID.
func (s *Service) Invalidate(userID string) {
	s.totals.DeletePrefix(userID + "|")
}

// CleanExpired implements cache.Cleaner.
func (s *Service) CleanExpired() int {
	return s.totals.CleanExpired()
}
