// Package cache provides an in-process LRU cache with TTL and a sweeper
// that periodically evicts expired state from registered owners.
package cache

import (
	"context"
	"sync"
	"time"

	"finbot/internal/log"
)

// Cache defines a generic cache interface
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, data T)
	Delete(key string)
	Size() int
}

// Cleaner is anything holding state that can expire: caches, but also the
// conversation engine's idle sessions.
type Cleaner interface {
	CleanExpired() int
}

// Manager sweeps registered cleaners on a fixed interval.
type Manager struct {
	mu       sync.Mutex
	cleaners map[string]Cleaner
	logger   *log.Logger
}

func NewManager(logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	return &Manager{
		cleaners: make(map[string]Cleaner),
		logger:   logger.WithComponent(log.ComponentCache),
	}
}

// Register adds a cleaner under name, replacing any previous one.
func (m *Manager) Register(name string, c Cleaner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleaners[name] = c
}

// Sweep runs every cleaner once and returns the number of evictions per
// cleaner name.
func (m *Manager) Sweep() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.cleaners))
	for name, c := range m.cleaners {
		out[name] = c.CleanExpired()
	}
	return out
}

// Run sweeps every interval until ctx is done. It always returns nil so it
// can sit in an errgroup next to the servers.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Cache sweeper started", "interval", interval)
	for {
		select {
		case <-ticker.C:
			for name, n := range m.Sweep() {
				if n > 0 {
					m.logger.Debug("Evicted expired entries", "cleaner", name, log.FieldExpired, n)
				}
			}
		case <-ctx.Done():
			m.logger.Info("Cache sweeper stopped")
			return nil
		}
	}
}
