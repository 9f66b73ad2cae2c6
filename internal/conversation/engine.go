// Package conversation runs the per-user dialogue that collects a
// transaction step by step: kind, category, amount, then description.
//
// Each user has one session. Operations for the same user are applied one
// at a time in the order they arrive, including the final ledger commit;
// different users proceed independently.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"finbot/internal/core"
	"finbot/internal/log"
)

const (
	Idle Stage = iota
	AwaitingCategory
	AwaitingAmount
	AwaitingDescription
)

type (
	Stage int

	// Pending is the partially entered transaction.
	Pending struct {
		Kind     core.Kind
		Category string
		Amount   decimal.Decimal
	}

	Session struct {
		Stage        Stage
		Pending      Pending
		LastActivity time.Time
		// Expired is set when the sweeper reset an abandoned dialogue; the
		// next out-of-stage operation reports ErrSessionExpired once.
		Expired bool
	}
)

var (
	// ErrProtocol rejects an operation that the current stage does not accept.
	ErrProtocol = errors.New("operation not allowed in current stage")
	// ErrSessionExpired is a protocol error for a dialogue that timed out.
	ErrSessionExpired = fmt.Errorf("%w: session expired", ErrProtocol)
)

func (s Stage) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCategory:
		return "awaiting_category"
	case AwaitingAmount:
		return "awaiting_amount"
	case AwaitingDescription:
		return "awaiting_description"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Ledger is what the engine needs from the store.
type Ledger interface {
	GetOrCreate(ctx context.Context, userID string) (core.UserRecord, error)
	Append(ctx context.Context, userID string, tx core.Transaction) (core.Transaction, error)
}

type Config struct {
	// SessionTTL bounds how long a dialogue may sit untouched. Zero disables
	// expiry.
	SessionTTL time.Duration
	Now        func() time.Time
	Logger     *log.Logger
}

func DefaultConfig() Config {
	return Config{
		SessionTTL: 30 * time.Minute,
		Now:        time.Now,
	}
}

type entry struct {
	mu      sync.Mutex
	session Session
	evicted bool
}

type Engine struct {
	ledger Ledger
	ttl    time.Duration
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

func NewEngine(l Ledger, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.DefaultConfig())
	}
	return &Engine{
		ledger:  l,
		ttl:     cfg.SessionTTL,
		now:     cfg.Now,
		logger:  cfg.Logger.WithComponent(log.ComponentConversation),
		entries: make(map[string]*entry),
	}
}

// acquire returns the user's entry locked. The caller must unlock it.
func (e *Engine) acquire(userID string) *entry {
	for {
		e.mu.Lock()
		en, ok := e.entries[userID]
		if !ok {
			en = &entry{session: Session{Stage: Idle, LastActivity: e.now()}}
			e.entries[userID] = en
		}
		e.mu.Unlock()

		en.mu.Lock()
		if !en.evicted {
			e.expire(userID, en)
			return en
		}
		// Swept between lookup and lock; retry with a fresh entry.
		en.mu.Unlock()
	}
}

func (e *Engine) expired(s Session) bool {
	return e.ttl > 0 && s.Stage != Idle && e.now().Sub(s.LastActivity) > e.ttl
}

// expire resets an abandoned dialogue. Caller holds en.mu.
func (e *Engine) expire(userID string, en *entry) bool {
	if !e.expired(en.session) {
		return false
	}
	e.logger.Info("Session expired",
		log.FieldUserID, userID, log.FieldStage, en.session.Stage.String())
	en.session = Session{Stage: Idle, LastActivity: e.now(), Expired: true}
	return true
}

// step runs fn on the user's session under the user's lock. want is the
// stage fn requires.
func (e *Engine) step(userID, op string, want Stage, fn func(s *Session) error) error {
	if userID == "" {
		return core.ErrEmptyUserID
	}
	en := e.acquire(userID)
	defer en.mu.Unlock()

	if err := e.check(&en.session, op, want); err != nil {
		e.logger.Warn("Rejected out-of-stage operation",
			log.FieldUserID, userID,
			log.FieldOperation, op,
			log.FieldStage, en.session.Stage.String())
		return err
	}
	return fn(&en.session)
}

func (e *Engine) check(s *Session, op string, want Stage) error {
	if s.Stage == want {
		return nil
	}
	if s.Expired && s.Stage == Idle {
		s.Expired = false
		return fmt.Errorf("%s: %w", op, ErrSessionExpired)
	}
	return fmt.Errorf("%s in stage %s: %w", op, s.Stage, ErrProtocol)
}

func (e *Engine) touch(s *Session) {
	s.LastActivity = e.now()
	s.Expired = false
}

func (e *Engine) reset(s *Session) {
	*s = Session{Stage: Idle, LastActivity: e.now()}
}

// Begin starts a dialogue for a transaction of kind and returns the user's
// categories of that kind for display. The user record is created if it
// does not exist yet.
func (e *Engine) Begin(ctx context.Context, userID string, kind core.Kind) ([]string, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	var categories []string
	err := e.step(userID, log.OpBegin, Idle, func(s *Session) error {
		rec, err := e.ledger.GetOrCreate(ctx, userID)
		if err != nil {
			return err
		}
		categories = rec.Categories.For(kind)

		s.Stage = AwaitingCategory
		s.Pending = Pending{Kind: kind}
		e.touch(s)
		e.logger.DebugContext(ctx, "Dialogue started", log.FieldUserID, userID, log.FieldKind, kind.String())
		return nil
	})
	return categories, err
}

// ChooseCategory accepts any non-blank category name.
func (e *Engine) ChooseCategory(_ context.Context, userID, text string) error {
	return e.step(userID, log.OpCategory, AwaitingCategory, func(s *Session) error {
		return e.chooseCategory(s, text)
	})
}

// EnterAmount parses text as a positive amount. Invalid input leaves the
// session waiting for an amount.
func (e *Engine) EnterAmount(_ context.Context, userID, text string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := e.step(userID, log.OpAmount, AwaitingAmount, func(s *Session) (err error) {
		amount, err = e.enterAmount(s, text)
		return err
	})
	return amount, err
}

// EnterDescription commits the pending transaction with text as its
// description and ends the dialogue.
func (e *Engine) EnterDescription(ctx context.Context, userID, text string) (core.Transaction, error) {
	return e.commitStep(ctx, userID, log.OpDescription, strings.TrimSpace(text))
}

// SkipDescription commits the pending transaction with an empty
// description.
func (e *Engine) SkipDescription(ctx context.Context, userID string) (core.Transaction, error) {
	return e.commitStep(ctx, userID, log.OpSkip, "")
}

func (e *Engine) commitStep(ctx context.Context, userID, op, description string) (core.Transaction, error) {
	var committed core.Transaction
	err := e.step(userID, op, AwaitingDescription, func(s *Session) (err error) {
		committed, err = e.commit(ctx, userID, s, description)
		return err
	})
	return committed, err
}

func (e *Engine) chooseCategory(s *Session, text string) error {
	name := strings.TrimSpace(text)
	if name == "" {
		return core.ErrEmptyCategory
	}
	s.Pending.Category = name
	s.Stage = AwaitingAmount
	e.touch(s)
	return nil
}

func (e *Engine) enterAmount(s *Session, text string) (decimal.Decimal, error) {
	e.touch(s)
	amount, err := core.ParseAmount(text)
	if err != nil {
		return decimal.Zero, err
	}
	s.Pending.Amount = amount
	s.Stage = AwaitingDescription
	return amount, nil
}

// commit appends the pending transaction and resets the session. On
// failure the session stays in AwaitingDescription.
func (e *Engine) commit(ctx context.Context, userID string, s *Session, description string) (core.Transaction, error) {
	e.touch(s)
	tx := core.Transaction{
		Kind:        s.Pending.Kind,
		Category:    s.Pending.Category,
		Amount:      s.Pending.Amount,
		Description: description,
		CreatedAt:   e.now(),
	}
	if err := tx.Validate(); err != nil {
		return core.Transaction{}, err
	}

	saved, err := e.ledger.Append(ctx, userID, tx)
	if err != nil {
		e.logger.ErrorContext(ctx, "Commit failed, dialogue kept",
			log.NewFields().
				WithUser(userID).
				WithTransaction(tx.Kind.String(), tx.Category, tx.Amount.String()).
				WithError(err).
				ToSlice()...)
		return core.Transaction{}, err
	}

	e.reset(s)
	e.logger.InfoContext(ctx, "Transaction committed",
		log.NewFields().
			WithUser(userID).
			WithTransaction(saved.Kind.String(), saved.Category, saved.Amount.String()).
			ToSlice()...)
	return saved, nil
}

// withSession runs fn on the user's session under the user's lock without
// a stage check.
func (e *Engine) withSession(userID string, fn func(s *Session) error) error {
	if userID == "" {
		return core.ErrEmptyUserID
	}
	en := e.acquire(userID)
	defer en.mu.Unlock()
	return fn(&en.session)
}

// Cancel abandons the dialogue. It is a protocol error when no dialogue is
// active.
func (e *Engine) Cancel(_ context.Context, userID string) error {
	if userID == "" {
		return core.ErrEmptyUserID
	}
	en := e.acquire(userID)
	defer en.mu.Unlock()

	if en.session.Stage == Idle {
		return e.check(&en.session, log.OpCancel, AwaitingCategory)
	}
	e.logger.Debug("Dialogue cancelled",
		log.FieldUserID, userID, log.FieldStage, en.session.Stage.String())
	e.reset(&en.session)
	return nil
}

// Stage reports the user's current stage; unknown users are Idle.
func (e *Engine) Stage(userID string) Stage {
	return e.Snapshot(userID).Stage
}

// Snapshot returns a copy of the user's session.
func (e *Engine) Snapshot(userID string) Session {
	e.mu.Lock()
	en, ok := e.entries[userID]
	e.mu.Unlock()
	if !ok {
		return Session{Stage: Idle}
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if en.evicted {
		return Session{Stage: Idle}
	}
	if e.expired(en.session) {
		return Session{Stage: Idle, Expired: true}
	}
	return en.session
}

// CleanExpired resets abandoned dialogues and drops idle sessions that have
// not been touched for a full TTL. It returns the number of dialogues
// reset. Sessions busy with an operation are skipped until the next sweep.
func (e *Engine) CleanExpired() int {
	if e.ttl <= 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	reset := 0
	for userID, en := range e.entries {
		if !en.mu.TryLock() {
			continue
		}
		switch {
		case e.expire(userID, en):
			reset++
		case en.session.Stage == Idle && e.now().Sub(en.session.LastActivity) > e.ttl:
			en.evicted = true
			delete(e.entries, userID)
		}
		en.mu.Unlock()
	}
	return reset
}

// Sessions returns the number of sessions held in memory.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
