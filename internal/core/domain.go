package core

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  Kind = "income"
	Expense Kind = "expense"
)

type (
	// Kind discriminates income from expense transactions.
	Kind string

	Transaction struct {
		Kind        Kind            `json:"kind"`
		Category    string          `json:"category"`
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
		CreatedAt   time.Time       `json:"createdAt"`
	}

	// Categories holds the category names offered to a user for each kind.
	// The sets are advisory: transactions may carry any category name.
	Categories struct {
		Income  []string `json:"income"`
		Expense []string `json:"expense"`
	}

	// UserRecord is the ledger of a single user. Balance always equals the
	// sum of income minus the sum of expenses over Transactions.
	UserRecord struct {
		UserID       string          `json:"-"`
		Transactions []Transaction   `json:"transactions"`
		Balance      decimal.Decimal `json:"balance"`
		Categories   Categories      `json:"categories"`
	}
)

var (
	ErrInvalidKind     = errors.New("invalid transaction kind")
	ErrInvalidAmount   = errors.New("amount must be a positive number")
	ErrEmptyCategory   = errors.New("empty category")
	ErrEmptyUserID     = errors.New("empty user id")
	ErrDescriptionSize = errors.New("description too long (max 500 characters)")

	// ErrMissingTimestamp is a caller bug, not user input, so
	// IsValidationError does not match it.
	ErrMissingTimestamp = errors.New("transaction created_at is required")
)

const MaxDescriptionLength = 500

// ParseKind accepts "income" or "expense", case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

func (k Kind) Validate() error {
	switch k {
	case Income, Expense:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, string(k))
	}
}

func (k Kind) String() string { return string(k) }

// Signed returns the amount as it affects the balance: positive for
// income, negative for expenses.
func (t Transaction) Signed() decimal.Decimal {
	if t.Kind == Expense {
		return t.Amount.Neg()
	}
	return t.Amount
}

func (t Transaction) Validate() error {
	if err := t.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if len([]rune(t.Description)) > MaxDescriptionLength {
		return ErrDescriptionSize
	}
	return nil
}

// DefaultCategories returns the category sets a new user starts with.
func DefaultCategories() Categories {
	return Categories{
		Income:  []string{"salary", "freelance", "investments", "gift"},
		Expense: []string{"food", "transport", "entertainment", "housing", "health"},
	}
}

// For returns the category names of the given kind.
func (c Categories) For(k Kind) []string {
	if k == Income {
		return slices.Clone(c.Income)
	}
	return slices.Clone(c.Expense)
}

// Contains reports whether name is one of the configured categories of kind k.
func (c Categories) Contains(k Kind, name string) bool {
	return slices.Contains(c.For(k), name)
}

// NewUserRecord returns an empty record with default categories.
func NewUserRecord(userID string) UserRecord {
	return UserRecord{
		UserID:       userID,
		Transactions: []Transaction{},
		Balance:      decimal.Zero,
		Categories:   DefaultCategories(),
	}
}

// Clone returns a deep copy; callers may mutate it freely.
func (r UserRecord) Clone() UserRecord {
	out := r
	out.Transactions = slices.Clone(r.Transactions)
	if out.Transactions == nil {
		out.Transactions = []Transaction{}
	}
	out.Categories = Categories{
		Income:  slices.Clone(r.Categories.Income),
		Expense: slices.Clone(r.Categories.Expense),
	}
	return out
}

// IsValidationError reports whether err is a user input problem that the
// caller should report and re-prompt for.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrEmptyCategory) ||
		errors.Is(err, ErrInvalidKind) ||
		errors.Is(err, ErrDescriptionSize)
}
