package core

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	Income  TransactionType = "INCOME"
	Expense TransactionType = "EXPENSE"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// DefaultCategories seed the category list when the backend has none yet.
// Categories are free-form strings; this is only the bootstrap set.
var DefaultCategories = []string{
	"Bird Sales",
	"Egg Sales",
	"Feed",
	"Medicine",
	"Chicks",
	"Equipment",
	"Utilities",
	"Other",
}

// FallbackAdmin is the built-in account substituted when the user collection
// cannot be fetched or comes back malformed, so an operator can always log in
// and fix the backend configuration.
var FallbackAdmin = User{Username: "admin", Password: "123", Role: RoleAdmin}

type (
	TransactionType string

	// Transaction is one income or expense record in a ledger. JSON tags
	// follow the spreadsheet endpoint contract.
	Transaction struct {
		ID        string          `json:"id"`
		Date      string          `json:"date"` // YYYY-MM-DD
		Type      TransactionType `json:"type"`
		Category  string          `json:"category"`
		Amount    int64           `json:"amount"` // Quantity * UnitPrice
		Quantity  float64         `json:"quantity"`
		UnitPrice float64         `json:"unitPrice"`
		Note      string          `json:"note"`
		Timestamp int64           `json:"timestamp"` // epoch millis
	}

	User struct {
		Username string `json:"username"`
		Password string `json:"password,omitempty"` // plaintext, backend contract
		Role     string `json:"role"`
	}
)

var (
	ErrInvalidType    = errors.New("invalid transaction type")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInvalidDate    = errors.New("invalid date")
	ErrEmptyCategory  = errors.New("empty category")
	ErrEmptyID        = errors.New("empty transaction id")
	ErrEmptyUsername  = errors.New("empty username")
	ErrEmptyPassword  = errors.New("empty password")
	ErrInvalidRole    = errors.New("invalid role")
	ErrUserExists     = errors.New("username already exists")
	ErrUserProtected  = errors.New("account is protected from deletion")
	ErrBatchNameEmpty = errors.New("batch name cannot be empty")
	ErrBatchExists    = errors.New("batch name already exists")
	ErrLedgerEmpty    = errors.New("cannot close an empty ledger")
)

var dateLayouts = []string{"2006-01-02", "2006-1-2"}

// ParseDate parses a ledger date string. The backend writes YYYY-MM-DD but
// hand-entered rows occasionally drop the zero padding.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidDate
}

// ComputeAmount returns quantity * unitPrice rounded to a whole currency
// unit. Decimal arithmetic avoids float drift on large unit prices.
func ComputeAmount(quantity, unitPrice float64) int64 {
	return decimal.NewFromFloat(quantity).
		Mul(decimal.NewFromFloat(unitPrice)).
		Round(0).
		IntPart()
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrEmptyID
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if _, err := ParseDate(t.Date); err != nil {
		return err
	}
	if strings.TrimSpace(t.Category) == "" {
		return ErrEmptyCategory
	}
	if t.Amount <= 0 {
		return ErrInvalidAmount
	}
	if t.Quantity < 0 || t.UnitPrice < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (u User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return ErrEmptyUsername
	}
	if u.Password == "" {
		return ErrEmptyPassword
	}
	switch u.Role {
	case RoleAdmin, RoleStaff:
		return nil
	default:
		return ErrInvalidRole
	}
}
