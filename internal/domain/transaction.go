package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money movement.
type TransactionType string

const (
	Debit  TransactionType = "debit"
	Credit TransactionType = "credit"
)

// ParseTransactionType maps free text onto debit/credit. ok is false when
// the text names neither.
func ParseTransactionType(s string) (TransactionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debit", "dr", "debited", "withdrawal", "outflow":
		return Debit, true
	case "credit", "cr", "credited", "deposit", "inflow":
		return Credit, true
	}
	return "", false
}

// Transaction is a persisted, normalized financial event.
// It is unique per (Owner, Amount, Timestamp, Type).
type Transaction struct {
	ID                  string
	Owner               string
	Type                TransactionType
	Amount              decimal.Decimal
	Timestamp           time.Time
	Narration           string
	Category            string
	BankName            string
	BalanceAfter        *decimal.Decimal
	ReceiptItems        []ReceiptItem
	ManuallyCategorized bool
	SourceMessageID     string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsCategorized reports whether a category has been assigned.
func (t *Transaction) IsCategorized() bool {
	return t.Category != ""
}

// DedupKey is the uniqueness tuple of a transaction.
type DedupKey struct {
	Owner     string
	Amount    string
	Timestamp string
	Type      TransactionType
}

// Key returns the canonical dedup tuple: amount fixed to two decimals and
// timestamp in UTC truncated to the second.
func (t *Transaction) Key() DedupKey {
	return DedupKey{
		Owner:     t.Owner,
		Amount:    t.Amount.StringFixed(2),
		Timestamp: CanonicalTime(t.Timestamp),
		Type:      t.Type,
	}
}

// CanonicalTime renders ts the way it is stored and compared.
func CanonicalTime(ts time.Time) string {
	return ts.UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ReceiptItem is one line of a matched receipt.
type ReceiptItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}
