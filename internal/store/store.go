// Package store defines the persistence contracts shared by the pipeline,
// categorization, reconciliation and receipt services.
package store

import (
	"context"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

// RawMessageStore persists fetched emails and their parse status.
type RawMessageStore interface {
	// CreateRawMessage inserts msg unless (Owner, ExternalID) already exists.
	// msg.ID is filled in either way; created reports whether a row was inserted.
	CreateRawMessage(ctx context.Context, msg *domain.RawMessage) (created bool, err error)
	GetRawMessage(ctx context.Context, id string) (*domain.RawMessage, error)
	UpdateParseResult(ctx context.Context, id string, res domain.ParseResult) error
	DeleteRawMessage(ctx context.Context, id string) error
	ListManualReview(ctx context.Context, owner string) ([]*domain.RawMessage, error)
	ListUnparsed(ctx context.Context, owner string) ([]*domain.RawMessage, error)
}

// RuleStore persists extraction rule programs keyed by bank name.
type RuleStore interface {
	ListRules(ctx context.Context) ([]*domain.ExtractionRule, error)
	// UpsertRule creates or replaces the rule for rule.BankName.
	UpsertRule(ctx context.Context, rule *domain.ExtractionRule) error
}

// TransactionStore persists normalized transactions.
type TransactionStore interface {
	// GetOrCreateTransaction inserts tx unless its dedup key exists. It returns the
	// stored row and whether it was created by this call.
	GetOrCreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error)
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, owner string) ([]*domain.Transaction, error)
	// ListUncategorized returns every transaction of owner without a
	// category, oldest first, however late it was stored.
	ListUncategorized(ctx context.Context, owner string) ([]*domain.Transaction, error)
	// ListByCategory returns owner's transactions in category, oldest first.
	ListByCategory(ctx context.Context, owner, category string) ([]*domain.Transaction, error)
	// ListCategorized returns owner's transactions with a category other than
	// exclude, newest first.
	ListCategorized(ctx context.Context, owner, exclude string) ([]*domain.Transaction, error)
	// AssignCategory sets the category only while the current one equals expect
	// ("" for uncategorized). updated is false when the row had moved on.
	AssignCategory(ctx context.Context, id, category, expect string) (updated bool, err error)
	// SetCategory sets the category and the manual flag unconditionally.
	SetCategory(ctx context.Context, id, category string, manual bool) error
	ClearManualFlag(ctx context.Context, id string) error
	SetReceiptItems(ctx context.Context, id string, items []domain.ReceiptItem) error
	// FindDebitsByAmount returns owner's debits of exactly amount, newest first.
	FindDebitsByAmount(ctx context.Context, owner string, amount decimal.Decimal) ([]*domain.Transaction, error)
	ListOwners(ctx context.Context) ([]string, error)
}

// CategoryStore persists the category list and user keyword maps.
type CategoryStore interface {
	EnsureCategory(ctx context.Context, name string) error
	ListCategories(ctx context.Context) ([]string, error)
	ListKeywordMaps(ctx context.Context, owner string) ([]domain.CategoryKeywordMap, error)
	SaveKeywordMap(ctx context.Context, m domain.CategoryKeywordMap) error
}

// WatermarkStore persists per-user categorization progress.
type WatermarkStore interface {
	// GetWatermark returns the zero time and false when none exists yet.
	GetWatermark(ctx context.Context, owner string) (time.Time, bool, error)
	// AdvanceWatermark moves the watermark forward; earlier values are ignored.
	AdvanceWatermark(ctx context.Context, owner string, ts time.Time) error
}

// FrequencyStore persists item purchase frequency.
type FrequencyStore interface {
	// RecordPurchase records that txID bought item. Repeated calls for the same
	// (owner, item, txID) are no-ops; recorded reports whether this call counted.
	RecordPurchase(ctx context.Context, owner, item, txID string, at time.Time) (recorded bool, err error)
	PurchaseDates(ctx context.Context, owner, item string) ([]time.Time, error)
	SaveItemFrequency(ctx context.Context, f *domain.ItemFrequency) error
	GetItemFrequency(ctx context.Context, owner, item string) (*domain.ItemFrequency, error)
	ListItemFrequencies(ctx context.Context, owner string) ([]*domain.ItemFrequency, error)
}

// ReceiptStore persists uploaded receipts.
type ReceiptStore interface {
	CreateReceipt(ctx context.Context, r *domain.Receipt) error
	GetReceipt(ctx context.Context, id string) (*domain.Receipt, error)
	SaveReceiptExtraction(ctx context.Context, r *domain.Receipt) error
	// LinkReceipt links a receipt to a transaction one-to-one. It returns
	// domain.ErrReceiptAlreadyLinked when either side is already linked.
	LinkReceipt(ctx context.Context, receiptID, txID string) error
	// ListUnlinkedReceipts returns receipts not yet linked to a transaction,
	// processed or not, oldest upload first.
	ListUnlinkedReceipts(ctx context.Context) ([]*domain.Receipt, error)
}

// CredentialStore persists mailbox OAuth tokens per owner.
type CredentialStore interface {
	GetToken(ctx context.Context, owner string) (*oauth2.Token, error)
	SaveToken(ctx context.Context, owner string, tok *oauth2.Token) error
}

// Store is everything the services need from persistence.
type Store interface {
	RawMessageStore
	RuleStore
	TransactionStore
	CategoryStore
	WatermarkStore
	FrequencyStore
	ReceiptStore
	CredentialStore
	Close() error
}
