package pipeline

import (
	"context"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/store"
)

// Store is the persistence the processor needs.
type Store interface {
	store.RawMessageStore
	store.TransactionStore
}

// AICapability is the subset of the AI client used by extraction.
// A nil AICapability disables the rule-synthesis and AI tiers.
type AICapability interface {
	Extract(ctx context.Context, text string) (domain.ExtractedFields, error)
	Recover(ctx context.Context, fragment string) (domain.ExtractedFields, error)
	GenerateRule(ctx context.Context, html, bank string) (string, error)
}

// AuditSink receives one record per pipeline pass.
type AuditSink interface {
	RecordRun(ctx context.Context, run *domain.ExtractionRun) error
}

// ExportSink receives newly created transactions.
type ExportSink interface {
	ExportTransactions(ctx context.Context, txs []*domain.Transaction) error
}

// Listener is told about every newly created transaction.
type Listener interface {
	TransactionCreated(ctx context.Context, tx *domain.Transaction)
}
