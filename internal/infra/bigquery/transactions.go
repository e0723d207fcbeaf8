package bigquery

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/alertledger/internal/domain"
)

// TransactionRow is the exported shape of a transaction.
type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	Owner         string `bigquery:"owner"`          // REQUIRED

	Direction  string    `bigquery:"direction"`   // REQUIRED debit|credit
	Amount     *big.Rat  `bigquery:"amount"`      // REQUIRED NUMERIC
	OccurredTS time.Time `bigquery:"occurred_ts"` // REQUIRED

	BalanceAfter *big.Rat `bigquery:"balance_after"` // NULLABLE NUMERIC

	Narration string              `bigquery:"narration"` // REQUIRED
	Category  bigquery.NullString `bigquery:"category"`  // NULLABLE
	BankName  bigquery.NullString `bigquery:"bank_name"` // NULLABLE

	SourceMessageID bigquery.NullString `bigquery:"source_message_id"` // NULLABLE
	ItemCount       int64               `bigquery:"item_count"`

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

func transactionRow(tx *domain.Transaction) *TransactionRow {
	row := &TransactionRow{
		TransactionID:   tx.ID,
		Owner:           tx.Owner,
		Direction:       string(tx.Type),
		Amount:          tx.Amount.Rat(),
		OccurredTS:      tx.Timestamp.UTC(),
		Narration:       tx.Narration,
		Category:        bigquery.NullString{StringVal: tx.Category, Valid: tx.Category != ""},
		BankName:        bigquery.NullString{StringVal: tx.BankName, Valid: tx.BankName != ""},
		SourceMessageID: bigquery.NullString{StringVal: tx.SourceMessageID, Valid: tx.SourceMessageID != ""},
		ItemCount:       int64(len(tx.ReceiptItems)),
		CreatedTS:       tx.CreatedAt.UTC(),
	}
	if tx.BalanceAfter != nil {
		row.BalanceAfter = tx.BalanceAfter.Rat()
	}
	return row
}

// ExportTransactions streams txs into the transactions table. The
// transaction id is used as the insert id, so a retried export within the
// streaming dedup window does not duplicate rows.
func (s *Sink) ExportTransactions(ctx context.Context, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	schema, err := bigquery.InferSchema(TransactionRow{})
	if err != nil {
		return fmt.Errorf("ExportTransactions: infer schema: %w", err)
	}

	savers := make([]*bigquery.StructSaver, 0, len(txs))
	for _, tx := range txs {
		savers = append(savers, &bigquery.StructSaver{
			Struct:   transactionRow(tx),
			Schema:   schema,
			InsertID: tx.ID,
		})
	}

	inserter := s.table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, savers); err != nil {
		return fmt.Errorf("ExportTransactions: inserting rows: %w", err)
	}
	s.log.Debug().Int("rows", len(savers)).Msg("Transactions exported")
	return nil
}
