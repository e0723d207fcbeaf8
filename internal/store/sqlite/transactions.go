package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const transactionColumns = `id, owner, type, amount, timestamp, narration, category, bank_name,
	balance_after, receipt_items, manually_categorized, source_message_id, created_at, updated_at`

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var (
		t                 domain.Transaction
		typ, amount, ts   string
		category, balance sql.NullString
		items             sql.NullString
		manual            int
		created, updated  string
	)
	if err := row.Scan(&t.ID, &t.Owner, &typ, &amount, &ts, &t.Narration, &category, &t.BankName,
		&balance, &items, &manual, &t.SourceMessageID, &created, &updated); err != nil {
		return nil, err
	}

	var err error
	t.Type = domain.TransactionType(typ)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("amount %q: %w", amount, err)
	}
	if t.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	t.Category = category.String
	if balance.Valid {
		b, err := decimal.NewFromString(balance.String)
		if err != nil {
			return nil, fmt.Errorf("balance_after %q: %w", balance.String, err)
		}
		t.BalanceAfter = &b
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &t.ReceiptItems); err != nil {
			return nil, fmt.Errorf("receipt_items: %w", err)
		}
	}
	t.ManuallyCategorized = manual == 1
	t.CreatedAt, _ = parseTime(created)
	t.UpdatedAt, _ = parseTime(updated)
	return &t, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetOrCreateTransaction implements store.TransactionStore. The UNIQUE
// (owner, amount, timestamp, type) constraint decides races between writers.
func (s *Store) GetOrCreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	key := tx.Key()
	id := tx.ID
	if id == "" {
		id = uuid.New().String()
	}

	var balance sql.NullString
	if tx.BalanceAfter != nil {
		balance = sql.NullString{String: tx.BalanceAfter.StringFixed(2), Valid: true}
	}
	var items sql.NullString
	if len(tx.ReceiptItems) > 0 {
		b, err := json.Marshal(tx.ReceiptItems)
		if err != nil {
			return nil, false, fmt.Errorf("GetOrCreateTransaction: marshal items: %w", err)
		}
		items = sql.NullString{String: string(b), Valid: true}
	}
	now := formatTime(s.now())

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO transactions (id, owner, type, amount, timestamp, narration, category, bank_name,
	 balance_after, receipt_items, manually_categorized, source_message_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner, amount, timestamp, type) DO NOTHING`,
		id, key.Owner, string(key.Type), key.Amount, key.Timestamp, tx.Narration, nullString(tx.Category),
		tx.BankName, balance, items, boolInt(tx.ManuallyCategorized), tx.SourceMessageID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("GetOrCreateTransaction: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("GetOrCreateTransaction: rows affected: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? AND amount = ? AND timestamp = ? AND type = ?`,
		key.Owner, key.Amount, key.Timestamp, string(key.Type))
	stored, err := scanTransaction(row)
	if err != nil {
		return nil, false, fmt.Errorf("GetOrCreateTransaction: read back: %w", err)
	}
	return stored, n == 1, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetTransaction: %w", err)
	}
	return t, nil
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, owner string) ([]*domain.Transaction, error) {
	out, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? ORDER BY timestamp, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return out, nil
}

// ListUncategorized implements store.TransactionStore.
func (s *Store) ListUncategorized(ctx context.Context, owner string) ([]*domain.Transaction, error) {
	out, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? AND category IS NULL
	ORDER BY timestamp, id`, owner)
	if err != nil {
		return nil, fmt.Errorf("ListUncategorized: %w", err)
	}
	return out, nil
}

// ListByCategory implements store.TransactionStore.
func (s *Store) ListByCategory(ctx context.Context, owner, category string) ([]*domain.Transaction, error) {
	out, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? AND category = ? ORDER BY timestamp, id`, owner, category)
	if err != nil {
		return nil, fmt.Errorf("ListByCategory: %w", err)
	}
	return out, nil
}

// ListCategorized implements store.TransactionStore.
func (s *Store) ListCategorized(ctx context.Context, owner, exclude string) ([]*domain.Transaction, error) {
	out, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? AND category IS NOT NULL AND category <> ?
	ORDER BY timestamp DESC, id`, owner, exclude)
	if err != nil {
		return nil, fmt.Errorf("ListCategorized: %w", err)
	}
	return out, nil
}

// AssignCategory implements store.TransactionStore.
func (s *Store) AssignCategory(ctx context.Context, id, category, expect string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE transactions SET category = ?, updated_at = ?
	WHERE id = ? AND COALESCE(category, '') = ?`,
		category, formatTime(s.now()), id, expect)
	if err != nil {
		return false, fmt.Errorf("AssignCategory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("AssignCategory: rows affected: %w", err)
	}
	return n == 1, nil
}

// SetCategory implements store.TransactionStore.
func (s *Store) SetCategory(ctx context.Context, id, category string, manual bool) error {
	res, err := s.db.ExecContext(ctx, `
	UPDATE transactions SET category = ?, manually_categorized = ?, updated_at = ?
	WHERE id = ?`,
		nullString(category), boolInt(manual), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("SetCategory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ClearManualFlag implements store.TransactionStore.
func (s *Store) ClearManualFlag(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET manually_categorized = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ClearManualFlag: %w", err)
	}
	return nil
}

// SetReceiptItems implements store.TransactionStore.
func (s *Store) SetReceiptItems(ctx context.Context, id string, items []domain.ReceiptItem) error {
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("SetReceiptItems: marshal: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET receipt_items = ?, updated_at = ? WHERE id = ?`,
		string(b), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("SetReceiptItems: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// FindDebitsByAmount implements store.TransactionStore.
func (s *Store) FindDebitsByAmount(ctx context.Context, owner string, amount decimal.Decimal) ([]*domain.Transaction, error) {
	out, err := s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions
	WHERE owner = ? AND type = 'debit' AND amount = ?
	ORDER BY timestamp DESC, id`, owner, amount.StringFixed(2))
	if err != nil {
		return nil, fmt.Errorf("FindDebitsByAmount: %w", err)
	}
	return out, nil
}

// ListOwners implements store.TransactionStore.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT owner FROM transactions ORDER BY owner`)
	if err != nil {
		return nil, fmt.Errorf("ListOwners: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("ListOwners: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
