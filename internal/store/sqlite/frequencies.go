package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
)

// RecordPurchase implements store.FrequencyStore.
func (s *Store) RecordPurchase(ctx context.Context, owner, item, txID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO item_purchases (owner, item_description, transaction_id, purchased_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (owner, item_description, transaction_id) DO NOTHING`,
		owner, item, txID, formatTime(at))
	if err != nil {
		return false, fmt.Errorf("RecordPurchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("RecordPurchase: rows affected: %w", err)
	}
	return n == 1, nil
}

// PurchaseDates implements store.FrequencyStore.
func (s *Store) PurchaseDates(ctx context.Context, owner, item string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT purchased_at FROM item_purchases
	WHERE owner = ? AND item_description = ? ORDER BY purchased_at`, owner, item)
	if err != nil {
		return nil, fmt.Errorf("PurchaseDates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("PurchaseDates: scan: %w", err)
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("PurchaseDates: parse: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// SaveItemFrequency implements store.FrequencyStore.
func (s *Store) SaveItemFrequency(ctx context.Context, f *domain.ItemFrequency) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO item_frequencies (owner, item_description, purchase_count, last_purchased, frequency, next_predicted)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner, item_description) DO UPDATE SET
	 purchase_count = excluded.purchase_count,
	 last_purchased = excluded.last_purchased,
	 frequency = excluded.frequency,
	 next_predicted = excluded.next_predicted`,
		f.Owner, f.Description, f.PurchaseCount, formatTime(f.LastPurchased), string(f.Frequency), nullTime(f.NextPredicted))
	if err != nil {
		return fmt.Errorf("SaveItemFrequency: %w", err)
	}
	return nil
}

func scanFrequency(row scanner) (*domain.ItemFrequency, error) {
	var (
		f         domain.ItemFrequency
		last, frq string
		next      sql.NullString
	)
	if err := row.Scan(&f.Owner, &f.Description, &f.PurchaseCount, &last, &frq, &next); err != nil {
		return nil, err
	}
	var err error
	if f.LastPurchased, err = parseTime(last); err != nil {
		return nil, err
	}
	if f.NextPredicted, err = parseNullTime(next); err != nil {
		return nil, err
	}
	f.Frequency = domain.PurchaseFrequency(frq)
	return &f, nil
}

const frequencyColumns = `owner, item_description, purchase_count, last_purchased, frequency, next_predicted`

// GetItemFrequency implements store.FrequencyStore.
func (s *Store) GetItemFrequency(ctx context.Context, owner, item string) (*domain.ItemFrequency, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+frequencyColumns+` FROM item_frequencies
	WHERE owner = ? AND item_description = ?`, owner, item)
	f, err := scanFrequency(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("item frequency %s/%s: %w", owner, item, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetItemFrequency: %w", err)
	}
	return f, nil
}

// ListItemFrequencies implements store.FrequencyStore.
func (s *Store) ListItemFrequencies(ctx context.Context, owner string) ([]*domain.ItemFrequency, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+frequencyColumns+` FROM item_frequencies
	WHERE owner = ? ORDER BY item_description`, owner)
	if err != nil {
		return nil, fmt.Errorf("ListItemFrequencies: %w", err)
	}
	defer rows.Close()

	var out []*domain.ItemFrequency
	for rows.Next() {
		f, err := scanFrequency(rows)
		if err != nil {
			return nil, fmt.Errorf("ListItemFrequencies: scan: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
