package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
)

// EnsureCategory implements store.CategoryStore.
func (s *Store) EnsureCategory(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return fmt.Errorf("EnsureCategory: %w", err)
	}
	return nil
}

// ListCategories implements store.CategoryStore.
func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ListCategories: scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ListKeywordMaps implements store.CategoryStore.
func (s *Store) ListKeywordMaps(ctx context.Context, owner string) ([]domain.CategoryKeywordMap, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, keywords FROM category_keywords WHERE owner = ? ORDER BY category`, owner)
	if err != nil {
		return nil, fmt.Errorf("ListKeywordMaps: %w", err)
	}
	defer rows.Close()

	var out []domain.CategoryKeywordMap
	for rows.Next() {
		m := domain.CategoryKeywordMap{Owner: owner}
		var raw string
		if err := rows.Scan(&m.Category, &raw); err != nil {
			return nil, fmt.Errorf("ListKeywordMaps: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &m.Keywords); err != nil {
			return nil, fmt.Errorf("ListKeywordMaps: keywords for %s: %w", m.Category, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveKeywordMap implements store.CategoryStore.
func (s *Store) SaveKeywordMap(ctx context.Context, m domain.CategoryKeywordMap) error {
	raw, err := json.Marshal(m.Keywords)
	if err != nil {
		return fmt.Errorf("SaveKeywordMap: marshal: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO categories (name) VALUES (?) ON CONFLICT (name) DO NOTHING`, m.Category); err != nil {
			return fmt.Errorf("SaveKeywordMap: category: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO category_keywords (owner, category, keywords) VALUES (?, ?, ?)
		ON CONFLICT (owner, category) DO UPDATE SET keywords = excluded.keywords`,
			m.Owner, m.Category, string(raw)); err != nil {
			return fmt.Errorf("SaveKeywordMap: upsert: %w", err)
		}
		return nil
	})
}

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(ctx context.Context, owner string) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_processed FROM categorization_watermarks WHERE owner = ?`, owner).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("GetWatermark: %w", err)
	}
	ts, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("GetWatermark: parse: %w", err)
	}
	return ts, true, nil
}

// AdvanceWatermark implements store.WatermarkStore. RFC3339 UTC strings order
// chronologically, so MAX keeps the watermark monotonic.
func (s *Store) AdvanceWatermark(ctx context.Context, owner string, ts time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
	INSERT INTO categorization_watermarks (owner, last_processed) VALUES (?, ?)
	ON CONFLICT (owner) DO UPDATE SET last_processed = MAX(last_processed, excluded.last_processed)`,
		owner, formatTime(ts)); err != nil {
		return fmt.Errorf("AdvanceWatermark: %w", err)
	}
	return nil
}
