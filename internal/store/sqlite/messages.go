package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/google/uuid"
)

const messageColumns = `id, owner, external_id, body, subject, sender, fetched_at, sent_at,
	bank_hint, archive_uri, parsed, parse_method, manual_review_needed, extracted`

func scanMessage(row scanner) (*domain.RawMessage, error) {
	var (
		m         domain.RawMessage
		fetchedAt string
		sentAt    sql.NullString
		parsed    int
		review    int
		method    string
		extracted sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Owner, &m.ExternalID, &m.Body, &m.Subject, &m.Sender, &fetchedAt, &sentAt,
		&m.BankHint, &m.ArchiveURI, &parsed, &method, &review, &extracted); err != nil {
		return nil, err
	}
	var err error
	if m.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return nil, fmt.Errorf("fetched_at: %w", err)
	}
	if m.SentAt, err = parseNullTime(sentAt); err != nil {
		return nil, fmt.Errorf("sent_at: %w", err)
	}
	m.Parsed = parsed == 1
	m.ManualReviewNeeded = review == 1
	m.ParseMethod = domain.ParseMethod(method)
	if extracted.Valid {
		m.Extracted = []byte(extracted.String)
	}
	return &m, nil
}

// CreateRawMessage implements store.RawMessageStore.
func (s *Store) CreateRawMessage(ctx context.Context, msg *domain.RawMessage) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.FetchedAt.IsZero() {
		msg.FetchedAt = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO raw_messages (id, owner, external_id, body, subject, sender, fetched_at, sent_at, bank_hint, archive_uri)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (owner, external_id) DO NOTHING`,
		msg.ID, msg.Owner, msg.ExternalID, msg.Body, msg.Subject, msg.Sender,
		formatTime(msg.FetchedAt), nullTime(msg.SentAt), msg.BankHint, msg.ArchiveURI)
	if err != nil {
		return false, fmt.Errorf("CreateRawMessage: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("CreateRawMessage: rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM raw_messages WHERE owner = ? AND external_id = ?`,
		msg.Owner, msg.ExternalID).Scan(&msg.ID); err != nil {
		return false, fmt.Errorf("CreateRawMessage: lookup existing: %w", err)
	}
	return false, nil
}

// GetRawMessage implements store.RawMessageStore.
func (s *Store) GetRawMessage(ctx context.Context, id string) (*domain.RawMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM raw_messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("raw message %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetRawMessage: %w", err)
	}
	return m, nil
}

// UpdateParseResult implements store.RawMessageStore.
func (s *Store) UpdateParseResult(ctx context.Context, id string, r domain.ParseResult) error {
	var extracted sql.NullString
	if len(r.Extracted) > 0 {
		extracted = sql.NullString{String: string(r.Extracted), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE raw_messages SET parsed = ?, parse_method = ?, manual_review_needed = ?, extracted = ?
	WHERE id = ?`,
		boolInt(r.Parsed), string(r.Method), boolInt(r.ManualReviewNeeded), extracted, id)
	if err != nil {
		return fmt.Errorf("UpdateParseResult: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("raw message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DeleteRawMessage implements store.RawMessageStore.
func (s *Store) DeleteRawMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM raw_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteRawMessage: %w", err)
	}
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*domain.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RawMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListManualReview implements store.RawMessageStore. An empty owner lists every owner.
func (s *Store) ListManualReview(ctx context.Context, owner string) ([]*domain.RawMessage, error) {
	out, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM raw_messages
	WHERE manual_review_needed = 1 AND (? = '' OR owner = ?)
	ORDER BY fetched_at`, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("ListManualReview: %w", err)
	}
	return out, nil
}

// ListUnparsed implements store.RawMessageStore. An empty owner lists every owner.
func (s *Store) ListUnparsed(ctx context.Context, owner string) ([]*domain.RawMessage, error) {
	out, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM raw_messages
	WHERE parsed = 0 AND parse_method = '' AND (? = '' OR owner = ?)
	ORDER BY fetched_at`, owner, owner)
	if err != nil {
		return nil, fmt.Errorf("ListUnparsed: %w", err)
	}
	return out, nil
}

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context) ([]*domain.ExtractionRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bank_name, rule_code, created_at, updated_at FROM extraction_rules ORDER BY bank_name`)
	if err != nil {
		return nil, fmt.Errorf("ListRules: %w", err)
	}
	defer rows.Close()

	var out []*domain.ExtractionRule
	for rows.Next() {
		var (
			r                domain.ExtractionRule
			created, updated string
		)
		if err := rows.Scan(&r.BankName, &r.RuleCode, &created, &updated); err != nil {
			return nil, fmt.Errorf("ListRules: scan: %w", err)
		}
		r.CreatedAt, _ = parseTime(created)
		r.UpdatedAt, _ = parseTime(updated)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UpsertRule implements store.RuleStore.
func (s *Store) UpsertRule(ctx context.Context, rule *domain.ExtractionRule) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO extraction_rules (bank_name, rule_code, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (bank_name) DO UPDATE SET
	 rule_code = excluded.rule_code,
	 updated_at = excluded.updated_at`,
		rule.BankName, rule.RuleCode, now, now)
	if err != nil {
		return fmt.Errorf("UpsertRule: %w", err)
	}
	return nil
}
