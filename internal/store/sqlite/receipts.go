package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

const receiptColumns = `id, owner, image_uri, mime_type, uploaded_at, processed, extracted, total,
	receipt_date, items, transaction_id`

func scanReceipt(row scanner) (*domain.Receipt, error) {
	var (
		r                      domain.Receipt
		uploaded               string
		processed              int
		extracted, total, date sql.NullString
		items, txID            sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Owner, &r.ImageURI, &r.MIMEType, &uploaded, &processed, &extracted, &total,
		&date, &items, &txID); err != nil {
		return nil, err
	}
	var err error
	if r.UploadedAt, err = parseTime(uploaded); err != nil {
		return nil, err
	}
	r.Processed = processed == 1
	if extracted.Valid {
		r.Extracted = []byte(extracted.String)
	}
	if total.Valid {
		d, err := decimal.NewFromString(total.String)
		if err != nil {
			return nil, fmt.Errorf("total %q: %w", total.String, err)
		}
		r.Total = &d
	}
	if r.ReceiptDate, err = parseNullTime(date); err != nil {
		return nil, err
	}
	if items.Valid && items.String != "" {
		if err := json.Unmarshal([]byte(items.String), &r.Items); err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
	}
	r.TransactionID = txID.String
	return &r, nil
}

// CreateReceipt implements store.ReceiptStore.
func (s *Store) CreateReceipt(ctx context.Context, r *domain.Receipt) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.UploadedAt.IsZero() {
		r.UploadedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `
	INSERT INTO receipts (id, owner, image_uri, mime_type, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.ImageURI, r.MIMEType, formatTime(r.UploadedAt)); err != nil {
		return fmt.Errorf("CreateReceipt: %w", err)
	}
	return nil
}

// GetReceipt implements store.ReceiptStore.
func (s *Store) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetReceipt: %w", err)
	}
	return r, nil
}

// SaveReceiptExtraction implements store.ReceiptStore.
func (s *Store) SaveReceiptExtraction(ctx context.Context, r *domain.Receipt) error {
	var total sql.NullString
	if r.Total != nil {
		total = sql.NullString{String: r.Total.StringFixed(2), Valid: true}
	}
	items, err := json.Marshal(r.Items)
	if err != nil {
		return fmt.Errorf("SaveReceiptExtraction: marshal items: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE receipts SET processed = 1, extracted = ?, total = ?, receipt_date = ?, items = ?
	WHERE id = ?`,
		nullString(string(r.Extracted)), total, nullTime(r.ReceiptDate), string(items), r.ID)
	if err != nil {
		return fmt.Errorf("SaveReceiptExtraction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("receipt %s: %w", r.ID, domain.ErrNotFound)
	}
	return nil
}

// LinkReceipt implements store.ReceiptStore. The UNIQUE transaction_id column
// rejects a second receipt for the same transaction.
func (s *Store) LinkReceipt(ctx context.Context, receiptID, txID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE receipts SET transaction_id = ? WHERE id = ? AND transaction_id IS NULL`, txID, receiptID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrReceiptAlreadyLinked
		}
		return fmt.Errorf("LinkReceipt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetReceipt(ctx, receiptID); err != nil {
			return err
		}
		return domain.ErrReceiptAlreadyLinked
	}
	return nil
}

// ListUnlinkedReceipts implements store.ReceiptStore.
func (s *Store) ListUnlinkedReceipts(ctx context.Context) ([]*domain.Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts
	WHERE transaction_id IS NULL ORDER BY uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("ListUnlinkedReceipts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUnlinkedReceipts: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetToken implements store.CredentialStore.
func (s *Store) GetToken(ctx context.Context, owner string) (*oauth2.Token, error) {
	var (
		tok    oauth2.Token
		expiry sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
	SELECT access_token, refresh_token, token_type, expiry FROM mail_credentials WHERE owner = ?`, owner).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mail token %s: %w", owner, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetToken: %w", err)
	}
	exp, err := parseNullTime(expiry)
	if err != nil {
		return nil, fmt.Errorf("GetToken: expiry: %w", err)
	}
	if exp != nil {
		tok.Expiry = *exp
	}
	return &tok, nil
}

// SaveToken implements store.CredentialStore.
func (s *Store) SaveToken(ctx context.Context, owner string, tok *oauth2.Token) error {
	exp := tok.Expiry
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO mail_credentials (owner, access_token, refresh_token, token_type, expiry)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT (owner) DO UPDATE SET
	 access_token = excluded.access_token,
	 refresh_token = CASE WHEN excluded.refresh_token = '' THEN mail_credentials.refresh_token ELSE excluded.refresh_token END,
	 token_type = excluded.token_type,
	 expiry = excluded.expiry`,
		owner, tok.AccessToken, tok.RefreshToken, tok.TokenType, nullTime(&exp))
	if err != nil {
		return fmt.Errorf("SaveToken: %w", err)
	}
	return nil
}
