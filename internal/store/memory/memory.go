// Package memory is an in-process implementation of store.Store.
// It is safe for concurrent use; every read returns a copy.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
)

type ownerExternal struct {
	owner, external string
}

type ownerItem struct {
	owner, item string
}

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	messages   map[string]*domain.RawMessage
	externalID map[ownerExternal]string

	rules map[string]*domain.ExtractionRule

	transactions map[string]*domain.Transaction
	dedup        map[domain.DedupKey]string

	categories map[string]struct{}
	keywords   map[ownerItem]domain.CategoryKeywordMap
	watermarks map[string]time.Time

	purchases   map[ownerItem]map[string]time.Time
	frequencies map[ownerItem]*domain.ItemFrequency

	receipts     map[string]*domain.Receipt
	receiptForTx map[string]string

	tokens map[string]*oauth2.Token

	now func() time.Time
}

// New creates an empty store seeded with the default categories.
func New() *Store {
	s := &Store{
		messages:     make(map[string]*domain.RawMessage),
		externalID:   make(map[ownerExternal]string),
		rules:        make(map[string]*domain.ExtractionRule),
		transactions: make(map[string]*domain.Transaction),
		dedup:        make(map[domain.DedupKey]string),
		categories:   make(map[string]struct{}),
		keywords:     make(map[ownerItem]domain.CategoryKeywordMap),
		watermarks:   make(map[string]time.Time),
		purchases:    make(map[ownerItem]map[string]time.Time),
		frequencies:  make(map[ownerItem]*domain.ItemFrequency),
		receipts:     make(map[string]*domain.Receipt),
		receiptForTx: make(map[string]string),
		tokens:       make(map[string]*oauth2.Token),
		now:          time.Now,
	}
	for _, c := range domain.DefaultCategories {
		s.categories[c] = struct{}{}
	}
	return s
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

func copyMessage(m *domain.RawMessage) *domain.RawMessage {
	c := *m
	c.Extracted = append([]byte(nil), m.Extracted...)
	return &c
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	c.ReceiptItems = append([]domain.ReceiptItem(nil), t.ReceiptItems...)
	return &c
}

// CreateRawMessage implements store.RawMessageStore.
func (s *Store) CreateRawMessage(ctx context.Context, msg *domain.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerExternal{msg.Owner, msg.ExternalID}
	if id, ok := s.externalID[key]; ok {
		msg.ID = id
		return false, nil
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.FetchedAt.IsZero() {
		msg.FetchedAt = s.now()
	}
	s.messages[msg.ID] = copyMessage(msg)
	s.externalID[key] = msg.ID
	return true, nil
}

// GetRawMessage implements store.RawMessageStore.
func (s *Store) GetRawMessage(ctx context.Context, id string) (*domain.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("raw message %s: %w", id, domain.ErrNotFound)
	}
	return copyMessage(m), nil
}

// UpdateParseResult implements store.RawMessageStore.
func (s *Store) UpdateParseResult(ctx context.Context, id string, res domain.ParseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("raw message %s: %w", id, domain.ErrNotFound)
	}
	m.Parsed = res.Parsed
	m.ParseMethod = res.Method
	m.ManualReviewNeeded = res.ManualReviewNeeded
	m.Extracted = append([]byte(nil), res.Extracted...)
	return nil
}

// DeleteRawMessage implements store.RawMessageStore.
func (s *Store) DeleteRawMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	delete(s.externalID, ownerExternal{m.Owner, m.ExternalID})
	delete(s.messages, id)
	return nil
}

func (s *Store) listMessages(owner string, keep func(*domain.RawMessage) bool) []*domain.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.RawMessage
	for _, m := range s.messages {
		if owner != "" && m.Owner != owner {
			continue
		}
		if keep(m) {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	return out
}

// ListManualReview implements store.RawMessageStore.
func (s *Store) ListManualReview(ctx context.Context, owner string) ([]*domain.RawMessage, error) {
	return s.listMessages(owner, func(m *domain.RawMessage) bool { return m.ManualReviewNeeded }), nil
}

// ListUnparsed implements store.RawMessageStore.
func (s *Store) ListUnparsed(ctx context.Context, owner string) ([]*domain.RawMessage, error) {
	return s.listMessages(owner, func(m *domain.RawMessage) bool {
		return !m.Parsed && m.ParseMethod == domain.ParseMethodNone
	}), nil
}

// ListRules implements store.RuleStore.
func (s *Store) ListRules(ctx context.Context) ([]*domain.ExtractionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ExtractionRule, 0, len(s.rules))
	for _, r := range s.rules {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BankName < out[j].BankName })
	return out, nil
}

// UpsertRule implements store.RuleStore.
func (s *Store) UpsertRule(ctx context.Context, rule *domain.ExtractionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.rules[rule.BankName]; ok {
		existing.RuleCode = rule.RuleCode
		existing.UpdatedAt = now
		return nil
	}
	c := *rule
	c.CreatedAt, c.UpdatedAt = now, now
	s.rules[rule.BankName] = &c
	return nil
}

// GetOrCreateTransaction implements store.TransactionStore.
func (s *Store) GetOrCreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tx.Key()
	if id, ok := s.dedup[key]; ok {
		return copyTransaction(s.transactions[id]), false, nil
	}

	c := copyTransaction(tx)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Amount = decimal.RequireFromString(key.Amount)
	c.Timestamp = c.Timestamp.UTC().Truncate(time.Second)
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	s.transactions[c.ID] = c
	s.dedup[key] = c.ID
	return copyTransaction(c), true, nil
}

// GetTransaction implements store.TransactionStore.
func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	return copyTransaction(t), nil
}

func (s *Store) listTransactions(owner string, keep func(*domain.Transaction) bool, newestFirst bool) []*domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Transaction
	for _, t := range s.transactions {
		if t.Owner == owner && keep(t) {
			out = append(out, copyTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ListTransactions implements store.TransactionStore.
func (s *Store) ListTransactions(ctx context.Context, owner string) ([]*domain.Transaction, error) {
	return s.listTransactions(owner, func(*domain.Transaction) bool { return true }, false), nil
}

// ListUncategorized implements store.TransactionStore.
func (s *Store) ListUncategorized(ctx context.Context, owner string) ([]*domain.Transaction, error) {
	return s.listTransactions(owner, func(t *domain.Transaction) bool { return t.Category == "" }, false), nil
}

// ListByCategory implements store.TransactionStore.
func (s *Store) ListByCategory(ctx context.Context, owner, category string) ([]*domain.Transaction, error) {
	return s.listTransactions(owner, func(t *domain.Transaction) bool { return t.Category == category }, false), nil
}

// ListCategorized implements store.TransactionStore.
func (s *Store) ListCategorized(ctx context.Context, owner, exclude string) ([]*domain.Transaction, error) {
	return s.listTransactions(owner, func(t *domain.Transaction) bool {
		return t.Category != "" && t.Category != exclude
	}, true), nil
}

// AssignCategory implements store.TransactionStore.
func (s *Store) AssignCategory(ctx context.Context, id, category, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return false, fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	if t.Category != expect {
		return false, nil
	}
	t.Category = category
	t.UpdatedAt = s.now()
	return true, nil
}

// SetCategory implements store.TransactionStore.
func (s *Store) SetCategory(ctx context.Context, id, category string, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	t.Category = category
	t.ManuallyCategorized = manual
	t.UpdatedAt = s.now()
	return nil
}

// ClearManualFlag implements store.TransactionStore.
func (s *Store) ClearManualFlag(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	t.ManuallyCategorized = false
	return nil
}

// SetReceiptItems implements store.TransactionStore.
func (s *Store) SetReceiptItems(ctx context.Context, id string, items []domain.ReceiptItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, domain.ErrNotFound)
	}
	t.ReceiptItems = append([]domain.ReceiptItem(nil), items...)
	t.UpdatedAt = s.now()
	return nil
}

// FindDebitsByAmount implements store.TransactionStore.
func (s *Store) FindDebitsByAmount(ctx context.Context, owner string, amount decimal.Decimal) ([]*domain.Transaction, error) {
	return s.listTransactions(owner, func(t *domain.Transaction) bool {
		return t.Type == domain.Debit && t.Amount.Equal(amount)
	}, true), nil
}

// ListOwners implements store.TransactionStore.
func (s *Store) ListOwners(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, t := range s.transactions {
		seen[t.Owner] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for o := range seen {
		out = append(out, o)
	}
	sort.Strings(out)
	return out, nil
}

// EnsureCategory implements store.CategoryStore.
func (s *Store) EnsureCategory(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.categories[name] = struct{}{}
	return nil
}

// ListCategories implements store.CategoryStore.
func (s *Store) ListCategories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.categories))
	for c := range s.categories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// ListKeywordMaps implements store.CategoryStore.
func (s *Store) ListKeywordMaps(ctx context.Context, owner string) ([]domain.CategoryKeywordMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.CategoryKeywordMap
	for k, m := range s.keywords {
		if k.owner == owner {
			m.Keywords = append([]string(nil), m.Keywords...)
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// SaveKeywordMap implements store.CategoryStore.
func (s *Store) SaveKeywordMap(ctx context.Context, m domain.CategoryKeywordMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Keywords = append([]string(nil), m.Keywords...)
	s.keywords[ownerItem{m.Owner, m.Category}] = m
	s.categories[m.Category] = struct{}{}
	return nil
}

// GetWatermark implements store.WatermarkStore.
func (s *Store) GetWatermark(ctx context.Context, owner string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts, ok := s.watermarks[owner]
	return ts, ok, nil
}

// AdvanceWatermark implements store.WatermarkStore.
func (s *Store) AdvanceWatermark(ctx context.Context, owner string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.watermarks[owner]; ok && !ts.After(cur) {
		return nil
	}
	s.watermarks[owner] = ts
	return nil
}

// RecordPurchase implements store.FrequencyStore.
func (s *Store) RecordPurchase(ctx context.Context, owner, item, txID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerItem{owner, item}
	byTx, ok := s.purchases[key]
	if !ok {
		byTx = make(map[string]time.Time)
		s.purchases[key] = byTx
	}
	if _, seen := byTx[txID]; seen {
		return false, nil
	}
	byTx[txID] = at
	return true, nil
}

// PurchaseDates implements store.FrequencyStore.
func (s *Store) PurchaseDates(ctx context.Context, owner, item string) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []time.Time
	for _, at := range s.purchases[ownerItem{owner, item}] {
		out = append(out, at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// SaveItemFrequency implements store.FrequencyStore.
func (s *Store) SaveItemFrequency(ctx context.Context, f *domain.ItemFrequency) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *f
	s.frequencies[ownerItem{f.Owner, f.Description}] = &c
	return nil
}

// GetItemFrequency implements store.FrequencyStore.
func (s *Store) GetItemFrequency(ctx context.Context, owner, item string) (*domain.ItemFrequency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.frequencies[ownerItem{owner, item}]
	if !ok {
		return nil, fmt.Errorf("item frequency %s/%s: %w", owner, item, domain.ErrNotFound)
	}
	c := *f
	return &c, nil
}

// ListItemFrequencies implements store.FrequencyStore.
func (s *Store) ListItemFrequencies(ctx context.Context, owner string) ([]*domain.ItemFrequency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.ItemFrequency
	for k, f := range s.frequencies {
		if k.owner == owner {
			c := *f
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out, nil
}

// CreateReceipt implements store.ReceiptStore.
func (s *Store) CreateReceipt(ctx context.Context, r *domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.UploadedAt.IsZero() {
		r.UploadedAt = s.now()
	}
	c := *r
	s.receipts[r.ID] = &c
	return nil
}

// GetReceipt implements store.ReceiptStore.
func (s *Store) GetReceipt(ctx context.Context, id string) (*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.receipts[id]
	if !ok {
		return nil, fmt.Errorf("receipt %s: %w", id, domain.ErrNotFound)
	}
	c := *r
	c.Items = append([]domain.ReceiptItem(nil), r.Items...)
	return &c, nil
}

// SaveReceiptExtraction implements store.ReceiptStore.
func (s *Store) SaveReceiptExtraction(ctx context.Context, r *domain.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.receipts[r.ID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", r.ID, domain.ErrNotFound)
	}
	existing.Processed = true
	existing.Extracted = append([]byte(nil), r.Extracted...)
	existing.Total = r.Total
	existing.ReceiptDate = r.ReceiptDate
	existing.Items = append([]domain.ReceiptItem(nil), r.Items...)
	return nil
}

// LinkReceipt implements store.ReceiptStore.
func (s *Store) LinkReceipt(ctx context.Context, receiptID, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", receiptID, domain.ErrNotFound)
	}
	if r.TransactionID != "" {
		return domain.ErrReceiptAlreadyLinked
	}
	if _, taken := s.receiptForTx[txID]; taken {
		return domain.ErrReceiptAlreadyLinked
	}
	r.TransactionID = txID
	s.receiptForTx[txID] = receiptID
	return nil
}

// ListUnlinkedReceipts implements store.ReceiptStore.
func (s *Store) ListUnlinkedReceipts(ctx context.Context) ([]*domain.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Receipt
	for _, r := range s.receipts {
		if r.TransactionID == "" {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

// GetToken implements store.CredentialStore.
func (s *Store) GetToken(ctx context.Context, owner string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[owner]
	if !ok {
		return nil, fmt.Errorf("mail token %s: %w", owner, domain.ErrNotFound)
	}
	c := *tok
	return &c, nil
}

// SaveToken implements store.CredentialStore.
func (s *Store) SaveToken(ctx context.Context, owner string, tok *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *tok
	s.tokens[owner] = &c
	return nil
}

var _ store.Store = (*Store)(nil)
