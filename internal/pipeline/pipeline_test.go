package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/dvloznov/alertledger/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const airtimeAlert = `<html><body><h3>Debit Alert</h3>
<p>Amount: NGN 5,000.00</p>
<p>Narration: AIRTIME TO 08160226835</p>
<p>Date: 2024-01-02 10:00:00</p>
</body></html>`

const providusTemplate = `<html><body>
<h2>ProvidusBank Transaction Notification</h2>
<table>
<tr><td>Transaction Amount</td><td>NGN %s</td></tr>
<tr><td>Narrative</td><td>%s</td></tr>
<tr><td>Transaction Time</td><td>15/03/2024 14:30:00</td></tr>
</table>
<p>This is a Debit transaction.</p>
</body></html>`

const providusRule = `
bank: Providus Bank
type:
  debit: ["debit transaction"]
  credit: ["credit transaction"]
fields:
  amount:
    - from: label
      label: Transaction Amount
      pattern: 'NGN\s*([\d,]+\.\d{2})'
  narration:
    - from: label
      label: Narrative
  date:
    - from: label
      label: Transaction Time
      date: true
`

type stubAI struct {
	mu sync.Mutex

	extract    domain.ExtractedFields
	extractErr error
	recovered  domain.ExtractedFields
	recoverErr error
	rule       string
	ruleErr    error

	calls map[string]int
}

func (s *stubAI) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *stubAI) hit(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[op]++
}

func (s *stubAI) Extract(ctx context.Context, text string) (domain.ExtractedFields, error) {
	s.hit("extract")
	return s.extract, s.extractErr
}

func (s *stubAI) Recover(ctx context.Context, fragment string) (domain.ExtractedFields, error) {
	s.hit("recover")
	return s.recovered, s.recoverErr
}

func (s *stubAI) GenerateRule(ctx context.Context, html, bank string) (string, error) {
	s.hit("generate")
	return s.rule, s.ruleErr
}

type recordingSinks struct {
	mu      sync.Mutex
	runs    []*domain.ExtractionRun
	created []*domain.Transaction
}

func (r *recordingSinks) RecordRun(ctx context.Context, run *domain.ExtractionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *recordingSinks) TransactionCreated(ctx context.Context, tx *domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, tx)
}

func newTestProcessor(st Store, rs *memory.Store, ai AICapability, sinks *recordingSinks) *Processor {
	opts := Options{Location: time.UTC, Logger: zerolog.Nop()}
	if sinks != nil {
		opts.Audit = sinks
		opts.Listener = sinks
	}
	return NewProcessor(st, rules.NewRegistry(rs, time.Second, zerolog.Nop()), ai, opts)
}

func addMessage(t *testing.T, st *memory.Store, external, body string, sentAt time.Time) string {
	t.Helper()
	msg := &domain.RawMessage{Owner: "u1", ExternalID: external, Body: body, SentAt: &sentAt, BankHint: "OPay"}
	created, err := st.CreateRawMessage(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, created)
	return msg.ID
}

func TestProcessAirtimeAlertStoredOnce(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	sinks := &recordingSinks{}
	p := newTestProcessor(st, st, nil, sinks)
	sent := time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC)

	id := addMessage(t, st, "m1", airtimeAlert, sent)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(ctx, id)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// The same alert delivered again as a separate email.
	id2 := addMessage(t, st, "m2", airtimeAlert, sent)
	res, err := p.Process(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, StatePersisted, res.State)
	assert.False(t, res.Created)

	txs, err := st.ListTransactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, domain.Debit, tx.Type)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("5000.00")))
	assert.Equal(t, "AIRTIME TO 08160226835", tx.Narration)
	assert.True(t, tx.Timestamp.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, "OPay", tx.BankName)
	assert.Len(t, sinks.created, 1)

	msg, err := st.GetRawMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.Parsed)
	assert.Equal(t, domain.ParseMethodRegex, msg.ParseMethod)
	assert.False(t, msg.ManualReviewNeeded)

	var rec extractionRecord
	require.NoError(t, json.Unmarshal(msg.Extracted, &rec))
	assert.Equal(t, "heuristic", rec.Tier)
	assert.Equal(t, "5,000.00", rec.Fields.Amount)
	assert.Equal(t, []State{StateFetched, StateHeuristicMatched, StatePersisted}, rec.States)
}

func TestStoredRulePreferredOverAI(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.UpsertRule(ctx, &domain.ExtractionRule{BankName: "Providus Bank", RuleCode: providusRule}))
	ai := &stubAI{extract: domain.ExtractedFields{Type: "credit", Amount: "1.00", Date: "2024-01-01", Narration: "WRONG"}}
	p := newTestProcessor(st, st, ai, nil)

	id := addMessage(t, st, "m1", fmt.Sprintf(providusTemplate, "12,500.00", "POS SHOPRITE"), time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC))
	res, err := p.Process(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, domain.ParseMethodRule, res.Method)
	assert.Equal(t, []State{StateFetched, StateRuleMatched, StatePersisted}, res.States)
	assert.Equal(t, "Providus Bank", res.Transaction.BankName)
	assert.Equal(t, "POS SHOPRITE", res.Transaction.Narration)
	assert.True(t, res.Transaction.Amount.Equal(decimal.NewFromInt(12500)))
	assert.Equal(t, 0, ai.count("extract"))
	assert.Equal(t, 0, ai.count("generate"))
}

func TestRuleSynthesisPersistsValidatedRule(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ai := &stubAI{rule: providusRule, extractErr: domain.ErrCapabilityUnavailable}
	p := newTestProcessor(st, st, ai, nil)
	sent := time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)

	id := addMessage(t, st, "m1", fmt.Sprintf(providusTemplate, "700.00", "LUNCH"), sent)
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseMethodGenerated, res.Method)
	assert.Equal(t, StatePersisted, res.State)

	stored, err := st.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Providus Bank", stored[0].BankName)

	id = addMessage(t, st, "m2", fmt.Sprintf(providusTemplate, "1,250.00", "DINNER"), sent)
	res, err = p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseMethodRule, res.Method)
	assert.Equal(t, 1, ai.count("generate"))
}

func TestInvalidGeneratedRuleIsNotPersisted(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ai := &stubAI{
		rule:    "bank: [broken",
		extract: domain.ExtractedFields{Type: "debit", Amount: "700.00", Date: "2024-03-15 14:30", Narration: "LUNCH"},
	}
	p := newTestProcessor(st, st, ai, nil)

	id := addMessage(t, st, "m1", fmt.Sprintf(providusTemplate, "700.00", "LUNCH"), time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC))
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseMethodAI, res.Method)
	assert.Equal(t, "Providus Bank", res.Transaction.BankName)

	stored, err := st.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	var rec extractionRecord
	msg, err := st.GetRawMessage(ctx, id)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Extracted, &rec))
	assert.Contains(t, rec.Misses, "generated_rule")
	assert.Contains(t, rec.Misses, "saved_rule")
}

func TestNoiseIsDeleted(t *testing.T) {
	tests := map[string]struct {
		subject, body string
	}{
		"failed transaction narration": {"Debit Alert", `<p>Debit Alert</p><p>Amount: NGN 1,000.00</p><p>Narration: Transaction failed, funds reversed</p><p>Date: 2024-01-02 10:00:00</p>`},
		"login notification":           {"Successful login to your account", `<p>You signed in on 2024-01-02 from a new device.</p>`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New()
			p := newTestProcessor(st, st, nil, nil)

			sent := time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC)
			msg := &domain.RawMessage{Owner: "u1", ExternalID: "m1", Subject: tt.subject, Body: tt.body, SentAt: &sent, BankHint: "OPay"}
			_, err := st.CreateRawMessage(ctx, msg)
			require.NoError(t, err)

			res, err := p.Process(ctx, msg.ID)
			require.NoError(t, err)
			assert.Equal(t, StateRejected, res.State)

			_, err = st.GetRawMessage(ctx, msg.ID)
			assert.ErrorIs(t, err, domain.ErrNotFound)
			txs, _ := st.ListTransactions(ctx, "u1")
			assert.Empty(t, txs)
		})
	}
}

func TestSecurityFooterDoesNotDeleteAlert(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := newTestProcessor(st, st, nil, nil)

	body := `<p>Your account 01****89 was charged NGN 12500 for POS SHOPRITE IKEJA.</p>` +
		`<p>Never share your OTP or password with anyone.</p>`
	id := addMessage(t, st, "m1", body, time.Date(2024, 1, 2, 11, 0, 0, 0, time.UTC))

	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, domain.ParseMethodAllFailed, res.Method)

	msg, err := st.GetRawMessage(ctx, id)
	require.NoError(t, err)
	assert.True(t, msg.ManualReviewNeeded)
	assert.Equal(t, domain.ParseMethodAllFailed, msg.ParseMethod)

	review, err := st.ListManualReview(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, review, 1)
	assert.Equal(t, id, review[0].ID)
}

func TestUndeterminedTypeIsDeleted(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.UpsertRule(ctx, &domain.ExtractionRule{
		BankName: "Acme",
		RuleCode: "fields:\n  amount:\n    - from: text\n      pattern: 'NGN\\s*([\\d,]+\\.\\d{2})'\n",
	}))
	p := newTestProcessor(st, st, nil, nil)

	id := addMessage(t, st, "m1", "<p>Acme notice NGN 50.00</p>", time.Now())
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRejected, res.State)
	assert.Equal(t, "transaction type undetermined", res.Reason)
}

func TestUnparseableDateFlagsManualReview(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := newTestProcessor(st, st, nil, nil)

	id := addMessage(t, st, "m1", `<p>Credit Alert</p><p>Amount: NGN 2,000.00</p><p>Narration: SALARY</p>`, time.Now())
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, domain.ParseMethodDataError, res.Method)

	msg, err := st.GetRawMessage(ctx, id)
	require.NoError(t, err)
	assert.False(t, msg.Parsed)
	assert.True(t, msg.ManualReviewNeeded)
	assert.Equal(t, domain.ParseMethodDataError, msg.ParseMethod)

	review, err := st.ListManualReview(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, review, 1)
	txs, _ := st.ListTransactions(ctx, "u1")
	assert.Empty(t, txs)
}

func TestAllTiersMissFlagsManualReview(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ai := &stubAI{extractErr: domain.ErrCapabilityUnavailable}
	p := newTestProcessor(st, st, ai, nil)

	id := addMessage(t, st, "m1", `<p>Your monthly statement is ready.</p>`, time.Now())
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, domain.ParseMethodAllFailed, res.Method)
	assert.Equal(t, 1, ai.count("generate"), "the bank hint is enough to ask for a rule")
	assert.Equal(t, 1, ai.count("extract"))

	stored, err := st.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestFutureDateClampedToDelivery(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := newTestProcessor(st, st, nil, nil)
	sent := time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC)

	body := `<p>Debit Alert</p><p>Amount: NGN 300.00</p><p>Narration: DATA BUNDLE</p><p>Date: 2024-01-09 10:00:00</p>`
	id := addMessage(t, st, "m1", body, sent)
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePersisted, res.State)
	assert.True(t, sent.Equal(res.Transaction.Timestamp), "got %s", res.Transaction.Timestamp)

	msg, err := st.GetRawMessage(ctx, id)
	require.NoError(t, err)
	var rec extractionRecord
	require.NoError(t, json.Unmarshal(msg.Extracted, &rec))
	assert.True(t, rec.Clamped)
}

func TestRecoveryFillsGapsOnly(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	ai := &stubAI{
		extract:   domain.ExtractedFields{Type: "debit", Amount: "5000", Narration: "AIRTIME 2024-01-02"},
		recovered: domain.ExtractedFields{Type: "credit", Amount: "9999", Date: "2024-01-02 10:00:00", Narration: "OTHER"},
	}
	p := newTestProcessor(st, st, ai, nil)

	id := addMessage(t, st, "m1", `<p>hello from your bank</p>`, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))
	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatePersisted, res.State)
	assert.Equal(t, []State{StateFetched, StateAIExtracted, StateRecovered, StatePersisted}, res.States)

	tx := res.Transaction
	assert.Equal(t, domain.Debit, tx.Type)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "AIRTIME 2024-01-02", tx.Narration)
	assert.True(t, tx.Timestamp.Equal(time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)))
}

func TestAlreadyParsedMessageIsSkipped(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	p := newTestProcessor(st, st, nil, nil)

	id := addMessage(t, st, "m1", airtimeAlert, time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC))
	_, err := p.Process(ctx, id)
	require.NoError(t, err)

	res, err := p.Process(ctx, id)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

type failingTxStore struct {
	*memory.Store
}

func (failingTxStore) GetOrCreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	return nil, false, errors.New("disk full")
}

func TestStoreFailureIsUnknownError(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	sinks := &recordingSinks{}
	p := newTestProcessor(failingTxStore{mem}, mem, nil, sinks)

	id := addMessage(t, mem, "m1", airtimeAlert, time.Date(2024, 1, 2, 10, 5, 0, 0, time.UTC))
	_, err := p.Process(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	msg, err := mem.GetRawMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ParseMethodUnknownError, msg.ParseMethod)
	assert.False(t, msg.ManualReviewNeeded)
	assert.False(t, msg.Parsed)

	require.Len(t, sinks.runs, 1)
	assert.Contains(t, sinks.runs[0].Error, "disk full")
	assert.Equal(t, domain.ParseMethodUnknownError, sinks.runs[0].Method)
}
