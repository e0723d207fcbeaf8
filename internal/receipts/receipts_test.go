package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImages struct {
	blobs map[string][]byte
}

func (f *fakeImages) PutReceipt(ctx context.Context, owner, id, mimeType string, data []byte) (string, error) {
	uri := "gs://receipts/" + owner + "/" + id
	f.blobs[uri] = data
	return uri, nil
}

func (f *fakeImages) Fetch(ctx context.Context, uri string) ([]byte, error) {
	b, ok := f.blobs[uri]
	if !ok {
		return nil, errors.New("object not found")
	}
	return b, nil
}

type fakeExtractor struct {
	data  domain.ReceiptData
	err   error
	calls int
}

func (f *fakeExtractor) ExtractReceipt(ctx context.Context, image []byte, mimeType string) (domain.ReceiptData, error) {
	f.calls++
	return f.data, f.err
}

type fakePublisher struct{ jobs []*jobs.Job }

func (p *fakePublisher) Publish(ctx context.Context, job *jobs.Job) error {
	job.JobID = "job-" + job.ReceiptID
	p.jobs = append(p.jobs, job)
	return nil
}

type countingRecorder struct{ txs []string }

func (c *countingRecorder) Record(ctx context.Context, tx *domain.Transaction) (int, error) {
	c.txs = append(c.txs, tx.ID)
	return len(tx.ReceiptItems), nil
}

var lagos = time.FixedZone("WAT", 3600)

func debit(t *testing.T, st *memory.Store, id string, amount int64, at time.Time) {
	t.Helper()
	_, _, err := st.GetOrCreateTransaction(context.Background(), &domain.Transaction{
		ID: id, Owner: "u1", Type: domain.Debit, Amount: decimal.NewFromInt(amount), Timestamp: at, Narration: "POS " + id,
	})
	require.NoError(t, err)
}

type fixture struct {
	st   *memory.Store
	ai   *fakeExtractor
	pub  *fakePublisher
	freq *countingRecorder
	svc  *Service
}

func newFixture(data domain.ReceiptData) *fixture {
	f := &fixture{
		st:   memory.New(),
		ai:   &fakeExtractor{data: data},
		pub:  &fakePublisher{},
		freq: &countingRecorder{},
	}
	f.svc = NewService(f.st, &fakeImages{blobs: map[string][]byte{}}, f.ai, f.pub, Options{
		Location: lagos, Frequency: f.freq, Logger: zerolog.Nop(),
	})
	return f
}

func receiptData(total int64, date string) domain.ReceiptData {
	return domain.ReceiptData{
		Total: decimal.NewFromInt(total),
		Date:  date,
		Items: []domain.ReceiptItem{
			{Description: "Peak Milk", Quantity: decimal.NewFromInt(2), Price: decimal.NewFromInt(1500)},
			{Description: "Bread", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1200)},
		},
	}
}

func TestSubmitAndProcess_LinksSameDayDebit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(receiptData(4200, "2024-03-15"))
	debit(t, f.st, "same-day", 4200, time.Date(2024, 3, 15, 18, 0, 0, 0, lagos))
	debit(t, f.st, "later", 4200, time.Date(2024, 3, 20, 9, 0, 0, 0, lagos))
	debit(t, f.st, "other-amount", 9999, time.Date(2024, 3, 15, 12, 0, 0, 0, lagos))

	r, jobID, err := f.svc.Submit(ctx, "u1", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "job-"+r.ID, jobID)
	require.Len(t, f.pub.jobs, 1)
	assert.Equal(t, jobs.JobTypeProcessReceipt, f.pub.jobs[0].Type)

	res, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, res.Outcome)
	assert.Equal(t, "same-day", res.TransactionID)
	assert.Equal(t, 2, res.Items)

	tx, err := f.st.GetTransaction(ctx, "same-day")
	require.NoError(t, err)
	require.Len(t, tx.ReceiptItems, 2)
	assert.Equal(t, "Peak Milk", tx.ReceiptItems[0].Description)
	assert.Equal(t, []string{"same-day"}, f.freq.txs)

	stored, err := f.st.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Equal(t, "same-day", stored.TransactionID)
	require.NotNil(t, stored.ReceiptDate)

	// Processing again neither re-extracts nor relinks.
	again, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyLinked, again.Outcome)
	assert.Equal(t, 1, f.ai.calls)
}

func TestProcess_SecondReceiptLosesLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(receiptData(4200, "2024-03-15"))
	debit(t, f.st, "tx", 4200, time.Date(2024, 3, 15, 18, 0, 0, 0, lagos))

	first, _, err := f.svc.Submit(ctx, "u1", []byte("a"), "image/png")
	require.NoError(t, err)
	second, _, err := f.svc.Submit(ctx, "u1", []byte("b"), "image/png")
	require.NoError(t, err)

	res, err := f.svc.Process(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, res.Outcome)

	res, err = f.svc.Process(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyLinked, res.Outcome)
	assert.Empty(t, res.TransactionID)
}

func TestProcess_NoMatchAndRetryLater(t *testing.T) {
	ctx := context.Background()
	f := newFixture(receiptData(4200, "not a date"))

	r, _, err := f.svc.Submit(ctx, "u1", []byte("a"), "image/png")
	require.NoError(t, err)
	res, err := f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatch, res.Outcome)

	stored, err := f.st.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.Processed)
	assert.Nil(t, stored.ReceiptDate)

	n, err := f.svc.ReprocessUnlinked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The debit arrives later; the stored extraction is reused.
	debit(t, f.st, "tx", 4200, time.Now())
	res, err = f.svc.Process(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, res.Outcome)
	assert.Equal(t, 1, f.ai.calls)
}

func TestProcess_ExtractionFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(domain.ReceiptData{})
	f.ai.err = domain.ErrCapabilityUnavailable

	r, _, err := f.svc.Submit(ctx, "u1", []byte("a"), "image/png")
	require.NoError(t, err)
	_, err = f.svc.Process(ctx, r.ID)
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)

	stored, err := f.st.GetReceipt(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
}

func TestMatchTransaction(t *testing.T) {
	at := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	tx := func(id string, ts time.Time) *domain.Transaction {
		return &domain.Transaction{ID: id, Timestamp: ts}
	}

	tests := []struct {
		name       string
		candidates []*domain.Transaction
		want       string
	}{
		{"none", nil, ""},
		{"same day beats closer neighbour", []*domain.Transaction{
			tx("next-day", at.Add(13*time.Hour)),
			tx("same-day", at.Add(-11*time.Hour)),
		}, "same-day"},
		{"closest within a day", []*domain.Transaction{
			tx("plus-20h", at.Add(20*time.Hour)),
			tx("minus-14h", at.Add(-14*time.Hour)),
		}, "minus-14h"},
		{"newest outside the window", []*domain.Transaction{
			tx("newest", at.Add(10*24*time.Hour)),
			tx("older", at.Add(-5*24*time.Hour)),
		}, "newest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchTransaction(tt.candidates, at, time.UTC)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}
