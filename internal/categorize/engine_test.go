package categorize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClassifier struct {
	answer func(narration string) (string, error)
	calls  []string
	seen   [][]domain.CategoryExample
}

func (s *stubClassifier) Classify(ctx context.Context, narration string, categories []string, examples []domain.CategoryExample) (string, error) {
	s.calls = append(s.calls, narration)
	s.seen = append(s.seen, examples)
	return s.answer(narration)
}

func answer(category string) *stubClassifier {
	return &stubClassifier{answer: func(string) (string, error) { return category, nil }}
}

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func addTx(t *testing.T, st *memory.Store, id, narration string, at time.Time, items ...domain.ReceiptItem) *domain.Transaction {
	t.Helper()
	tx, created, err := st.GetOrCreateTransaction(context.Background(), &domain.Transaction{
		ID:           id,
		Owner:        "u1",
		Type:         domain.Debit,
		Amount:       decimal.NewFromInt(5000),
		Timestamp:    at,
		Narration:    narration,
		ReceiptItems: items,
	})
	require.NoError(t, err)
	require.True(t, created)
	return tx
}

func category(t *testing.T, st *memory.Store, id string) string {
	t.Helper()
	tx, err := st.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	return tx.Category
}

func newEngine(st Store, ai Classifier) *Engine {
	return NewEngine(st, ai, Options{Logger: zerolog.Nop()})
}

func TestCategorizeUser_KeywordWins(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.SaveKeywordMap(ctx, domain.CategoryKeywordMap{
		Owner: "u1", Category: "Fuel", Keywords: []string{" shell "},
	}))
	addTx(t, st, "t1", "POS PURCHASE SHELL STATION LEKKI", base)

	ai := answer("Shopping")
	sum, err := newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "Fuel", category(t, st, "t1"))
	assert.Equal(t, 1, sum.BySource[SourceKeyword])
	assert.Empty(t, ai.calls)
}

func TestCategorizeUser_SimilarNarrationReusesCategory(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	addTx(t, st, "t1", "UBER TRIP 8842 LAGOS", base)
	addTx(t, st, "t2", "UBER TRIP 9917 LAGOS", base.Add(time.Hour))

	ai := answer("Transportation")
	sum, err := newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "Transportation", category(t, st, "t1"))
	assert.Equal(t, "Transportation", category(t, st, "t2"))
	assert.Equal(t, []string{"UBER TRIP 8842 LAGOS"}, ai.calls)
	assert.Equal(t, 1, sum.BySource[SourceAI])
	assert.Equal(t, 1, sum.BySource[SourceSimilarity])
	assert.Equal(t, 2, sum.Updated)
}

func TestCategorizeUser_HistoryFeedsExamples(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	addTx(t, st, "old", "NETFLIX.COM SUBSCRIPTION", base.Add(-48*time.Hour))
	_, err := st.AssignCategory(ctx, "old", "Subscription", "")
	require.NoError(t, err)
	addTx(t, st, "t1", "TRANSFER TO MAMA", base)

	ai := answer("Family")
	_, err = newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)

	require.Len(t, ai.seen, 1)
	assert.Equal(t, []domain.CategoryExample{{Narration: "NETFLIX.COM SUBSCRIPTION", Category: "Subscription"}}, ai.seen[0])
}

func TestCategorizeUser_ClassifierAnswers(t *testing.T) {
	tests := []struct {
		name   string
		ai     Classifier
		want   string
		source Source
	}{
		{"exact", answer("Feeding"), "Feeding", SourceAI},
		{"case folded", answer("feeding"), "Feeding", SourceAI},
		{"outside list", answer("Groceries"), "Unknown", SourceFallback},
		{"empty", answer(""), "Unknown", SourceFallback},
		{"error", &stubClassifier{answer: func(string) (string, error) {
			return "", domain.ErrCapabilityUnavailable
		}}, "Unknown", SourceFallback},
		{"no classifier", nil, "Unknown", SourceFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.New()
			addTx(t, st, "t1", "CHICKEN REPUBLIC IKEJA", base)

			sum, err := newEngine(st, tt.ai).CategorizeUser(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, category(t, st, "t1"))
			assert.Equal(t, 1, sum.BySource[tt.source])
		})
	}
}

func TestCategorizeUser_IdempotentWithFrequency(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	bread := domain.ReceiptItem{Description: "Sliced  bread", Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(1200)}
	addTx(t, st, "t1", "SHOPRITE LEKKI", base, bread)
	addTx(t, st, "t2", "SHOPRITE LEKKI", base.Add(7*day), bread)

	e := newEngine(st, answer("Shopping"))
	first, err := e.CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, first.Updated)
	assert.True(t, first.WatermarkAdvanced)
	assert.True(t, first.Watermark.Equal(base.Add(7*day)))

	second, err := e.CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.False(t, second.WatermarkAdvanced)

	// Recording the same transaction again must not count twice.
	tx, err := st.GetTransaction(ctx, "t2")
	require.NoError(t, err)
	n, err := e.freq.Record(ctx, tx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f, err := st.GetItemFrequency(ctx, "u1", "SLICED BREAD")
	require.NoError(t, err)
	assert.Equal(t, 2, f.PurchaseCount)
	assert.Equal(t, domain.FrequencyWeekly, f.Frequency)
	require.NotNil(t, f.NextPredicted)
	assert.True(t, f.NextPredicted.Equal(base.Add(14*day)))
}

type failingAssign struct {
	*memory.Store
	failID string
}

func (f *failingAssign) AssignCategory(ctx context.Context, id, category, expect string) (bool, error) {
	if id == f.failID {
		return false, errors.New("disk full")
	}
	return f.Store.AssignCategory(ctx, id, category, expect)
}

func TestCategorizeUser_WatermarkStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	addTx(t, st, "t1", "DSTV RENEWAL", base)
	addTx(t, st, "t2", "IKEDC PREPAID TOKEN", base.Add(time.Hour))
	addTx(t, st, "t3", "MTN AIRTIME", base.Add(2*time.Hour))

	ai := answer("Utility Bill")
	sum, err := newEngine(&failingAssign{Store: st, failID: "t2"}, ai).CategorizeUser(ctx, "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, "Utility Bill", category(t, st, "t3"))

	mark, ok, err := st.GetWatermark(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mark.Equal(base))

	// The failed row is retried once the store recovers.
	sum, err = newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, "Utility Bill", category(t, st, "t2"))
	assert.True(t, sum.Watermark.Equal(base.Add(time.Hour)))
}

func TestCategorizeUser_LateArrivalsBehindWatermark(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	addTx(t, st, "newer", "DSTV RENEWAL", base.Add(time.Hour))

	ai := answer("Utility Bill")
	_, err := newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	mark, _, err := st.GetWatermark(ctx, "u1")
	require.NoError(t, err)
	require.True(t, mark.Equal(base.Add(time.Hour)))

	// Stored after the run: one older than the watermark, one on it with
	// a different amount.
	for _, tx := range []*domain.Transaction{
		{ID: "older", Owner: "u1", Type: domain.Debit, Amount: decimal.NewFromInt(700), Timestamp: base, Narration: "IKEDC PREPAID TOKEN"},
		{ID: "same", Owner: "u1", Type: domain.Debit, Amount: decimal.NewFromInt(800), Timestamp: base.Add(time.Hour), Narration: "MTN AIRTIME"},
	} {
		_, created, err := st.GetOrCreateTransaction(ctx, tx)
		require.NoError(t, err)
		require.True(t, created)
	}

	sum, err := newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Late)
	assert.Equal(t, "Utility Bill", category(t, st, "older"))
	assert.Equal(t, "Utility Bill", category(t, st, "same"))

	after, _, err := st.GetWatermark(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, after.Equal(mark), "watermark never moves back")

	sum, err = newEngine(st, ai).CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, sum.Processed)
}

func TestReprocessUnknown(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	addTx(t, st, "t1", "POS BOLT RIDES", base)
	addTx(t, st, "t2", "MISC TRANSFER", base.Add(time.Hour))

	_, err := newEngine(st, answer("nonsense")).CategorizeUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "Unknown", category(t, st, "t1"))
	before, _, err := st.GetWatermark(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, st.SaveKeywordMap(ctx, domain.CategoryKeywordMap{
		Owner: "u1", Category: "Transportation", Keywords: []string{"bolt"},
	}))
	ai := answer("still nonsense")
	sum, err := newEngine(st, ai).ReprocessUnknown(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, "Transportation", category(t, st, "t1"))
	assert.Equal(t, "Unknown", category(t, st, "t2"))

	after, _, err := st.GetWatermark(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, after.Equal(before))
}

func TestMatchKeyword(t *testing.T) {
	maps := []domain.CategoryKeywordMap{
		{Category: "Rent", Keywords: []string{"", "landlord"}},
		{Category: "Fuel", Keywords: []string{"total energies", "mobil"}},
	}

	c, ok := matchKeyword(maps, "Payment to LANDLORD Adeyemi")
	assert.True(t, ok)
	assert.Equal(t, "Rent", c)

	c, ok = matchKeyword(maps, "POS TOTAL ENERGIES AJAH")
	assert.True(t, ok)
	assert.Equal(t, "Fuel", c)

	_, ok = matchKeyword(maps, "anything")
	assert.False(t, ok)
}
