package categorize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

const day = 24 * time.Hour

// ItemKey is the normalized description purchases are grouped under.
func ItemKey(description string) string {
	return strings.ToUpper(strings.Join(strings.Fields(description), " "))
}

// ClassifyFrequency buckets the average whole-day gap between sorted
// purchase dates. Fewer than two dates cannot be classified. next is nil
// for unknown and irregular items.
func ClassifyFrequency(dates []time.Time) (domain.PurchaseFrequency, *time.Time) {
	if len(dates) < 2 {
		return domain.FrequencyUnknown, nil
	}

	var total int
	for i := 1; i < len(dates); i++ {
		total += int(dates[i].Sub(dates[i-1]) / day)
	}
	avg := float64(total) / float64(len(dates)-1)
	last := dates[len(dates)-1]

	var (
		freq domain.PurchaseFrequency
		step time.Duration
	)
	switch {
	case avg >= 0 && avg <= 3:
		freq, step = domain.FrequencyDaily, day
	case avg >= 6 && avg <= 8:
		freq, step = domain.FrequencyWeekly, 7*day
	case avg >= 28 && avg <= 32:
		freq, step = domain.FrequencyMonthly, 30*day
	default:
		return domain.FrequencyIrregular, nil
	}
	next := last.Add(step)
	return freq, &next
}

// FrequencyTracker records item purchases from receipt-enriched transactions.
type FrequencyTracker struct {
	store store.FrequencyStore
	log   zerolog.Logger
}

// NewFrequencyTracker creates a tracker over st.
func NewFrequencyTracker(st store.FrequencyStore, log zerolog.Logger) *FrequencyTracker {
	return &FrequencyTracker{store: st, log: log}
}

// Record counts every receipt item of tx once. Calling it again for the
// same transaction changes nothing. It returns how many items were newly counted.
func (f *FrequencyTracker) Record(ctx context.Context, tx *domain.Transaction) (int, error) {
	var counted int
	seen := make(map[string]bool, len(tx.ReceiptItems))
	for _, item := range tx.ReceiptItems {
		key := ItemKey(item.Description)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		recorded, err := f.store.RecordPurchase(ctx, tx.Owner, key, tx.ID, tx.Timestamp)
		if err != nil {
			return counted, fmt.Errorf("Record: item %q: %w", key, err)
		}
		if !recorded {
			continue
		}
		counted++

		if err := f.refresh(ctx, tx.Owner, key); err != nil {
			return counted, err
		}
	}
	return counted, nil
}

func (f *FrequencyTracker) refresh(ctx context.Context, owner, key string) error {
	dates, err := f.store.PurchaseDates(ctx, owner, key)
	if err != nil {
		return fmt.Errorf("refresh: purchase dates %q: %w", key, err)
	}
	if len(dates) == 0 {
		return nil
	}

	freq, next := ClassifyFrequency(dates)
	err = f.store.SaveItemFrequency(ctx, &domain.ItemFrequency{
		Owner:         owner,
		Description:   key,
		PurchaseCount: len(dates),
		LastPurchased: dates[len(dates)-1],
		Frequency:     freq,
		NextPredicted: next,
	})
	if err != nil {
		return fmt.Errorf("refresh: save frequency %q: %w", key, err)
	}

	f.log.Debug().
		Str("owner", owner).
		Str("item", key).
		Int("count", len(dates)).
		Str("frequency", string(freq)).
		Msg("Item frequency updated")
	return nil
}
