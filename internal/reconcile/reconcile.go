// Package reconcile applies a user's manual category correction to the
// other transactions that look like it.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/similarity"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

// Store is the persistence the service needs.
type Store interface {
	store.TransactionStore
	store.CategoryStore
}

// Publisher enqueues the propagation job.
type Publisher interface {
	Publish(ctx context.Context, job *jobs.Job) error
}

// Service owns the correction write path and the propagation job.
type Service struct {
	store     Store
	publisher Publisher
	threshold float64
	log       zerolog.Logger
}

// NewService creates a service. A threshold of zero uses similarity.DefaultThreshold.
func NewService(st Store, publisher Publisher, threshold float64, log zerolog.Logger) *Service {
	if threshold <= 0 {
		threshold = similarity.DefaultThreshold
	}
	return &Service{store: st, publisher: publisher, threshold: threshold, log: log}
}

// Correction is the outcome of CorrectCategory.
type Correction struct {
	Transaction *domain.Transaction
	// JobID is the propagation job, empty when nothing was published.
	JobID string
}

// CorrectCategory stores a user's category for txID. A non-empty category
// marks the row as manually categorized until the propagation job has been
// published; clearing the category publishes nothing.
func (s *Service) CorrectCategory(ctx context.Context, txID, category string) (*Correction, error) {
	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("CorrectCategory: %w", err)
	}
	log := s.log.With().Str("transaction_id", txID).Str("owner", tx.Owner).Logger()

	if category == "" {
		if err := s.store.SetCategory(ctx, txID, "", false); err != nil {
			return nil, fmt.Errorf("CorrectCategory: clear category: %w", err)
		}
		tx.Category, tx.ManuallyCategorized = "", false
		log.Info().Msg("Category cleared")
		return &Correction{Transaction: tx}, nil
	}

	if err := s.store.EnsureCategory(ctx, category); err != nil {
		return nil, fmt.Errorf("CorrectCategory: ensure category: %w", err)
	}
	if err := s.store.SetCategory(ctx, txID, category, true); err != nil {
		return nil, fmt.Errorf("CorrectCategory: set category: %w", err)
	}

	// The flag stays set when publishing fails, so the row still reads as
	// a pending correction.
	job := &jobs.Job{Type: jobs.JobTypeReconcileTransaction, Owner: tx.Owner, TransactionID: txID}
	if err := s.publisher.Publish(ctx, job); err != nil {
		return nil, fmt.Errorf("CorrectCategory: publish reconcile: %w", err)
	}
	if err := s.store.ClearManualFlag(ctx, txID); err != nil {
		return nil, fmt.Errorf("CorrectCategory: clear flag: %w", err)
	}

	tx.Category, tx.ManuallyCategorized = category, false
	log.Info().Str("category", category).Str("job_id", job.JobID).Msg("Category corrected")
	return &Correction{Transaction: tx, JobID: job.JobID}, nil
}

// Summary reports one propagation run.
type Summary struct {
	Source   string
	Category string
	Scanned  int
	Updated  []string
	Failed   int
}

// Reconcile copies the category of txID onto every other transaction of
// the same owner whose narration is similar enough and whose category
// differs. Each update stands alone; failures are collected, not fatal.
func (s *Service) Reconcile(ctx context.Context, txID string) (*Summary, error) {
	src, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("Reconcile: %w", err)
	}
	sum := &Summary{Source: txID, Category: src.Category}
	if src.Category == "" {
		return sum, nil
	}

	log := s.log.With().
		Str("transaction_id", txID).
		Str("owner", src.Owner).
		Str("category", src.Category).
		Logger()

	candidates, err := s.store.ListTransactions(ctx, src.Owner)
	if err != nil {
		return nil, fmt.Errorf("Reconcile: list: %w", err)
	}

	var errs []error
	for _, c := range candidates {
		if c.ID == src.ID || c.Category == src.Category {
			continue
		}
		sum.Scanned++
		score := similarity.Ratio(src.Narration, c.Narration)
		if score <= s.threshold {
			continue
		}
		if err := s.store.SetCategory(ctx, c.ID, src.Category, false); err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("transaction %s: %w", c.ID, err))
			log.Error().Err(err).Str("candidate_id", c.ID).Msg("Failed to propagate category")
			continue
		}
		sum.Updated = append(sum.Updated, c.ID)
		log.Debug().Str("candidate_id", c.ID).Float64("score", score).Msg("Category propagated")
	}

	log.Info().Int("scanned", sum.Scanned).Int("updated", len(sum.Updated)).Msg("Reconciliation finished")
	if len(errs) > 0 {
		return sum, fmt.Errorf("Reconcile: %w", errors.Join(errs...))
	}
	return sum, nil
}
