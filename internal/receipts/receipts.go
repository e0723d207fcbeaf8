// Package receipts turns uploaded receipt images into line items attached
// to the debit they paid for.
package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the service needs.
type Store interface {
	store.ReceiptStore
	store.TransactionStore
}

// Extractor reads a receipt image.
type Extractor interface {
	ExtractReceipt(ctx context.Context, image []byte, mimeType string) (domain.ReceiptData, error)
}

// Images stores and loads receipt images.
type Images interface {
	PutReceipt(ctx context.Context, owner, id, mimeType string, data []byte) (uri string, err error)
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// FrequencyRecorder counts purchased items once per transaction.
type FrequencyRecorder interface {
	Record(ctx context.Context, tx *domain.Transaction) (int, error)
}

// Publisher enqueues receipt jobs.
type Publisher interface {
	Publish(ctx context.Context, job *jobs.Job) error
}

// Options configure a Service. Frequency may be nil.
type Options struct {
	Location  *time.Location
	Frequency FrequencyRecorder
	Logger    zerolog.Logger
}

// Service submits and processes receipts.
type Service struct {
	store     Store
	images    Images
	ai        Extractor
	publisher Publisher
	freq      FrequencyRecorder
	loc       *time.Location
	log       zerolog.Logger
}

// NewService creates a receipt service.
func NewService(st Store, images Images, ai Extractor, publisher Publisher, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		store:     st,
		images:    images,
		ai:        ai,
		publisher: publisher,
		freq:      opts.Frequency,
		loc:       opts.Location,
		log:       opts.Logger,
	}
}

// Submit stores an uploaded image, records the receipt and enqueues its
// processing. It returns the receipt and the job id.
func (s *Service) Submit(ctx context.Context, owner string, image []byte, mimeType string) (*domain.Receipt, string, error) {
	if len(image) == 0 {
		return nil, "", fmt.Errorf("Submit: empty image")
	}
	id := uuid.New().String()
	uri, err := s.images.PutReceipt(ctx, owner, id, mimeType, image)
	if err != nil {
		return nil, "", fmt.Errorf("Submit: store image: %w", err)
	}

	r := &domain.Receipt{ID: id, Owner: owner, ImageURI: uri, MIMEType: mimeType}
	if err := s.store.CreateReceipt(ctx, r); err != nil {
		return nil, "", fmt.Errorf("Submit: %w", err)
	}

	job := &jobs.Job{Type: jobs.JobTypeProcessReceipt, Owner: owner, ReceiptID: r.ID}
	if err := s.publisher.Publish(ctx, job); err != nil {
		return r, "", fmt.Errorf("Submit: publish: %w", err)
	}
	s.log.Info().Str("receipt_id", r.ID).Str("owner", owner).Str("job_id", job.JobID).Msg("Receipt submitted")
	return r, job.JobID, nil
}

// Outcome says how processing a receipt ended.
type Outcome string

const (
	OutcomeLinked        Outcome = "linked"
	OutcomeNoMatch       Outcome = "no_match"
	OutcomeAlreadyLinked Outcome = "already_linked"
)

// Result describes one processed receipt.
type Result struct {
	ReceiptID     string
	Outcome       Outcome
	TransactionID string
	Items         int
}

// Process extracts the receipt if needed, matches it to a debit of the
// same total and attaches the items. Losing a linking race to another
// receipt is an outcome, not an error.
func (s *Service) Process(ctx context.Context, receiptID string) (*Result, error) {
	r, err := s.store.GetReceipt(ctx, receiptID)
	if err != nil {
		return nil, fmt.Errorf("Process: %w", err)
	}
	log := s.log.With().Str("receipt_id", r.ID).Str("owner", r.Owner).Logger()
	res := &Result{ReceiptID: r.ID}

	if r.TransactionID != "" {
		res.Outcome, res.TransactionID = OutcomeAlreadyLinked, r.TransactionID
		log.Info().Str("transaction_id", r.TransactionID).Msg("Receipt already linked, skipping")
		return res, nil
	}

	if !r.Processed || r.Total == nil {
		if err := s.extract(ctx, r); err != nil {
			return nil, fmt.Errorf("Process: %w", err)
		}
	}
	res.Items = len(r.Items)

	at := r.UploadedAt
	if r.ReceiptDate != nil {
		at = *r.ReceiptDate
	}

	var candidates []*domain.Transaction
	if r.Total.IsPositive() {
		candidates, err = s.store.FindDebitsByAmount(ctx, r.Owner, *r.Total)
		if err != nil {
			return nil, fmt.Errorf("Process: find debits: %w", err)
		}
	}
	tx := MatchTransaction(candidates, at, s.loc)
	if tx == nil {
		res.Outcome = OutcomeNoMatch
		log.Info().Str("total", r.Total.StringFixed(2)).Msg("No matching transaction for receipt")
		return res, nil
	}

	if err := s.store.LinkReceipt(ctx, r.ID, tx.ID); err != nil {
		if errors.Is(err, domain.ErrReceiptAlreadyLinked) {
			res.Outcome = OutcomeAlreadyLinked
			log.Warn().Str("transaction_id", tx.ID).Msg("Receipt was linked concurrently, discarding update")
			return res, nil
		}
		return nil, fmt.Errorf("Process: link: %w", err)
	}
	if err := s.store.SetReceiptItems(ctx, tx.ID, r.Items); err != nil {
		return nil, fmt.Errorf("Process: attach items: %w", err)
	}
	tx.ReceiptItems = r.Items

	if s.freq != nil && len(r.Items) > 0 {
		if _, err := s.freq.Record(ctx, tx); err != nil {
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to record item frequency")
		}
	}

	res.Outcome, res.TransactionID = OutcomeLinked, tx.ID
	log.Info().Str("transaction_id", tx.ID).Int("items", len(r.Items)).Msg("Receipt linked")
	return res, nil
}

func (s *Service) extract(ctx context.Context, r *domain.Receipt) error {
	image, err := s.images.Fetch(ctx, r.ImageURI)
	if err != nil {
		return fmt.Errorf("fetch image: %w", err)
	}
	data, err := s.ai.ExtractReceipt(ctx, image, r.MIMEType)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal extraction: %w", err)
	}
	total := data.Total
	r.Extracted = raw
	r.Total = &total
	r.Items = data.Items
	r.ReceiptDate = nil
	if data.Date != "" {
		if d, err := rules.ParseDate(data.Date, s.loc); err == nil {
			r.ReceiptDate = &d
		} else {
			s.log.Debug().Str("receipt_id", r.ID).Str("date", data.Date).Msg("Unreadable receipt date, using upload time")
		}
	}

	if err := s.store.SaveReceiptExtraction(ctx, r); err != nil {
		return fmt.Errorf("save extraction: %w", err)
	}
	r.Processed = true
	return nil
}

// MatchTransaction picks the debit a receipt dated at most likely paid
// for. candidates are newest first. A debit on the same calendar day wins,
// then the closest one within a day either side, then the newest.
func MatchTransaction(candidates []*domain.Transaction, at time.Time, loc *time.Location) *domain.Transaction {
	if len(candidates) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	y, m, d := at.In(loc).Date()
	for _, tx := range candidates {
		ty, tm, td := tx.Timestamp.In(loc).Date()
		if ty == y && tm == m && td == d {
			return tx
		}
	}

	var (
		best     *domain.Transaction
		bestDiff time.Duration
	)
	for _, tx := range candidates {
		diff := tx.Timestamp.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		if diff > 24*time.Hour {
			continue
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = tx, diff
		}
	}
	if best != nil {
		return best
	}
	return candidates[0]
}

// ReprocessUnlinked enqueues a processing job for every receipt that has
// not been linked yet. It returns how many jobs were published.
func (s *Service) ReprocessUnlinked(ctx context.Context) (int, error) {
	pending, err := s.store.ListUnlinkedReceipts(ctx)
	if err != nil {
		return 0, fmt.Errorf("ReprocessUnlinked: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, r := range pending {
		job := &jobs.Job{Type: jobs.JobTypeProcessReceipt, Owner: r.Owner, ReceiptID: r.ID}
		if err := s.publisher.Publish(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("receipt %s: %w", r.ID, err))
			continue
		}
		n++
	}
	s.log.Info().Int("enqueued", n).Int("pending", len(pending)).Msg("Unlinked receipts enqueued")
	if len(errs) > 0 {
		return n, fmt.Errorf("ReprocessUnlinked: %w", errors.Join(errs...))
	}
	return n, nil
}
