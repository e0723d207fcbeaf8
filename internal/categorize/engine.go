// Package categorize assigns spending categories to transactions. Each
// transaction is tried against the owner's keyword maps, then against
// similar narrations categorized earlier, then handed to an AI classifier.
package categorize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/similarity"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

const (
	// DefaultUnknownCategory is assigned when nothing else decides.
	DefaultUnknownCategory = "Unknown"
	// DefaultExamples is how many recent categorized narrations are sent to the classifier.
	DefaultExamples = 10
)

// Source names the strategy that decided a category.
type Source string

const (
	SourceKeyword    Source = "keyword"
	SourceSimilarity Source = "similarity"
	SourceAI         Source = "ai"
	SourceFallback   Source = "fallback"
)

// Classifier picks one of categories for narration.
type Classifier interface {
	Classify(ctx context.Context, narration string, categories []string, examples []domain.CategoryExample) (string, error)
}

// Store is the persistence the engine needs.
type Store interface {
	store.TransactionStore
	store.CategoryStore
	store.WatermarkStore
	store.FrequencyStore
}

// Options tune an Engine. Zero values fall back to the defaults.
type Options struct {
	SimilarityThreshold float64
	Examples            int
	UnknownCategory     string
	Logger              zerolog.Logger
}

// Engine categorizes a user's transactions.
type Engine struct {
	store     Store
	ai        Classifier
	freq      *FrequencyTracker
	threshold float64
	examples  int
	unknown   string
	log       zerolog.Logger
}

// NewEngine creates an engine. ai may be nil; transactions nothing else
// can decide then land in the unknown category.
func NewEngine(st Store, ai Classifier, opts Options) *Engine {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = similarity.DefaultThreshold
	}
	if opts.Examples <= 0 {
		opts.Examples = DefaultExamples
	}
	if opts.UnknownCategory == "" {
		opts.UnknownCategory = DefaultUnknownCategory
	}
	return &Engine{
		store:     st,
		ai:        ai,
		freq:      NewFrequencyTracker(st, opts.Logger),
		threshold: opts.SimilarityThreshold,
		examples:  opts.Examples,
		unknown:   opts.UnknownCategory,
		log:       opts.Logger,
	}
}

// Summary reports one categorization run.
type Summary struct {
	Owner     string
	Processed int
	Updated   int
	Failed    int
	// Late counts rows stored after the watermark had already passed
	// their timestamp.
	Late     int
	BySource map[Source]int
	// Watermark is the stored watermark after the run.
	Watermark         time.Time
	WatermarkAdvanced bool
}

func newSummary(owner string) *Summary {
	return &Summary{Owner: owner, BySource: make(map[Source]int)}
}

// history is the pool of categorized narrations used for similarity
// matching and few-shot examples, newest first.
type history struct {
	narrations []string
	categories []string
}

func (h *history) add(narration, category string) {
	h.narrations = append([]string{narration}, h.narrations...)
	h.categories = append([]string{category}, h.categories...)
}

func (h *history) examples(n int) []domain.CategoryExample {
	if n > len(h.narrations) {
		n = len(h.narrations)
	}
	out := make([]domain.CategoryExample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.CategoryExample{Narration: h.narrations[i], Category: h.categories[i]})
	}
	return out
}

// run holds what one CategorizeUser or ReprocessUnknown call loads up front.
type run struct {
	owner      string
	keywords   []domain.CategoryKeywordMap
	categories []string
	history    *history
}

func (e *Engine) loadRun(ctx context.Context, owner string) (*run, error) {
	keywords, err := e.store.ListKeywordMaps(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("loadRun: keyword maps: %w", err)
	}
	categories, err := e.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("loadRun: categories: %w", err)
	}
	past, err := e.store.ListCategorized(ctx, owner, e.unknown)
	if err != nil {
		return nil, fmt.Errorf("loadRun: categorized history: %w", err)
	}

	h := &history{}
	for _, tx := range past {
		h.narrations = append(h.narrations, tx.Narration)
		h.categories = append(h.categories, tx.Category)
	}
	return &run{owner: owner, keywords: keywords, categories: categories, history: h}, nil
}

// CategorizeUser categorizes every uncategorized transaction of owner,
// oldest first. Rows at or before the watermark are included: they were
// stored after an earlier run passed their timestamp. The watermark
// advances to the newest timestamp of the leading run of transactions
// handled without error and never moves back.
func (e *Engine) CategorizeUser(ctx context.Context, owner string) (*Summary, error) {
	log := e.log.With().Str("owner", owner).Logger()
	sum := newSummary(owner)

	mark, _, err := e.store.GetWatermark(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("CategorizeUser: watermark: %w", err)
	}
	sum.Watermark = mark

	pending, err := e.store.ListUncategorized(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("CategorizeUser: list uncategorized: %w", err)
	}
	if len(pending) == 0 {
		return sum, nil
	}

	r, err := e.loadRun(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("CategorizeUser: %w", err)
	}

	var (
		errs      []error
		failedAt  *time.Time
		newMark   time.Time
		haveFresh bool
	)
	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sum.Processed++
		if !tx.Timestamp.After(mark) {
			sum.Late++
		}

		updated, src, err := e.categorize(ctx, r, tx)
		if err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Categorization failed")
			if failedAt == nil {
				ts := tx.Timestamp
				failedAt = &ts
			}
			continue
		}
		sum.BySource[src]++
		if updated {
			sum.Updated++
		}

		if failedAt == nil || tx.Timestamp.Before(*failedAt) {
			if !haveFresh || tx.Timestamp.After(newMark) {
				newMark = tx.Timestamp
				haveFresh = true
			}
		}
	}

	if haveFresh && newMark.After(mark) {
		if err := e.store.AdvanceWatermark(ctx, owner, newMark); err != nil {
			errs = append(errs, fmt.Errorf("advance watermark: %w", err))
		} else {
			sum.Watermark = newMark
			sum.WatermarkAdvanced = true
		}
	}

	log.Info().
		Int("processed", sum.Processed).
		Int("updated", sum.Updated).
		Int("failed", sum.Failed).
		Int("late", sum.Late).
		Time("watermark", sum.Watermark).
		Msg("Categorization run finished")

	if len(errs) > 0 {
		return sum, fmt.Errorf("CategorizeUser: %w", errors.Join(errs...))
	}
	return sum, nil
}

// categorize decides and writes one uncategorized transaction. Frequency
// is recorded before the category so a failed write is retried in full.
func (e *Engine) categorize(ctx context.Context, r *run, tx *domain.Transaction) (bool, Source, error) {
	category, src := e.decide(ctx, r, tx.Narration)

	if len(tx.ReceiptItems) > 0 {
		if _, err := e.freq.Record(ctx, tx); err != nil {
			return false, src, err
		}
	}

	updated, err := e.assign(ctx, tx.ID, category, "")
	if err != nil {
		return false, src, err
	}
	if category != e.unknown {
		r.history.add(tx.Narration, category)
	}

	e.log.Debug().
		Str("transaction_id", tx.ID).
		Str("category", category).
		Str("source", string(src)).
		Bool("updated", updated).
		Msg("Transaction categorized")
	return updated, src, nil
}

func (e *Engine) assign(ctx context.Context, id, category, expect string) (bool, error) {
	if err := e.store.EnsureCategory(ctx, category); err != nil {
		return false, fmt.Errorf("ensure category %q: %w", category, err)
	}
	updated, err := e.store.AssignCategory(ctx, id, category, expect)
	if err != nil {
		return false, fmt.Errorf("assign category %q: %w", category, err)
	}
	return updated, nil
}

// ReprocessUnknown retries owner's transactions stuck in the unknown
// category. Rows that still cannot be decided are left alone. The
// watermark is not touched.
func (e *Engine) ReprocessUnknown(ctx context.Context, owner string) (*Summary, error) {
	log := e.log.With().Str("owner", owner).Logger()
	sum := newSummary(owner)

	stuck, err := e.store.ListByCategory(ctx, owner, e.unknown)
	if err != nil {
		return nil, fmt.Errorf("ReprocessUnknown: list: %w", err)
	}
	if len(stuck) == 0 {
		return sum, nil
	}

	r, err := e.loadRun(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("ReprocessUnknown: %w", err)
	}

	var errs []error
	for _, tx := range stuck {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sum.Processed++

		category, src := e.decide(ctx, r, tx.Narration)
		sum.BySource[src]++
		if category == e.unknown {
			continue
		}

		updated, err := e.assign(ctx, tx.ID, category, e.unknown)
		if err != nil {
			sum.Failed++
			errs = append(errs, fmt.Errorf("transaction %s: %w", tx.ID, err))
			log.Error().Err(err).Str("transaction_id", tx.ID).Msg("Recategorization failed")
			continue
		}
		if updated {
			sum.Updated++
		}
		r.history.add(tx.Narration, category)
	}

	log.Info().
		Int("processed", sum.Processed).
		Int("updated", sum.Updated).
		Int("failed", sum.Failed).
		Msg("Unknown reprocessing finished")

	if len(errs) > 0 {
		return sum, fmt.Errorf("ReprocessUnknown: %w", errors.Join(errs...))
	}
	return sum, nil
}

// decide never fails: every miss ends in the unknown category.
func (e *Engine) decide(ctx context.Context, r *run, narration string) (string, Source) {
	if c, ok := matchKeyword(r.keywords, narration); ok {
		return c, SourceKeyword
	}

	if strings.TrimSpace(narration) != "" {
		if m, ok := similarity.Best(narration, r.history.narrations, e.threshold); ok {
			return r.history.categories[m.Index], SourceSimilarity
		}
	}

	if e.ai == nil {
		return e.unknown, SourceFallback
	}
	answer, err := e.ai.Classify(ctx, narration, r.categories, r.history.examples(e.examples))
	if err != nil {
		e.log.Warn().Err(err).Str("owner", r.owner).Msg("Classifier unavailable")
		return e.unknown, SourceFallback
	}
	if c, ok := canonicalCategory(r.categories, answer); ok {
		return c, SourceAI
	}
	e.log.Warn().Str("answer", answer).Str("owner", r.owner).Msg("Classifier answered outside the category list")
	return e.unknown, SourceFallback
}

// matchKeyword returns the first category with a keyword contained in narration.
func matchKeyword(maps []domain.CategoryKeywordMap, narration string) (string, bool) {
	lower := strings.ToLower(narration)
	for _, m := range maps {
		for _, kw := range m.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" && strings.Contains(lower, kw) {
				return m.Category, true
			}
		}
	}
	return "", false
}

func canonicalCategory(categories []string, answer string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", false
	}
	for _, c := range categories {
		if c == answer {
			return c, true
		}
	}
	for _, c := range categories {
		if strings.EqualFold(c, answer) {
			return c, true
		}
	}
	return "", false
}
