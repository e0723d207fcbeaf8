// Package app builds the services from configuration and runs their jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dvloznov/alertledger/internal/ai"
	"github.com/dvloznov/alertledger/internal/archive"
	"github.com/dvloznov/alertledger/internal/categorize"
	"github.com/dvloznov/alertledger/internal/config"
	infraBQ "github.com/dvloznov/alertledger/internal/infra/bigquery"
	"github.com/dvloznov/alertledger/internal/jobs"
	"github.com/dvloznov/alertledger/internal/jobs/inmemory"
	"github.com/dvloznov/alertledger/internal/mailsource"
	"github.com/dvloznov/alertledger/internal/pipeline"
	"github.com/dvloznov/alertledger/internal/receipts"
	"github.com/dvloznov/alertledger/internal/reconcile"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/dvloznov/alertledger/internal/store/sqlite"
	"github.com/rs/zerolog"
)

// Deps are the outer collaborators. Build fills nothing in; New derives
// them from configuration.
type Deps struct {
	Store   store.Store
	Source  mailsource.Source
	Archive archive.Archive
	// LLM backs every AI capability. Nil disables the AI tiers of the
	// pipeline and the classifier; receipts then fail as unavailable.
	LLM    ai.Completer
	Audit  pipeline.AuditSink
	Export pipeline.ExportSink
}

// App holds every service of one process.
type App struct {
	Config config.Config
	Log    zerolog.Logger

	Store       store.Store
	Archive     archive.Archive
	Registry    *rules.Registry
	AI          *ai.Client
	Processor   *pipeline.Processor
	Categorizer *categorize.Engine
	Reconciler  *reconcile.Service
	Receipts    *receipts.Service
	Syncer      *mailsource.Syncer

	Jobs  *inmemory.Store
	Queue *inmemory.Queue

	closers []func() error
}

// New opens the sqlite store and the configured cloud clients, then builds
// the app. GCS archiving and BigQuery export are enabled only when their
// config sections are set; without a bucket bodies are archived next to
// the database.
func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*App, error) {
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	st, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("New: open store: %w", err)
	}
	closers = append(closers, st.Close)
	deps := Deps{Store: st}

	if cfg.GCS.Bucket != "" {
		gcs, err := archive.NewGCS(ctx, cfg.GCS.Bucket)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("New: %w", err)
		}
		deps.Archive = gcs
	} else {
		local, err := archive.NewLocal(filepath.Join(filepath.Dir(cfg.Database.Path), "archive"))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("New: %w", err)
		}
		deps.Archive = local
	}
	closers = append(closers, deps.Archive.Close)

	if cfg.BigQuery.ProjectID != "" {
		sink, err := infraBQ.NewSink(ctx, cfg.BigQuery, log)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("New: %w", err)
		}
		closers = append(closers, sink.Close)
		deps.Audit = sink
		deps.Export = sink
	}

	if cfg.AI.HasAI() {
		pool, err := ai.NewPoolFromConfig(ctx, cfg.AI, log)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("New: ai pool: %w", err)
		}
		deps.LLM = pool
	} else {
		log.Warn().Msg("No AI providers configured; AI tiers and classification are disabled")
	}

	deps.Source = mailsource.NewGmailSource(cfg.Gmail, st, log)

	a, err := Build(cfg, log, deps)
	if err != nil {
		closeAll()
		return nil, err
	}
	a.closers = closers
	return a, nil
}

// Build wires the services over deps.
func Build(cfg config.Config, log zerolog.Logger, deps Deps) (*App, error) {
	if deps.Store == nil {
		return nil, errors.New("Build: store is required")
	}
	a := &App{
		Config:  cfg,
		Log:     log,
		Store:   deps.Store,
		Archive: deps.Archive,
		Jobs:    inmemory.NewStore(),
	}
	a.Queue = inmemory.NewQueue(a.Jobs, inmemory.Options{
		Workers:    cfg.Jobs.Workers,
		Buffer:     cfg.Jobs.Buffer,
		MaxRetries: cfg.Jobs.MaxRetries,
		Backoff:    cfg.Jobs.Backoff,
		Logger:     log,
	})

	loc := cfg.Pipeline.Location()
	a.Registry = rules.NewRegistry(deps.Store, cfg.Pipeline.RuleTimeout, log)

	var llm ai.Completer = deps.LLM
	if llm == nil {
		llm = ai.NewPool(log, cfg.AI.Cooldown, cfg.AI.Timeout)
	}
	a.AI = ai.NewClient(llm, cfg.Pipeline.MaxAIText)

	var (
		extractor  pipeline.AICapability
		classifier categorize.Classifier
	)
	if deps.LLM != nil {
		extractor = a.AI
		classifier = a.AI
	}

	a.Processor = pipeline.NewProcessor(deps.Store, a.Registry, extractor, pipeline.Options{
		Location:        loc,
		FutureTolerance: cfg.Pipeline.FutureTolerance,
		Audit:           deps.Audit,
		Export:          deps.Export,
		Listener:        &categorizeTrigger{publisher: a.Queue, jobs: a.Jobs, log: log},
		Logger:          log,
	})

	a.Categorizer = categorize.NewEngine(deps.Store, classifier, categorize.Options{
		SimilarityThreshold: cfg.Categorize.SimilarityThreshold,
		Examples:            cfg.Categorize.Examples,
		UnknownCategory:     cfg.Categorize.UnknownCategory,
		Logger:              log,
	})
	a.Reconciler = reconcile.NewService(deps.Store, a.Queue, cfg.Reconcile.SimilarityThreshold, log)

	if deps.Archive != nil {
		a.Receipts = receipts.NewService(deps.Store, deps.Archive, a.AI, a.Queue, receipts.Options{
			Location:  loc,
			Frequency: categorize.NewFrequencyTracker(deps.Store, log),
			Logger:    log,
		})
	}

	if deps.Source != nil {
		opts := mailsource.SyncOptions{BankDomains: cfg.Gmail.BankDomains, Logger: log}
		if deps.Archive != nil {
			opts.Archive = deps.Archive
		}
		a.Syncer = mailsource.NewSyncer(deps.Source, deps.Store, a.Queue, opts)
	}
	return a, nil
}

// Start runs the job workers until ctx is cancelled or Shutdown is called.
func (a *App) Start(ctx context.Context) error {
	return a.Queue.Start(ctx, a.HandleJob)
}

// Shutdown waits for in-flight jobs and closes the queue.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.Queue.Stop(ctx); err != nil {
		return fmt.Errorf("Shutdown: %w", err)
	}
	return nil
}

// Close releases the store and cloud clients opened by New.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Enqueue publishes job and returns it with its id and status filled in.
func (a *App) Enqueue(ctx context.Context, job *jobs.Job) (*jobs.Job, error) {
	if err := a.Queue.Publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RequeueUnparsed enqueues a process_message job for every unparsed
// message of owner ("" for all) that has no job in flight. Messages flagged
// for manual review are left alone. It returns the number enqueued.
func (a *App) RequeueUnparsed(ctx context.Context, owner string) (int, error) {
	msgs, err := a.Store.ListUnparsed(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("RequeueUnparsed: %w", err)
	}
	active := a.Jobs.ActiveMessages()
	n := 0
	for _, m := range msgs {
		if active[m.ID] {
			continue
		}
		job := &jobs.Job{Type: jobs.JobTypeProcessMessage, Owner: m.Owner, MessageID: m.ID}
		if _, err := a.Enqueue(ctx, job); err != nil {
			return n, fmt.Errorf("RequeueUnparsed: %w", err)
		}
		n++
	}
	return n, nil
}

// Drain blocks until no job is pending, running or waiting for a retry.
// It is used by one-shot commands that run the workers in-process.
func (a *App) Drain(ctx context.Context, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for a.Jobs.Active() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
