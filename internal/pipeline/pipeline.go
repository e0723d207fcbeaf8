// Package pipeline turns raw bank emails into transactions. Each message
// walks a small state machine: one of four extraction tiers, optional
// recovery, then noise filtering, normalization and persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/logger"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultFutureTolerance is how far past delivery a parsed date may lie
// before it is clamped.
const DefaultFutureTolerance = time.Hour

// Options configure a Processor. Sinks and the listener are optional.
type Options struct {
	Location        *time.Location
	FutureTolerance time.Duration
	Audit           AuditSink
	Export          ExportSink
	Listener        Listener
	Logger          zerolog.Logger
}

// Processor runs the extraction pipeline for stored raw messages.
type Processor struct {
	store    Store
	pipeline *Pipeline
	loc      *time.Location
	audit    AuditSink
	export   ExportSink
	listener Listener
	log      zerolog.Logger
	now      func() time.Time
}

// NewProcessor wires the tiers in their fixed order. ai may be nil, in
// which case rule synthesis, AI extraction and recovery are skipped.
func NewProcessor(st Store, registry *rules.Registry, ai AICapability, opts Options) *Processor {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.FutureTolerance <= 0 {
		opts.FutureTolerance = DefaultFutureTolerance
	}

	tiers := []Tier{ruleTier{registry: registry}}
	if ai != nil {
		tiers = append(tiers, synthesisTier{registry: registry, ai: ai}, aiTier{ai: ai})
	}
	tiers = append(tiers, heuristicTier{})

	p := &Processor{
		store:    st,
		loc:      opts.Location,
		audit:    opts.Audit,
		export:   opts.Export,
		listener: opts.Listener,
		log:      opts.Logger,
		now:      time.Now,
	}
	p.pipeline = NewPipeline(
		&ExtractStep{Tiers: tiers, Log: opts.Logger},
		&RecoverStep{AI: ai, Log: opts.Logger},
		&NoiseStep{},
		&NormalizeStep{},
		&DateStep{Location: opts.Location, FutureTolerance: opts.FutureTolerance},
		&PersistStep{Store: st},
	)
	return p
}

// Result describes where one message ended up.
type Result struct {
	MessageID   string
	State       State
	Method      domain.ParseMethod
	States      []State
	Reason      string
	Transaction *domain.Transaction
	Created     bool
	// Skipped is set when the message had already been parsed.
	Skipped bool
}

type extractionRecord struct {
	Fields    domain.ExtractedFields `json:"fields"`
	Tier      string                 `json:"tier,omitempty"`
	States    []State                `json:"states"`
	Recovered []string               `json:"recovered,omitempty"`
	Misses    map[string]string      `json:"misses,omitempty"`
	Clamped   bool                   `json:"clamped,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
}

func (r *Run) record() json.RawMessage {
	b, err := json.Marshal(extractionRecord{
		Fields:    r.Fields,
		Tier:      r.Tier,
		States:    r.machine.history,
		Recovered: r.Recovered,
		Misses:    r.Misses,
		Clamped:   r.Clamped,
		Reason:    r.Reason,
	})
	if err != nil {
		return nil
	}
	return b
}

func (r *Run) result() *Result {
	return &Result{
		MessageID:   r.Message.ID,
		State:       r.State(),
		Method:      r.Method,
		States:      append([]State(nil), r.machine.history...),
		Reason:      r.Reason,
		Transaction: r.Transaction,
		Created:     r.Created,
	}
}

// Process runs the pipeline for one message. Terminal outcomes (persisted,
// rejected as noise, flagged for manual review) return a nil error. An error
// means something unexpected happened and the caller may retry.
func (p *Processor) Process(ctx context.Context, messageID string) (*Result, error) {
	msg, err := p.store.GetRawMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("Process: load message %s: %w", messageID, err)
	}
	if msg.Parsed {
		return &Result{MessageID: msg.ID, State: StatePersisted, Method: msg.ParseMethod, Skipped: true}, nil
	}

	log := p.log.With().Str("message_id", msg.ID).Str("owner", msg.Owner).Logger()
	ctx = logger.WithContext(ctx, log)
	started := p.now()
	run := newRun(msg)

	run.Env, err = rules.NewEnv(msg.Body, p.loc)
	if err != nil {
		_ = run.fail(domain.ParseMethodAllFailed, err.Error())
	} else if err := p.pipeline.Execute(ctx, run); err != nil {
		p.markUnknown(ctx, run, err, started)
		return nil, fmt.Errorf("Process %s: %w", msg.ID, err)
	}

	if err := p.finish(ctx, run); err != nil {
		p.markUnknown(ctx, run, err, started)
		return nil, fmt.Errorf("Process %s: %w", msg.ID, err)
	}
	p.recordRun(ctx, run, started, "")

	ev := log.Info()
	if run.State() == StateFailed {
		ev = log.Warn()
	}
	ev.Str("state", string(run.State())).
		Str("method", string(run.Method)).
		Str("tier", run.Tier).
		Str("reason", run.Reason).
		Bool("created", run.Created).
		Msg("Message processed")
	return run.result(), nil
}

// finish writes the terminal outcome back to the store.
func (p *Processor) finish(ctx context.Context, run *Run) error {
	msg := run.Message
	switch run.State() {
	case StateRejected:
		if err := p.store.DeleteRawMessage(ctx, msg.ID); err != nil {
			return fmt.Errorf("delete noise message: %w", err)
		}
	case StateFailed:
		res := domain.ParseResult{Method: run.Method, ManualReviewNeeded: true, Extracted: run.record()}
		if err := p.store.UpdateParseResult(ctx, msg.ID, res); err != nil {
			return fmt.Errorf("flag for review: %w", err)
		}
	case StatePersisted:
		res := domain.ParseResult{Parsed: true, Method: run.Method, Extracted: run.record()}
		if err := p.store.UpdateParseResult(ctx, msg.ID, res); err != nil {
			return fmt.Errorf("record parse result: %w", err)
		}
		if run.Created {
			p.transactionCreated(ctx, run.Transaction)
		}
	default:
		return fmt.Errorf("run ended in non-terminal state %s", run.State())
	}
	return nil
}

func (p *Processor) transactionCreated(ctx context.Context, tx *domain.Transaction) {
	if p.export != nil {
		if err := p.export.ExportTransactions(ctx, []*domain.Transaction{tx}); err != nil {
			p.log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("Failed to export transaction")
		}
	}
	if p.listener != nil {
		p.listener.TransactionCreated(ctx, tx)
	}
}

// markUnknown records an unexpected failure on a best-effort basis. The
// message is not flagged for review; the job will retry it.
func (p *Processor) markUnknown(ctx context.Context, run *Run, cause error, started time.Time) {
	ctx = context.WithoutCancel(ctx)
	run.Method = domain.ParseMethodUnknownError
	run.Reason = cause.Error()
	res := domain.ParseResult{Method: domain.ParseMethodUnknownError, Extracted: run.record()}
	if err := p.store.UpdateParseResult(ctx, run.Message.ID, res); err != nil {
		p.log.Error().Err(err).Str("message_id", run.Message.ID).Msg("Failed to record unknown_error")
	}
	p.recordRun(ctx, run, started, cause.Error())
}

func (p *Processor) recordRun(ctx context.Context, run *Run, started time.Time, errMsg string) {
	if p.audit == nil {
		return
	}
	rec := &domain.ExtractionRun{
		RunID:      uuid.NewString(),
		MessageID:  run.Message.ID,
		Owner:      run.Message.Owner,
		State:      string(run.State()),
		Method:     run.Method,
		Error:      errMsg,
		StartedAt:  started,
		FinishedAt: p.now(),
		Extracted:  run.record(),
	}
	if err := p.audit.RecordRun(ctx, rec); err != nil {
		p.log.Warn().Err(err).Str("message_id", run.Message.ID).Msg("Failed to record extraction run")
	}
}
