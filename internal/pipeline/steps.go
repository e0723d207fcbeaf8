package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/rules"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// errStop ends a pipeline early after a terminal transition.
var errStop = errors.New("pipeline stopped")

// PipelineStep represents a single step of message processing.
type PipelineStep interface {
	Execute(ctx context.Context, run *Run) error
}

// Run holds the shared state across all steps for one message.
type Run struct {
	Message *domain.RawMessage
	Env     *rules.Env

	Fields    domain.ExtractedFields
	Tier      string
	Method    domain.ParseMethod
	Recovered []string
	Misses    map[string]string
	Reason    string

	Type      domain.TransactionType
	Amount    decimal.Decimal
	Balance   *decimal.Decimal
	Timestamp time.Time
	Clamped   bool

	Transaction *domain.Transaction
	Created     bool

	machine *stateMachine
	bank    string
}

func newRun(msg *domain.RawMessage) *Run {
	return &Run{Message: msg, Misses: make(map[string]string), machine: newStateMachine()}
}

// State returns the current state of the run.
func (r *Run) State() State { return r.machine.current }

// Bank is the detected sending bank, falling back to the message's hint.
func (r *Run) Bank() string {
	if r.bank != "" {
		return r.bank
	}
	r.bank = rules.UnknownBank
	if r.Env != nil {
		r.bank = rules.DetectBank(r.Env.Doc)
	}
	if r.bank == rules.UnknownBank && r.Message.BankHint != "" {
		r.bank = r.Message.BankHint
	}
	return r.bank
}

func (r *Run) reject(reason string) error {
	r.Reason = reason
	if err := r.machine.moveTo(StateRejected); err != nil {
		return err
	}
	return errStop
}

func (r *Run) fail(method domain.ParseMethod, reason string) error {
	r.Method = method
	r.Reason = reason
	if err := r.machine.moveTo(StateFailed); err != nil {
		return err
	}
	return errStop
}

// ExtractStep runs the tiers in order; the first success wins.
type ExtractStep struct {
	Tiers []Tier
	Log   zerolog.Logger
}

func (s *ExtractStep) Execute(ctx context.Context, run *Run) error {
	for _, tier := range s.Tiers {
		fields, err := tier.Attempt(ctx, run)
		if err == nil {
			run.Fields = fields
			run.Tier = tier.Name()
			run.Method = tier.Method()
			if run.Fields.BankName == "" {
				run.Fields.BankName = run.Bank()
			}
			s.Log.Debug().Str("tier", tier.Name()).Msg("Tier produced fields")
			return run.machine.moveTo(tier.State())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		run.Misses[tier.Name()] = err.Error()
		s.Log.Debug().Str("tier", tier.Name()).Err(err).Msg("Tier missed")
	}

	// Bank footers routinely warn about OTPs and passwords, so only the
	// subject decides that an unparsed email is not a transaction.
	if isNoise(run.Message.Subject) {
		return run.reject("non-transactional subject")
	}
	return run.fail(domain.ParseMethodAllFailed, "all extraction tiers missed")
}

// RecoverStep backfills missing core fields from the narration fragment.
// Present values are never overwritten.
type RecoverStep struct {
	AI  AICapability
	Log zerolog.Logger
}

func (s *RecoverStep) Execute(ctx context.Context, run *Run) error {
	missing := run.Fields.Missing()
	if s.AI == nil || len(missing) == 0 || run.Fields.Narration == "" {
		return nil
	}
	got, err := s.AI.Recover(ctx, run.Fields.Narration)
	if err != nil {
		run.Misses["recovery"] = err.Error()
		s.Log.Debug().Err(err).Strs("missing", missing).Msg("Recovery failed")
		return nil
	}
	if filled := run.Fields.FillGaps(got); len(filled) > 0 {
		run.Recovered = filled
		return run.machine.moveTo(StateRecovered)
	}
	return nil
}

// NoiseStep drops non-transactional messages and those whose type could
// not be determined.
type NoiseStep struct{}

func (s *NoiseStep) Execute(ctx context.Context, run *Run) error {
	if isNoise(run.Fields.Narration) {
		return run.reject("non-transactional narration")
	}
	typ, ok := domain.ParseTransactionType(run.Fields.Type)
	if !ok {
		return run.reject("transaction type undetermined")
	}
	run.Type = typ
	return nil
}

// NormalizeStep converts amount and balance strings into decimals.
type NormalizeStep struct{}

func (s *NormalizeStep) Execute(ctx context.Context, run *Run) error {
	amount, err := domain.ParseAmount(run.Fields.Amount)
	if err != nil {
		return run.fail(domain.ParseMethodDataError, err.Error())
	}
	run.Amount = amount

	if run.Fields.BalanceAfter != "" {
		bal, err := domain.ParseAmount(run.Fields.BalanceAfter)
		if err != nil {
			return run.fail(domain.ParseMethodDataError, fmt.Sprintf("balance: %v", err))
		}
		run.Balance = &bal
	}
	return nil
}

// DateStep parses the transaction date and clamps it to the delivery time
// when it is implausibly far in the future.
type DateStep struct {
	Location        *time.Location
	FutureTolerance time.Duration
}

func (s *DateStep) Execute(ctx context.Context, run *Run) error {
	ts, err := rules.ParseDate(run.Fields.Date, s.Location)
	if err != nil {
		return run.fail(domain.ParseMethodDataError, fmt.Sprintf("%v: date: %v", domain.ErrDataValidation, err))
	}
	delivered := run.Message.DeliveredAt()
	if !delivered.IsZero() && ts.After(delivered.Add(s.FutureTolerance)) {
		ts = delivered
		run.Clamped = true
	}
	run.Timestamp = ts
	return nil
}

// PersistStep writes the transaction. A duplicate counts as success.
type PersistStep struct {
	Store Store
}

func (s *PersistStep) Execute(ctx context.Context, run *Run) error {
	tx := &domain.Transaction{
		Owner:           run.Message.Owner,
		Type:            run.Type,
		Amount:          run.Amount,
		Timestamp:       run.Timestamp,
		Narration:       run.Fields.Narration,
		BankName:        run.Fields.BankName,
		BalanceAfter:    run.Balance,
		SourceMessageID: run.Message.ID,
	}
	stored, created, err := s.Store.GetOrCreateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("persist transaction: %w", err)
	}
	run.Transaction = stored
	run.Created = created
	return run.machine.moveTo(StatePersisted)
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs the steps sequentially until one stops the run or fails.
func (p *Pipeline) Execute(ctx context.Context, run *Run) error {
	for i, step := range p.steps {
		if err := step.Execute(ctx, run); err != nil {
			if errors.Is(err, errStop) {
				return nil
			}
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
