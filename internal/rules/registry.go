package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/logger"
	"github.com/dvloznov/alertledger/internal/store"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single rule execution.
const DefaultTimeout = 2 * time.Second

// Registry runs stored rule programs and admits new ones after validation.
type Registry struct {
	store   store.RuleStore
	timeout time.Duration
	log     zerolog.Logger
}

// NewRegistry creates a registry over st.
func NewRegistry(st store.RuleStore, timeout time.Duration, log zerolog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{store: st, timeout: timeout, log: log}
}

// Match is a successful rule execution.
type Match struct {
	Bank   string
	Fields domain.ExtractedFields
}

// RunAll executes every stored rule against env and returns the first whose
// output has an amount. A nil Match with a nil error means no rule matched.
// Rule failures are logged and skipped; only store errors are returned.
func (r *Registry) RunAll(ctx context.Context, env *Env) (*Match, error) {
	rules, err := r.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("RunAll: list rules: %w", err)
	}

	for _, rule := range rules {
		fields, err := r.run(ctx, rule.BankName, rule.RuleCode, env)
		if err != nil {
			r.logMiss(rule.BankName, err, env)
			continue
		}
		fields.BankName = rule.BankName
		r.log.Debug().Str("bank", rule.BankName).Msg("Stored rule matched")
		return &Match{Bank: rule.BankName, Fields: fields}, nil
	}
	return nil, nil
}

// Validate parses code and runs it once against env. The program is only
// considered valid when it yields a non-empty amount.
func (r *Registry) Validate(ctx context.Context, code string, env *Env) (*Program, domain.ExtractedFields, error) {
	prog, err := ParseProgram(code)
	if err != nil {
		return nil, domain.ExtractedFields{}, err
	}
	fields, err := r.execute(ctx, prog, env)
	if err != nil {
		return nil, fields, err
	}
	return prog, fields, nil
}

// Learn validates code against env and, only if it succeeds, stores it as the
// rule for bank, replacing any previous rule for that bank.
func (r *Registry) Learn(ctx context.Context, bank, code string, env *Env) (domain.ExtractedFields, error) {
	prog, fields, err := r.Validate(ctx, code, env)
	if err != nil {
		return fields, err
	}
	prog.Bank = bank
	fields.BankName = bank

	encoded, err := prog.Encode()
	if err != nil {
		return fields, err
	}
	if err := r.store.UpsertRule(ctx, &domain.ExtractionRule{BankName: bank, RuleCode: encoded}); err != nil {
		return fields, fmt.Errorf("Learn: upsert rule for %s: %w", bank, err)
	}
	r.log.Info().Str("bank", bank).Msg("Stored new extraction rule")
	return fields, nil
}

func (r *Registry) run(ctx context.Context, bank, code string, env *Env) (domain.ExtractedFields, error) {
	prog, err := ParseProgram(code)
	if err != nil {
		return domain.ExtractedFields{}, &SandboxError{Bank: bank, Cause: err}
	}
	if prog.Bank == "" {
		prog.Bank = bank
	}
	return r.execute(ctx, prog, env)
}

func (r *Registry) execute(ctx context.Context, prog *Program, env *Env) (domain.ExtractedFields, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return Execute(ctx, prog, env)
}

func (r *Registry) logMiss(bank string, err error, env *Env) {
	if errors.Is(err, ErrNoMatch) {
		r.log.Debug().Str("bank", bank).Err(err).Msg("Stored rule did not match")
		return
	}
	ev := r.log.Warn().Str("bank", bank).Err(err).Str("snippet", logger.Snippet(env.Text, 200))
	var sbx *SandboxError
	if errors.As(err, &sbx) && sbx.Stack != "" {
		ev = ev.Str("stack", sbx.Stack)
	}
	ev.Msg("Stored rule failed")
}
