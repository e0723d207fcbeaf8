package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/dvloznov/alertledger/internal/rules"
)

var (
	errNoRule      = errors.New("no stored rule matched")
	errUnknownBank = errors.New("bank could not be identified")
	errNoPattern   = errors.New("no debit/credit keyword with an amount")
)

// Tier is one strategy in the extraction chain. A nil error means the tier
// produced fields; any error is a miss and the next tier runs.
type Tier interface {
	Name() string
	Method() domain.ParseMethod
	State() State
	Attempt(ctx context.Context, run *Run) (domain.ExtractedFields, error)
}

type ruleTier struct {
	registry *rules.Registry
}

func (ruleTier) Name() string               { return "saved_rule" }
func (ruleTier) Method() domain.ParseMethod { return domain.ParseMethodRule }
func (ruleTier) State() State               { return StateRuleMatched }

func (t ruleTier) Attempt(ctx context.Context, run *Run) (domain.ExtractedFields, error) {
	m, err := t.registry.RunAll(ctx, run.Env)
	if err != nil {
		return domain.ExtractedFields{}, err
	}
	if m == nil {
		return domain.ExtractedFields{}, errNoRule
	}
	return m.Fields, nil
}

type synthesisTier struct {
	registry *rules.Registry
	ai       AICapability
}

func (synthesisTier) Name() string               { return "generated_rule" }
func (synthesisTier) Method() domain.ParseMethod { return domain.ParseMethodGenerated }
func (synthesisTier) State() State               { return StateRuleGenerated }

func (t synthesisTier) Attempt(ctx context.Context, run *Run) (domain.ExtractedFields, error) {
	bank := run.Bank()
	if bank == rules.UnknownBank {
		return domain.ExtractedFields{}, errUnknownBank
	}
	code, err := t.ai.GenerateRule(ctx, run.Message.Body, bank)
	if err != nil {
		return domain.ExtractedFields{}, err
	}
	fields, err := t.registry.Learn(ctx, bank, code, run.Env)
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("generated rule for %s rejected: %w", bank, err)
	}
	return fields, nil
}

type aiTier struct {
	ai AICapability
}

func (aiTier) Name() string               { return "ai_extraction" }
func (aiTier) Method() domain.ParseMethod { return domain.ParseMethodAI }
func (aiTier) State() State               { return StateAIExtracted }

func (t aiTier) Attempt(ctx context.Context, run *Run) (domain.ExtractedFields, error) {
	fields, err := t.ai.Extract(ctx, run.Env.Text)
	if err != nil {
		return fields, err
	}
	if fields.Amount == "" || fields.Type == "" {
		return fields, fmt.Errorf("ai answer lacks amount or transaction_type")
	}
	return fields, nil
}

type heuristicTier struct{}

func (heuristicTier) Name() string               { return "heuristic" }
func (heuristicTier) Method() domain.ParseMethod { return domain.ParseMethodRegex }
func (heuristicTier) State() State               { return StateHeuristicMatched }

func (heuristicTier) Attempt(ctx context.Context, run *Run) (domain.ExtractedFields, error) {
	fields, ok := heuristicFields(run.Env.Text)
	if !ok {
		return fields, errNoPattern
	}
	return fields, nil
}
