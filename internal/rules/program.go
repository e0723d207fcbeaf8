package rules

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source names where an extractor reads its raw value from.
type Source string

const (
	// SourceText reads the whole visible text, one line per block element.
	SourceText Source = "text"
	// SourceSelector reads the text (or Attr) of the first element matching a CSS selector.
	SourceSelector Source = "selector"
	// SourceLabel reads the value printed next to a label such as "Narration:".
	SourceLabel Source = "label"
)

const (
	maxPatternLen  = 1024
	maxExtractors  = 8
	maxProgramSize = 32 << 10
)

// Extractor produces one field value. The raw value from Source is optionally
// narrowed by Pattern (capture Group, default 1 when the pattern has groups)
// and rendered through Template, where {0}..{9} name capture groups.
type Extractor struct {
	From     Source `yaml:"from" json:"from"`
	Selector string `yaml:"selector,omitempty" json:"selector,omitempty"`
	Label    string `yaml:"label,omitempty" json:"label,omitempty"`
	Attr     string `yaml:"attr,omitempty" json:"attr,omitempty"`
	Pattern  string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Group    *int   `yaml:"group,omitempty" json:"group,omitempty"`
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
	Date     bool   `yaml:"date,omitempty" json:"date,omitempty"`

	re *regexp.Regexp
}

// TypeRule decides debit or credit. Fixed wins, then Extract (mapped through
// the usual debit/credit vocabulary), then the first keyword list that matches
// the lower-cased text.
type TypeRule struct {
	Fixed   string      `yaml:"fixed,omitempty" json:"fixed,omitempty"`
	Extract []Extractor `yaml:"extract,omitempty" json:"extract,omitempty"`
	Debit   []string    `yaml:"debit,omitempty" json:"debit,omitempty"`
	Credit  []string    `yaml:"credit,omitempty" json:"credit,omitempty"`
}

// Fields maps output field names to ordered extractor alternatives.
type Fields struct {
	Amount       []Extractor `yaml:"amount" json:"amount"`
	Date         []Extractor `yaml:"date,omitempty" json:"date,omitempty"`
	Narration    []Extractor `yaml:"narration,omitempty" json:"narration,omitempty"`
	BalanceAfter []Extractor `yaml:"balance_after,omitempty" json:"balance_after,omitempty"`
}

// Program is a rule expressed as data. It is interpreted, never compiled
// into host code.
type Program struct {
	Bank    string   `yaml:"bank" json:"bank"`
	Match   []string `yaml:"match,omitempty" json:"match,omitempty"`
	Type    TypeRule `yaml:"type" json:"type"`
	Fields  Fields   `yaml:"fields" json:"fields"`
	Require []string `yaml:"require,omitempty" json:"require,omitempty"`
}

// ParseProgram decodes and validates rule code (YAML or JSON).
func ParseProgram(code string) (*Program, error) {
	if len(code) > maxProgramSize {
		return nil, fmt.Errorf("%w: program is %d bytes, limit %d", ErrInvalidProgram, len(code), maxProgramSize)
	}
	var p Program
	if err := yaml.Unmarshal([]byte(code), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Encode renders the program as YAML, the stored rule_code format.
func (p *Program) Encode() (string, error) {
	b, err := yaml.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode program: %w", err)
	}
	return string(b), nil
}

func (p *Program) compile() error {
	if len(p.Fields.Amount) == 0 {
		return fmt.Errorf("%w: no amount extractor", ErrInvalidProgram)
	}
	groups := map[string][]Extractor{
		"amount":        p.Fields.Amount,
		"date":          p.Fields.Date,
		"narration":     p.Fields.Narration,
		"balance_after": p.Fields.BalanceAfter,
		"type":          p.Type.Extract,
	}
	for name, exs := range groups {
		if len(exs) > maxExtractors {
			return fmt.Errorf("%w: %s has %d extractors, limit %d", ErrInvalidProgram, name, len(exs), maxExtractors)
		}
		for i := range exs {
			if err := exs[i].compile(); err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", ErrInvalidProgram, name, i, err)
			}
		}
	}
	if p.Type.Fixed != "" {
		if _, ok := parseType(p.Type.Fixed); !ok {
			return fmt.Errorf("%w: type.fixed %q is not debit or credit", ErrInvalidProgram, p.Type.Fixed)
		}
	}
	for _, r := range p.Require {
		switch r {
		case "amount", "date", "narration", "balance_after", "transaction_type":
		default:
			return fmt.Errorf("%w: unknown required field %q", ErrInvalidProgram, r)
		}
	}
	return nil
}

func (e *Extractor) compile() error {
	switch e.From {
	case SourceText:
	case SourceSelector:
		if strings.TrimSpace(e.Selector) == "" {
			return fmt.Errorf("selector source needs a selector")
		}
	case SourceLabel:
		if strings.TrimSpace(e.Label) == "" {
			return fmt.Errorf("label source needs a label")
		}
	default:
		return fmt.Errorf("unknown source %q", e.From)
	}
	if e.Pattern == "" {
		return nil
	}
	if len(e.Pattern) > maxPatternLen {
		return fmt.Errorf("pattern longer than %d bytes", maxPatternLen)
	}
	re, err := regexp.Compile(e.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	if e.Group != nil && (*e.Group < 0 || *e.Group > re.NumSubexp()) {
		return fmt.Errorf("group %d out of range", *e.Group)
	}
	e.re = re
	return nil
}
