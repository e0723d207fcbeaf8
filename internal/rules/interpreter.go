package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dvloznov/alertledger/internal/domain"
)

// MaxBodySize bounds the markup a rule is run against.
const MaxBodySize = 1 << 20

var (
	// ErrInvalidProgram means rule code could not be decoded or compiled.
	ErrInvalidProgram = fmt.Errorf("%w: invalid program", domain.ErrSandboxExecution)
	// ErrNoMatch means the program ran but did not produce the required fields.
	ErrNoMatch = errors.New("rule did not match")
)

// SandboxError wraps a failure raised while a program was running.
type SandboxError struct {
	Bank  string
	Cause error
	Stack string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("rule %q: %v", e.Bank, e.Cause)
}

func (e *SandboxError) Unwrap() []error {
	return []error{domain.ErrSandboxExecution, e.Cause}
}

// Env is everything a program can see: the parsed document, its rendered
// text and the location used by the date helper.
type Env struct {
	Doc  *goquery.Document
	Text string
	Loc  *time.Location
}

// NewEnv parses body into an Env.
func NewEnv(body string, loc *time.Location) (*Env, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body is %d bytes, limit %d", domain.ErrSandboxExecution, len(body), MaxBodySize)
	}
	doc, err := NewDocument(body)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Env{Doc: doc, Text: PlainText(doc.Selection), Loc: loc}, nil
}

// Execute runs p against env. Panics are converted to a *SandboxError and
// ctx is checked between extractors.
func Execute(ctx context.Context, p *Program, env *Env) (fields domain.ExtractedFields, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SandboxError{Bank: p.Bank, Cause: fmt.Errorf("panic: %v", r), Stack: string(debug.Stack())}
		}
	}()

	lower := strings.ToLower(env.Text)
	for _, m := range p.Match {
		if !strings.Contains(lower, strings.ToLower(m)) {
			return fields, ErrNoMatch
		}
	}

	run := func(exs []Extractor) (string, error) {
		for i := range exs {
			if err := ctx.Err(); err != nil {
				return "", &SandboxError{Bank: p.Bank, Cause: err}
			}
			if v := exs[i].run(env); v != "" {
				return v, nil
			}
		}
		return "", nil
	}

	if fields.Amount, err = run(p.Fields.Amount); err != nil {
		return fields, err
	}
	if fields.Amount == "" {
		return fields, ErrNoMatch
	}
	if fields.Date, err = run(p.Fields.Date); err != nil {
		return fields, err
	}
	if fields.Narration, err = run(p.Fields.Narration); err != nil {
		return fields, err
	}
	if fields.BalanceAfter, err = run(p.Fields.BalanceAfter); err != nil {
		return fields, err
	}
	typ, err := run(p.Type.Extract)
	if err != nil {
		return fields, err
	}
	fields.Type = p.Type.decide(typ, lower)
	fields.BankName = p.Bank

	for _, r := range p.Require {
		if value(fields, r) == "" {
			return fields, fmt.Errorf("%w: required field %s is empty", ErrNoMatch, r)
		}
	}
	return fields, nil
}

func value(f domain.ExtractedFields, name string) string {
	switch name {
	case "amount":
		return f.Amount
	case "date":
		return f.Date
	case "narration":
		return f.Narration
	case "balance_after":
		return f.BalanceAfter
	case "transaction_type":
		return f.Type
	}
	return ""
}

func parseType(s string) (domain.TransactionType, bool) {
	if t, ok := domain.ParseTransactionType(s); ok {
		return t, true
	}
	lower := strings.ToLower(s)
	switch {
	case strings.Contains(lower, "debit"):
		return domain.Debit, true
	case strings.Contains(lower, "credit"):
		return domain.Credit, true
	}
	return "", false
}

func (t TypeRule) decide(extracted, lowerText string) string {
	if t.Fixed != "" {
		if typ, ok := parseType(t.Fixed); ok {
			return string(typ)
		}
	}
	if typ, ok := parseType(extracted); ok {
		return string(typ)
	}
	for _, kw := range t.Debit {
		if kw != "" && strings.Contains(lowerText, strings.ToLower(kw)) {
			return string(domain.Debit)
		}
	}
	for _, kw := range t.Credit {
		if kw != "" && strings.Contains(lowerText, strings.ToLower(kw)) {
			return string(domain.Credit)
		}
	}
	return ""
}

func (e *Extractor) run(env *Env) string {
	var raw string
	switch e.From {
	case SourceText:
		raw = env.Text
	case SourceSelector:
		sel := env.Doc.Find(e.Selector).First()
		if e.Attr != "" {
			raw, _ = sel.Attr(e.Attr)
		} else {
			raw = PlainText(sel)
		}
	case SourceLabel:
		raw = labelValue(env.Doc, e.Label)
	}
	if raw == "" {
		return ""
	}

	out := raw
	if e.re != nil {
		m := e.re.FindStringSubmatch(raw)
		if m == nil {
			return ""
		}
		group := 0
		if e.re.NumSubexp() > 0 {
			group = 1
		}
		if e.Group != nil {
			group = *e.Group
		}
		out = m[group]
		if e.Template != "" {
			out = expand(e.Template, m)
		}
	} else if e.Template != "" {
		out = expand(e.Template, []string{raw})
	}

	out = collapse(out)
	if e.Date && out != "" {
		if t, err := ParseDate(out, env.Loc); err == nil {
			out = t.Format(time.RFC3339)
		}
	}
	return out
}

func expand(tmpl string, groups []string) string {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '{' && i+2 < len(tmpl) && tmpl[i+2] == '}' {
			if n, err := strconv.Atoi(tmpl[i+1 : i+2]); err == nil {
				if n < len(groups) {
					b.WriteString(groups[n])
				}
				i += 2
				continue
			}
		}
		b.WriteByte(tmpl[i])
	}
	return b.String()
}

// labelValue finds the value printed beside label: either in the same leaf
// element after the label ("Amount: NGN 5.00"), in the next sibling element,
// or in the next cell of the enclosing table row.
func labelValue(doc *goquery.Document, label string) string {
	// Folding rune by rune keeps the match end a byte offset into text even
	// when upper and lower case forms differ in length.
	prefix := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(collapse(label)))
	var result string
	doc.Find("td, th, dt, span, strong, b, p, div, li, label, font").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Find("p, div, td, tr, li, table").Length() > 0 {
			return true
		}
		text := collapse(s.Text())
		loc := prefix.FindStringIndex(text)
		if loc == nil {
			return true
		}
		tail := text[loc[1]:]
		rest := strings.TrimSpace(strings.TrimLeft(tail, ": -"))
		if rest != "" {
			if len(rest) < 300 && (tail[0] == ':' || tail[0] == ' ') {
				result = rest
				return false
			}
			return true
		}
		for _, next := range []*goquery.Selection{s.Next(), s.Parent().Next()} {
			if v := collapse(next.Text()); v != "" {
				result = strings.TrimSpace(strings.TrimLeft(v, ": "))
				return false
			}
		}
		return true
	})
	return result
}
