package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	// DefaultMaxText bounds the email text sent for extraction.
	DefaultMaxText = 4000
	maxRuleHTML    = 20000
)

// Completer is the part of Pool the capabilities need.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Client exposes the AI capabilities used by the pipeline, categorizer and
// receipt matcher. Every method may fail; callers treat failure as a miss.
type Client struct {
	llm     Completer
	maxText int
}

// NewClient creates a Client over llm, usually a *Pool.
func NewClient(llm Completer, maxText int) *Client {
	if maxText <= 0 {
		maxText = DefaultMaxText
	}
	return &Client{llm: llm, maxText: maxText}
}

type aiFields struct {
	Type         flexString `json:"transaction_type"`
	Amount       flexString `json:"amount"`
	Date         flexString `json:"date"`
	Narration    flexString `json:"narration"`
	BankName     flexString `json:"bank_name"`
	BalanceAfter flexString `json:"account_balance"`
}

func (f aiFields) toDomain() domain.ExtractedFields {
	out := domain.ExtractedFields{
		Amount:       string(f.Amount),
		Date:         string(f.Date),
		Narration:    string(f.Narration),
		BankName:     string(f.BankName),
		BalanceAfter: string(f.BalanceAfter),
	}
	if t, ok := domain.ParseTransactionType(string(f.Type)); ok {
		out.Type = string(t)
	}
	return out
}

func (c *Client) fields(ctx context.Context, op, prompt string) (domain.ExtractedFields, error) {
	raw, err := c.llm.Complete(ctx, Request{Prompt: prompt})
	if err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("%s: %w", op, err)
	}
	var f aiFields
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &f); err != nil {
		return domain.ExtractedFields{}, fmt.Errorf("%s: unmarshal JSON: %w", op, err)
	}
	return f.toDomain(), nil
}

// Extract reads transaction fields from the plain text of an email.
func (c *Client) Extract(ctx context.Context, text string) (domain.ExtractedFields, error) {
	return c.fields(ctx, "Extract", extractPrompt(truncate(text, c.maxText)))
}

// Recover reads whatever fields are present in a fragment. Callers merge the
// result into what they already have without overwriting.
func (c *Client) Recover(ctx context.Context, fragment string) (domain.ExtractedFields, error) {
	return c.fields(ctx, "Recover", recoverPrompt(truncate(fragment, c.maxText)))
}

// GenerateRule asks for rule code for bank's layout. The code is untrusted
// and must be validated before it is stored.
func (c *Client) GenerateRule(ctx context.Context, html, bank string) (string, error) {
	raw, err := c.llm.Complete(ctx, Request{Prompt: generateRulePrompt(truncate(html, maxRuleHTML), bank)})
	if err != nil {
		return "", fmt.Errorf("GenerateRule: %w", err)
	}
	code := stripFences(raw)
	if code == "" {
		return "", fmt.Errorf("GenerateRule: empty rule")
	}
	return code, nil
}

// Classify returns the model's answer for narration. The answer is not
// checked against categories; callers do that.
func (c *Client) Classify(ctx context.Context, narration string, categories []string, examples []domain.CategoryExample) (string, error) {
	raw, err := c.llm.Complete(ctx, Request{Prompt: classifyPrompt(narration, categories, examples)})
	if err != nil {
		return "", fmt.Errorf("Classify: %w", err)
	}
	return cleanLabel(raw), nil
}

func cleanLabel(raw string) string {
	s := stripFences(raw)
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		s = s[:idx]
	}
	return strings.Trim(s, "\"'`*. \t")
}

type aiReceipt struct {
	Total flexString `json:"total"`
	Date  flexString `json:"date"`
	Items []struct {
		Description flexString `json:"description"`
		Quantity    flexString `json:"quantity"`
		Price       flexString `json:"price"`
	} `json:"items"`
}

// ExtractReceipt reads the total, date and line items off a receipt image.
func (c *Client) ExtractReceipt(ctx context.Context, image []byte, mimeType string) (domain.ReceiptData, error) {
	raw, err := c.llm.Complete(ctx, Request{Prompt: receiptPrompt, Image: image, MIMEType: mimeType})
	if err != nil {
		return domain.ReceiptData{}, fmt.Errorf("ExtractReceipt: %w", err)
	}
	var r aiReceipt
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &r); err != nil {
		return domain.ReceiptData{}, fmt.Errorf("ExtractReceipt: unmarshal JSON: %w", err)
	}

	total, err := domain.ParseAmount(string(r.Total))
	if err != nil {
		return domain.ReceiptData{}, fmt.Errorf("ExtractReceipt: total: %w", err)
	}
	data := domain.ReceiptData{Total: total, Date: string(r.Date)}
	for _, it := range r.Items {
		desc := strings.TrimSpace(string(it.Description))
		if desc == "" {
			continue
		}
		qty, err := decimal.NewFromString(string(it.Quantity))
		if err != nil || !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}
		price, err := domain.ParseAmount(string(it.Price))
		if err != nil {
			price = decimal.Zero
		}
		data.Items = append(data.Items, domain.ReceiptItem{Description: desc, Quantity: qty, Price: price})
	}
	return data, nil
}
