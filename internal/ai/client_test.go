package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/dvloznov/alertledger/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLLM struct {
	reply string
	err   error
	last  Request
}

func (s *stubLLM) Complete(ctx context.Context, req Request) (string, error) {
	s.last = req
	return s.reply, s.err
}

func TestCleanModelJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"chatter", "Sure! Here it is: {\"a\":1} hope that helps", `{"a":1}`},
		{"array", "```\n[1,2]\n```", `[1,2]`},
		{"object with array inside", `{"items":[1]}`, `{"items":[1]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanModelJSON(tt.raw))
		})
	}
}

func TestExtractAcceptsNumbersAndNulls(t *testing.T) {
	llm := &stubLLM{reply: "```json\n{\"transaction_type\": \"Debit\", \"amount\": 5000.5, \"date\": null, \"narration\": \"AIRTIME\", \"bank_name\": \"OPay\", \"account_balance\": null}\n```"}
	c := NewClient(llm, 10)

	fields, err := c.Extract(context.Background(), "a very long email body that will be cut")
	require.NoError(t, err)
	assert.Equal(t, domain.ExtractedFields{
		Type:      "debit",
		Amount:    "5000.5",
		Narration: "AIRTIME",
		BankName:  "OPay",
	}, fields)
	assert.Contains(t, llm.last.Prompt, "EMAIL:\na very lon")
	assert.NotContains(t, llm.last.Prompt, "will be cut")
}

func TestExtractDropsUnknownType(t *testing.T) {
	c := NewClient(&stubLLM{reply: `{"transaction_type": "reversal", "amount": "10"}`}, 0)
	fields, err := c.Extract(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, fields.Type)
	assert.Equal(t, "10", fields.Amount)
}

func TestExtractErrors(t *testing.T) {
	c := NewClient(&stubLLM{err: domain.ErrCapabilityUnavailable}, 0)
	_, err := c.Extract(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrCapabilityUnavailable)

	c = NewClient(&stubLLM{reply: "I cannot help with that"}, 0)
	_, err = c.Extract(context.Background(), "x")
	assert.Error(t, err)
}

func TestGenerateRuleStripsFences(t *testing.T) {
	llm := &stubLLM{reply: "```yaml\nbank: Kuda Bank\nfields:\n  amount:\n    - from: text\n```"}
	c := NewClient(llm, 0)

	code, err := c.GenerateRule(context.Background(), "<p>hi</p>", "Kuda Bank")
	require.NoError(t, err)
	assert.Equal(t, "bank: Kuda Bank\nfields:\n  amount:\n    - from: text", code)
	assert.Contains(t, llm.last.Prompt, `"Kuda Bank"`)

	_, err = NewClient(&stubLLM{reply: "```\n```"}, 0).GenerateRule(context.Background(), "", "X")
	assert.Error(t, err)
}

func TestClassifyCleansAnswer(t *testing.T) {
	tests := map[string]string{
		"Transportation":          "Transportation",
		"\"Fuel\".":               "Fuel",
		"**Rent**\nBecause rent.": "Rent",
		"  Utility Bill  ":        "Utility Bill",
	}
	for reply, want := range tests {
		llm := &stubLLM{reply: reply}
		got, err := NewClient(llm, 0).Classify(context.Background(), "UBER TRIP", []string{"Transportation"},
			[]domain.CategoryExample{{Narration: "BOLT RIDE", Category: "Transportation"}})
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Contains(t, llm.last.Prompt, `"BOLT RIDE" => Transportation`)
	}

	_, err := NewClient(&stubLLM{err: errors.New("down")}, 0).Classify(context.Background(), "x", nil, nil)
	assert.Error(t, err)
}

func TestExtractReceipt(t *testing.T) {
	llm := &stubLLM{reply: `{"total": "₦3,450.00", "date": "2024-03-15", "items": [
		{"description": "Bread", "quantity": 2, "price": "1,200"},
		{"description": "Milk", "quantity": null, "price": 2250},
		{"description": "", "price": "5"}
	]}`}
	c := NewClient(llm, 0)

	data, err := c.ExtractReceipt(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", llm.last.MIMEType)
	assert.Equal(t, []byte{0xff, 0xd8}, llm.last.Image)

	assert.True(t, data.Total.Equal(decimal.RequireFromString("3450")))
	assert.Equal(t, "2024-03-15", data.Date)
	require.Len(t, data.Items, 2)
	assert.Equal(t, "Bread", data.Items[0].Description)
	assert.True(t, data.Items[0].Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, data.Items[1].Quantity.Equal(decimal.NewFromInt(1)))
	assert.True(t, data.Items[1].Price.Equal(decimal.NewFromInt(2250)))
}
