package domain

import (
	"encoding/json"
	"time"
)

// ParseMethod records which extraction tier produced a message's fields,
// or how extraction failed.
type ParseMethod string

const (
	ParseMethodNone      ParseMethod = ""
	ParseMethodRule      ParseMethod = "saved_parser"
	ParseMethodGenerated ParseMethod = "generated_parser"
	ParseMethodAI        ParseMethod = "ai_extraction"
	ParseMethodRegex     ParseMethod = "regex_fallback"

	ParseMethodAllFailed    ParseMethod = "all_methods_failed"
	ParseMethodDataError    ParseMethod = "data_error"
	ParseMethodUnknownError ParseMethod = "unknown_error"
)

// IsFailure reports whether m is one of the failure classifications.
func (m ParseMethod) IsFailure() bool {
	switch m {
	case ParseMethodAllFailed, ParseMethodDataError, ParseMethodUnknownError:
		return true
	}
	return false
}

// RawMessage is a fetched bank notification email awaiting (or past) extraction.
// ExternalID is unique per owner.
type RawMessage struct {
	ID         string
	Owner      string
	ExternalID string
	Body       string
	Subject    string
	Sender     string
	FetchedAt  time.Time
	SentAt     *time.Time
	BankHint   string
	ArchiveURI string

	Parsed             bool
	ParseMethod        ParseMethod
	ManualReviewNeeded bool
	Extracted          json.RawMessage
}

// DeliveredAt is the best known delivery time of the message.
func (m *RawMessage) DeliveredAt() time.Time {
	if m.SentAt != nil && !m.SentAt.IsZero() {
		return *m.SentAt
	}
	return m.FetchedAt
}

// ParseResult is the outcome the pipeline writes back onto a RawMessage.
type ParseResult struct {
	Parsed             bool
	Method             ParseMethod
	ManualReviewNeeded bool
	Extracted          json.RawMessage
}

// ExtractedFields are the textual fields a tier produces before normalization.
type ExtractedFields struct {
	Type         string `json:"transaction_type"`
	Amount       string `json:"amount"`
	Date         string `json:"date"`
	Narration    string `json:"narration"`
	BankName     string `json:"bank_name"`
	BalanceAfter string `json:"account_balance,omitempty"`
}

// Missing lists the core fields that are still empty.
func (f ExtractedFields) Missing() []string {
	var missing []string
	if f.Amount == "" {
		missing = append(missing, "amount")
	}
	if f.Date == "" {
		missing = append(missing, "date")
	}
	if f.Type == "" {
		missing = append(missing, "transaction_type")
	}
	if f.Narration == "" {
		missing = append(missing, "narration")
	}
	return missing
}

// FillGaps copies non-empty values from other into empty fields of f.
// Existing values are never overwritten. It returns the names of filled fields.
func (f *ExtractedFields) FillGaps(other ExtractedFields) []string {
	var filled []string
	fill := func(name string, dst *string, src string) {
		if *dst == "" && src != "" {
			*dst = src
			filled = append(filled, name)
		}
	}
	fill("transaction_type", &f.Type, other.Type)
	fill("amount", &f.Amount, other.Amount)
	fill("date", &f.Date, other.Date)
	fill("narration", &f.Narration, other.Narration)
	fill("bank_name", &f.BankName, other.BankName)
	fill("account_balance", &f.BalanceAfter, other.BalanceAfter)
	return filled
}

// ExtractionRule is a stored rule program for one bank's email layout.
type ExtractionRule struct {
	BankName  string
	RuleCode  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExtractionRun is the audit record of one pipeline pass over a message.
type ExtractionRun struct {
	RunID      string
	MessageID  string
	Owner      string
	State      string
	Method     ParseMethod
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	Extracted  json.RawMessage
}
