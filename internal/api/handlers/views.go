package handlers

import (
	"encoding/json"
	"time"

	"github.com/dvloznov/alertledger/internal/domain"
)

type itemView struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	Price       string `json:"price"`
}

type transactionView struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	Type                string     `json:"type"`
	Amount              string     `json:"amount"`
	Timestamp           time.Time  `json:"timestamp"`
	Narration           string     `json:"narration"`
	Category            string     `json:"category,omitempty"`
	BankName            string     `json:"bank_name,omitempty"`
	BalanceAfter        string     `json:"balance_after,omitempty"`
	Items               []itemView `json:"items,omitempty"`
	ManuallyCategorized bool       `json:"manually_categorized"`
	SourceMessageID     string     `json:"source_message_id,omitempty"`
}

func newTransactionView(tx *domain.Transaction) transactionView {
	v := transactionView{
		ID:                  tx.ID,
		Owner:               tx.Owner,
		Type:                string(tx.Type),
		Amount:              tx.Amount.StringFixed(2),
		Timestamp:           tx.Timestamp,
		Narration:           tx.Narration,
		Category:            tx.Category,
		BankName:            tx.BankName,
		ManuallyCategorized: tx.ManuallyCategorized,
		SourceMessageID:     tx.SourceMessageID,
	}
	if tx.BalanceAfter != nil {
		v.BalanceAfter = tx.BalanceAfter.StringFixed(2)
	}
	for _, it := range tx.ReceiptItems {
		v.Items = append(v.Items, itemView{
			Description: it.Description,
			Quantity:    it.Quantity.String(),
			Price:       it.Price.StringFixed(2),
		})
	}
	return v
}

type messageView struct {
	ID                 string          `json:"id"`
	Owner              string          `json:"owner"`
	ExternalID         string          `json:"external_id"`
	Subject            string          `json:"subject,omitempty"`
	Sender             string          `json:"sender,omitempty"`
	SentAt             *time.Time      `json:"sent_at,omitempty"`
	BankHint           string          `json:"bank_hint,omitempty"`
	ArchiveURI         string          `json:"archive_uri,omitempty"`
	ParseMethod        string          `json:"parse_method,omitempty"`
	ManualReviewNeeded bool            `json:"manual_review_needed"`
	Extracted          json.RawMessage `json:"extracted,omitempty"`
}

func newMessageView(m *domain.RawMessage) messageView {
	return messageView{
		ID:                 m.ID,
		Owner:              m.Owner,
		ExternalID:         m.ExternalID,
		Subject:            m.Subject,
		Sender:             m.Sender,
		SentAt:             m.SentAt,
		BankHint:           m.BankHint,
		ArchiveURI:         m.ArchiveURI,
		ParseMethod:        string(m.ParseMethod),
		ManualReviewNeeded: m.ManualReviewNeeded,
		Extracted:          m.Extracted,
	}
}
