package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Receipt is an uploaded receipt image and, once processed, its extraction
// and the transaction it was matched to.
type Receipt struct {
	ID            string
	Owner         string
	ImageURI      string
	MIMEType      string
	UploadedAt    time.Time
	Processed     bool
	Extracted     json.RawMessage
	Total         *decimal.Decimal
	ReceiptDate   *time.Time
	Items         []ReceiptItem
	TransactionID string
}

// ReceiptData is what the vision capability reads off a receipt.
type ReceiptData struct {
	Total decimal.Decimal `json:"total"`
	Date  string          `json:"date"`
	Items []ReceiptItem   `json:"items"`
}
