package domain

import "time"

// DefaultCategories is the seed list created on migration.
var DefaultCategories = []string{
	"Family",
	"Black Tax",
	"Utility Bill",
	"Feeding",
	"Hospital Bill",
	"Fuel",
	"Savings",
	"Transportation",
	"Shopping",
	"Entertainment",
	"Education",
	"Rent",
	"Subscription",
	"Investment",
	"Unknown",
}

// CategoryKeywordMap is a user's keyword list for one category.
type CategoryKeywordMap struct {
	Owner    string
	Category string
	Keywords []string
}

// CategorizationWatermark marks how far a user's uncategorized backlog has been processed.
type CategorizationWatermark struct {
	Owner         string
	LastProcessed time.Time
}

// CategoryExample is a labelled narration handed to the classifier as a few-shot example.
type CategoryExample struct {
	Narration string `json:"narration"`
	Category  string `json:"category"`
}

// PurchaseFrequency classifies how often an item is bought.
type PurchaseFrequency string

const (
	FrequencyUnknown   PurchaseFrequency = "unknown"
	FrequencyDaily     PurchaseFrequency = "daily"
	FrequencyWeekly    PurchaseFrequency = "weekly"
	FrequencyMonthly   PurchaseFrequency = "monthly"
	FrequencyIrregular PurchaseFrequency = "irregular"
)

// ItemFrequency tracks repeat purchases of one item by one owner.
type ItemFrequency struct {
	Owner         string
	Description   string
	PurchaseCount int
	LastPurchased time.Time
	Frequency     PurchaseFrequency
	NextPredicted *time.Time
}
