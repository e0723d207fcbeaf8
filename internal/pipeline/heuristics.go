package pipeline

import (
	"regexp"
	"strings"

	"github.com/dvloznov/alertledger/internal/domain"
)

var (
	debitWord  = regexp.MustCompile(`(?i)\b(?:debit(?:ed)?|dr)\b`)
	creditWord = regexp.MustCompile(`(?i)\b(?:credit(?:ed)?|cr)\b`)

	amountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:debit|credit|transaction)\s+amount\s*[:\-]?\s*(?:NGN|₦|N)?\s*([\d,]+\.\d{2})`),
		regexp.MustCompile(`(?i)\bamount\s*[:\-]?\s*(?:NGN|₦|N)?\s*([\d,]+(?:\.\d{1,2})?)`),
		regexp.MustCompile(`(?:NGN|₦)\s*([\d,]+\.\d{2})`),
		regexp.MustCompile(`\b(\d{1,3}(?:,\d{3})+\.\d{2}|\d+\.\d{2})\b`),
	}

	balancePattern = regexp.MustCompile(`(?i)(?:available|account|ledger)?\s*balance\s*[:\-]?\s*(?:NGN|₦|N)?\s*([\d,]+\.\d{2})`)

	dateLabel    = regexp.MustCompile(`(?im)^(?:transaction\s+)?(?:date\s*(?:&|and)\s*time|date|time)\s*[:\-]?\s*(.*\d.*)$`)
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}(?::\d{2})?`),
		regexp.MustCompile(`\d{1,2}[-/]\d{1,2}[-/]\d{4}(?:\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*[AP]M)?)?`),
		regexp.MustCompile(`[A-Z][a-z]+\s+\d{1,2}(?:st|nd|rd|th)?,\s+\d{4}(?:\s+\d{1,2}:\d{2}(?::\d{2})?(?:\s*[AP]M)?)?`),
		regexp.MustCompile(`\d{1,2}[ -][A-Z][a-z]{2,8},?[ -]\d{4}(?:\s+\d{1,2}:\d{2}(?::\d{2})?)?`),
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	}

	narrationLabel = regexp.MustCompile(`(?im)^(?:narration|narrative|description|remarks?|note|details)\s*[:\-]?\s*(.+)$`)
)

// heuristicFields is the last-resort extractor: keyword search for the
// transaction type and generic patterns for the rest. ok is false unless
// both a type and an amount were found.
func heuristicFields(text string) (domain.ExtractedFields, bool) {
	var f domain.ExtractedFields

	d := debitWord.FindStringIndex(text)
	c := creditWord.FindStringIndex(text)
	switch {
	case d != nil && (c == nil || d[0] <= c[0]):
		f.Type = string(domain.Debit)
	case c != nil:
		f.Type = string(domain.Credit)
	default:
		return f, false
	}

	for _, re := range amountPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			f.Amount = m[1]
			break
		}
	}
	if f.Amount == "" {
		return f, false
	}

	if m := balancePattern.FindStringSubmatch(text); m != nil {
		f.BalanceAfter = m[1]
	}

	if m := dateLabel.FindStringSubmatch(text); m != nil {
		f.Date = strings.TrimSpace(m[1])
	} else {
		for _, re := range datePatterns {
			if m := re.FindString(text); m != "" {
				f.Date = m
				break
			}
		}
	}

	if m := narrationLabel.FindStringSubmatch(text); m != nil {
		f.Narration = strings.TrimSpace(m[1])
	}
	return f, true
}
