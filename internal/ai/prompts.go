package ai

import (
	"fmt"
	"strings"

	"github.com/dvloznov/alertledger/internal/domain"
)

const jsonOnly = "Return ONLY valid raw JSON.\n" +
	"Do NOT wrap the response in code fences.\n" +
	"Do NOT use ```json or any Markdown.\n"

const fieldSchema = "- \"transaction_type\": \"debit\" or \"credit\", or null if unclear\n" +
	"- \"amount\": string, the transaction amount exactly as printed, without currency\n" +
	"- \"date\": string, the transaction date and time as printed, or null\n" +
	"- \"narration\": string, the description/remarks of the transaction, or null\n" +
	"- \"bank_name\": string or null\n" +
	"- \"account_balance\": string, the balance after the transaction, or null\n\n"

func extractPrompt(text string) string {
	return "You read Nigerian bank transaction alert emails.\n\n" +
		"Task:\n" +
		"- Extract the single transaction described in the email below.\n" +
		"- If the email is not a transaction alert, return null for every field.\n\n" +
		"Output a JSON object with these fields:\n" +
		fieldSchema +
		jsonOnly +
		"Output must begin with \"{\" and end with \"}\".\n\n" +
		"EMAIL:\n" + text
}

func recoverPrompt(fragment string) string {
	return "The text below is a fragment of a bank transaction alert. Some fields could not be read by a parser.\n\n" +
		"Task:\n" +
		"- Find whatever transaction fields are present in the fragment.\n" +
		"- Use null for anything you cannot see. Do not guess.\n\n" +
		"Output a JSON object with these fields:\n" +
		fieldSchema +
		jsonOnly +
		"\nFRAGMENT:\n" + fragment
}

const ruleLanguage = `Rules are YAML documents with this shape:

bank: <bank name>
match: [<lower-case phrases that must all appear in the email text>]
type:
  fixed: debit|credit            # optional, when the layout is always one type
  extract: [<extractor>, ...]    # optional, a value containing debit/credit/DR/CR
  debit: [<phrases meaning debit>]
  credit: [<phrases meaning credit>]
fields:
  amount: [<extractor>, ...]      # required
  date: [<extractor>, ...]
  narration: [<extractor>, ...]
  balance_after: [<extractor>, ...]
require: [<field names that must be non-empty>]

An extractor is tried in order until one yields a value:
  from: text | selector | label
  selector: <CSS selector>           # for from: selector
  attr: <attribute name>             # optional, for from: selector
  label: <label text, e.g. "Amount"> # for from: label; reads the value beside the label
  pattern: <RE2 regular expression>  # optional; capture group 1 is used when present
  group: <n>                         # optional capture group
  template: "<text with {1} {2}>"    # optional, combines capture groups
  date: true                         # optional, normalizes the value as a date

"text" is the visible text of the email with one line per block element.
Regular expressions are Go RE2: no lookahead or backreferences.
`

func generateRulePrompt(html, bank string) string {
	var b strings.Builder
	b.WriteString("You write extraction rules for bank transaction alert emails.\n\n")
	b.WriteString(ruleLanguage)
	b.WriteString("\nTask:\n")
	fmt.Fprintf(&b, "- Write one rule for emails from %q laid out like the email below.\n", bank)
	b.WriteString("- The rule must extract amount, date, narration and transaction type from this email.\n")
	b.WriteString("- Prefer labels and selectors over whole-text patterns.\n")
	b.WriteString("- Return ONLY the YAML rule. No explanation, no code fences.\n\n")
	b.WriteString("EMAIL HTML:\n")
	b.WriteString(html)
	return b.String()
}

func classifyPrompt(narration string, categories []string, examples []domain.CategoryExample) string {
	var b strings.Builder
	b.WriteString("Classify a bank transaction narration into one spending category.\n\n")
	b.WriteString("Use ONLY the following categories:\n")
	for _, c := range categories {
		b.WriteString("  - " + c + "\n")
	}
	if len(examples) > 0 {
		b.WriteString("\nPreviously categorized transactions from the same user:\n")
		for _, ex := range examples {
			fmt.Fprintf(&b, "  %q => %s\n", ex.Narration, ex.Category)
		}
	}
	b.WriteString("\nRULES:\n")
	b.WriteString("1. Answer with EXACTLY one category name from the list (case-sensitive).\n")
	b.WriteString("2. Answer with the name only. No punctuation, no explanation.\n")
	b.WriteString("3. If you are unsure, answer \"Unknown\".\n\n")
	b.WriteString("NARRATION: " + narration + "\n")
	return b.String()
}

const receiptPrompt = "You read photos of shopping receipts.\n\n" +
	"Output a JSON object with these fields:\n" +
	"- \"total\": string, the receipt total without currency\n" +
	"- \"date\": string, the purchase date as printed, or null\n" +
	"- \"items\": array of objects with \"description\" (string), \"quantity\" (number) and \"price\" (string, line total)\n\n" +
	jsonOnly +
	"Output must begin with \"{\" and end with \"}\".\n"
