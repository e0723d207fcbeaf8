package ai

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// stripFences removes a Markdown code fence if the model wrapped its answer
// in one.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx == -1 {
			return strings.Trim(s, "`")
		}
		s = s[idx+1:]
		if end := strings.LastIndex(s, "```"); end != -1 {
			s = s[:end]
		}
	}
	return strings.TrimSpace(s)
}

// cleanModelJSON keeps only the outermost JSON object or array of a model
// answer, dropping fences and chatter around it.
func cleanModelJSON(raw string) string {
	s := stripFences(raw)

	first, last := "{", "}"
	obj := strings.Index(s, "{")
	arr := strings.Index(s, "[")
	if arr != -1 && (obj == -1 || arr < obj) {
		first, last = "[", "]"
	}
	if start := strings.Index(s, first); start != -1 {
		if end := strings.LastIndex(s, last); end > start {
			s = s[start : end+1]
		}
	}
	return strings.TrimSpace(s)
}

// flexString accepts a JSON string, number or null. Models are inconsistent
// about quoting amounts.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
