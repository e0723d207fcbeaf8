// Package similarity scores how alike two transaction narrations are.
package similarity

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// DefaultThreshold is the ratio a narration must exceed to count as a match.
const DefaultThreshold = 0.85

// MinKeptDigits is the shortest digit run Normalize keeps. Account and
// phone numbers are at least this long; trip ids and branch suffixes are not.
const MinKeptDigits = 10

// Normalize upper-cases s, drops punctuation and digit runs shorter than
// MinKeptDigits and collapses whitespace, so reference numbers and branch
// suffixes do not dominate the score while distinct counterparties stay apart.
func Normalize(s string) string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToUpper(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if w = splitDigits(w); w != "" {
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

// splitDigits separates letter and digit runs inside w and keeps the long
// digit runs.
func splitDigits(w string) string {
	var parts []string
	start := 0
	rs := []rune(w)
	for i := 1; i <= len(rs); i++ {
		if i < len(rs) && unicode.IsDigit(rs[i]) == unicode.IsDigit(rs[start]) {
			continue
		}
		run := string(rs[start:i])
		if !unicode.IsDigit(rs[start]) || i-start >= MinKeptDigits {
			parts = append(parts, run)
		}
		start = i
	}
	return strings.Join(parts, " ")
}

// Ratio returns 1 - editDistance/maxLen over the normalized narrations.
// It is symmetric and lies in [0, 1].
func Ratio(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" && nb == "" {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
			return 1
		}
		return 0
	}

	ra, rb := []rune(na), []rune(nb)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	dist := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(dist)/float64(maxLen)
}

// Match is the best scoring candidate found by Best.
type Match struct {
	Index int
	Score float64
}

// Best returns the candidate with the highest ratio to target. ok is false
// when no candidate exceeds threshold.
func Best(target string, candidates []string, threshold float64) (Match, bool) {
	best := Match{Index: -1}
	for i, c := range candidates {
		if score := Ratio(target, c); score > best.Score {
			best = Match{Index: i, Score: score}
		}
	}
	return best, best.Index >= 0 && best.Score > threshold
}
