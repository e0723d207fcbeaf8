package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// fallbackLayouts are tried after dateparse gives up. They cover the
// day-first formats Nigerian bank alerts use.
var fallbackLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006 3:04 PM",
	"02/01/2006",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2/1/2006",
	"02-01-2006 15:04:05",
	"02-01-2006",
	"02-Jan-2006 15:04:05",
	"02-Jan-2006 15:04",
	"02-Jan-2006",
	"02 Jan 2006 15:04:05",
	"02 Jan 2006, 15:04",
	"02 Jan 2006",
	"Jan 2 2006 15:04:05",
	"January 2, 2006 3:04 PM",
	"January 2, 2006 15:04",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

var (
	ordinalSuffix = regexp.MustCompile(`(\d{1,2})(st|nd|rd|th)\b`)
	atSeparator   = regexp.MustCompile(`(?i)\s+at\s+`)
	dayFirstSlash = regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}`)
)

// ParseDate parses s in loc with a chain of fallbacks. Day-first slash dates
// (15/03/2024) are preferred over month-first ones.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	clean := strings.Join(strings.Fields(s), " ")
	clean = ordinalSuffix.ReplaceAllString(clean, "$1")
	clean = atSeparator.ReplaceAllString(clean, " ")
	clean = strings.TrimSuffix(strings.TrimSpace(clean), ".")
	if clean == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if !dayFirstSlash.MatchString(clean) {
		if t, err := dateparse.ParseIn(clean, loc); err == nil {
			return t, nil
		}
	}
	for _, layout := range fallbackLayouts {
		if t, err := time.ParseInLocation(layout, clean, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}
