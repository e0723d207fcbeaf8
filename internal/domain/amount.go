package domain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var amountPattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// ParseAmount converts a printed amount such as "NGN 5,000.00" or "₦1,200"
// into a non-negative decimal. Currency markers and thousands separators are
// ignored. s must hold exactly one number with at most two decimal places.
func ParseAmount(s string) (decimal.Decimal, error) {
	found := amountPattern.FindAllString(s, 2)
	switch len(found) {
	case 0:
		return decimal.Zero, fmt.Errorf("%w: no amount in %q", ErrDataValidation, s)
	case 2:
		return decimal.Zero, fmt.Errorf("%w: more than one number in amount %q", ErrDataValidation, s)
	}
	m := strings.ReplaceAll(found[0], ",", "")
	if i := strings.IndexByte(m, '.'); i >= 0 && len(m)-i-1 > 2 {
		return decimal.Zero, fmt.Errorf("%w: amount %q has more than two decimal places", ErrDataValidation, s)
	}
	d, err := decimal.NewFromString(m)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q: %v", ErrDataValidation, s, err)
	}
	return d.Abs(), nil
}
