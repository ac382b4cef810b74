package records

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundHalfUp parses a decimal string and rounds it to two places, half away
// from zero: 12.345 becomes "12.35", 12.344 becomes "12.34". The arithmetic
// stays decimal end to end; a float64 round trip would turn 12.345 into
// 12.3449... and round the wrong way.
func RoundHalfUp(value string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("parse decimal %q: %w", value, err)
	}
	return d.Round(2).StringFixed(2), nil
}
