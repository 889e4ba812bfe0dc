// Package extract converts located text fragments from the source sites into
// typed values. Every extractor takes a default and returns it on any parse
// failure; none of them panic, so a missing or reworded page element degrades
// a single field instead of the whole record.
package extract

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var nonDigitRe = regexp.MustCompile(`[^\d]`)

// Number parses a numeric market statistic. Text carrying a percent sign is
// treated as a sale-to-list ratio: the percentage is divided by 100 and 1.0
// subtracted, yielding the premium as a decimal fraction ("103.0%" -> 0.03).
// Anything else is reduced to its digits and parsed as an integer
// ("$615,000" -> 615000, "65" -> 65). Empty text or a parse failure returns
// the default.
func Number(text string, def int) any {
	text = strings.TrimSpace(text)
	if text == "" {
		return def
	}

	if strings.Contains(text, "%") {
		clean := strings.NewReplacer("%", "", "+", "", "-", "").Replace(text)
		value, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return def
		}
		return round4(value/100 - 1.0)
	}

	clean := nonDigitRe.ReplaceAllString(text, "")
	n, err := strconv.Atoi(clean)
	if err != nil {
		return def
	}
	return n
}

// Premium parses a signed percentage like "+8%" into a decimal fraction
// (0.08). A leading minus yields a literal negative fraction ("-8%" -> -0.08)
// and an unsigned value is taken as positive. This direct-division convention
// is distinct from the ratio form handled by Number and must stay that way:
// the two formulas feed different columns.
func Premium(text string, def float64) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return def
	}

	clean := strings.ReplaceAll(text, "%", "")
	clean = strings.TrimPrefix(clean, "+")
	value, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return def
	}
	return round4(value / 100)
}

// ParseMonthYear parses an English "Month YYYY" string such as
// "October 2025".
func ParseMonthYear(s string) (time.Time, error) {
	return time.Parse("January 2006", strings.TrimSpace(s))
}

// LastDayOfMonth returns the last calendar day of t's month, leap years
// included.
func LastDayOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location())
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
