package model

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// FormatSpend renders a dollar amount with a B/M/K suffix and one decimal.
func FormatSpend(amount float64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	switch {
	case amount >= 1e9:
		return fmt.Sprintf("%s$%.1fB", sign, amount/1e9)
	case amount >= 1e6:
		return fmt.Sprintf("%s$%.1fM", sign, amount/1e6)
	case amount >= 1e3:
		return fmt.Sprintf("%s$%.1fK", sign, amount/1e3)
	default:
		return fmt.Sprintf("%s$%.0f", sign, amount)
	}
}

var currencyPattern = regexp.MustCompile(`^\s*(-)?\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*([kKmMbB])?\s*$`)

// ParseCurrency parses formatted currency strings such as "$10.2B", "$5.2M",
// "$450K" or "$1,250" into an exact amount rounded to cents.
func ParseCurrency(s string) (float64, error) {
	m := currencyPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, eris.Errorf("model: unparseable currency %q", s)
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[2], ",", ""), 64)
	if err != nil {
		return 0, eris.Wrapf(err, "model: parse currency %q", s)
	}
	switch strings.ToUpper(m[3]) {
	case "B":
		v *= 1e9
	case "M":
		v *= 1e6
	case "K":
		v *= 1e3
	}
	v = math.Round(v*100) / 100
	if m[1] == "-" {
		v = -v
	}
	return v, nil
}

// MustParseCurrency is ParseCurrency returning 0 on malformed input.
func MustParseCurrency(s string) float64 {
	v, err := ParseCurrency(s)
	if err != nil {
		return 0
	}
	return v
}

// FormatPercent renders a signed percent with one decimal ("+4.2%").
func FormatPercent(v float64) string {
	return fmt.Sprintf("%+.1f%%", v)
}
