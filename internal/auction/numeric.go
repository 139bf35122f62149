package auction

import (
	"strconv"
	"strings"
)

// ParseCount keeps only the digits of text and parses them as an integer.
// Text without digits, or with more digits than fit in an int64, yields 0.
func ParseCount(text string) int64 {
	var b strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseAmount parses a currency string such as "$12,345.67".
// Unparseable text yields 0.
func ParseAmount(text string) float64 {
	v, ok := parseAmount(text)
	if !ok {
		return 0
	}
	return v
}

// ParseOptionalAmount is ParseAmount for fields that may be absent.
// It returns nil instead of 0 when text holds no amount.
func ParseOptionalAmount(text string) *float64 {
	v, ok := parseAmount(text)
	if !ok {
		return nil
	}
	return &v
}

func parseAmount(text string) (float64, bool) {
	var (
		b      strings.Builder
		digits bool
		dot    bool
	)
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			digits = true
			b.WriteRune(r)
		case r == '.' && !dot:
			dot = true
			b.WriteRune(r)
		}
	}
	if !digits {
		return 0, false
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
