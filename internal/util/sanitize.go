package util

import (
	"strings"
	"unicode"
)

// CleanSMSText normalises an inbound message body: control characters are
// dropped and runs of whitespace collapse to a single space.
func CleanSMSText(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// DigitsOnly strips everything except ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
