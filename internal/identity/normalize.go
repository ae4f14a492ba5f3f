package identity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxDisplayNameRunes bounds names shown in lock badges.
const MaxDisplayNameRunes = 64

// NormalizeDisplayName composes to NFC, trims, collapses inner whitespace, drops control
// characters and truncates to MaxDisplayNameRunes.
func NormalizeDisplayName(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) <= MaxDisplayNameRunes {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:MaxDisplayNameRunes]))
}
